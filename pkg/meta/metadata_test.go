package meta

import (
	"bytes"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

type nopSeekCloser struct {
	*bytes.Reader
	closed int
}

func (n *nopSeekCloser) Close() error {
	n.closed++
	return nil
}

func TestContentTypeAndCharset(t *testing.T) {
	tests := []struct {
		name        string
		header      []string
		wantType    string
		wantCharset string
	}{
		{"html utf-8", []string{"text/html; charset=UTF-8"}, "text/html", "utf-8"},
		{"absent", nil, "application/octet-stream", ""},
		{"json", []string{"application/json"}, "application/json", ""},
		{"text default charset", []string{"text/plain"}, "text/plain", "utf-8"},
		{"upper case type", []string{"Text/HTML"}, "text/html", "utf-8"},
		{"quoted charset", []string{`text/plain; charset="ISO-8859-1"`}, "text/plain", "iso-8859-1"},
		{"lws around params", []string{" text/plain ;  format = flowed ; charset=us-ascii "}, "text/plain", "us-ascii"},
		{"trailing semicolon", []string{"text/plain;"}, "text/plain", "utf-8"},
		{"missing subtype", []string{"text"}, "application/octet-stream", ""},
		{"garbage parameter", []string{"text/plain; charset"}, "application/octet-stream", ""},
		{"unterminated quote", []string{`text/plain; charset="utf-8`}, "application/octet-stream", ""},
		{"escaped quote", []string{`application/x; name="a\"b"; charset=koi8-r`}, "application/x", "koi8-r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			if tt.header != nil {
				m.AddHeader("Content-Type", tt.header...)
			}
			assert.Equal(t, tt.wantType, m.ContentType())
			assert.Equal(t, tt.wantCharset, m.Charset(nil))
		})
	}
}

func TestCharsetFallback(t *testing.T) {
	m := New()
	m.AddHeader("content-type", "application/xml")
	assert.Equal(t, "shift_jis", m.Charset(func() string { return "shift_jis" }))

	m.AddHeader("content-type", "text/xml; charset=EUC-JP")
	assert.Equal(t, "euc-jp", m.Charset(func() string { return "shift_jis" }))
}

func TestContentEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   []string
	}{
		{"gzip, identity", []string{"gzip", "identity"}},
		{"GZIP", []string{"gzip"}},
		{" deflate ,br ", []string{"deflate", "br"}},
		{"gzip,,br", nil},
		{"gzip;q=1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			m := New()
			m.AddHeader("Content-Encoding", tt.header)
			assert.Equal(t, tt.want, m.ContentEncoding())
		})
	}

	assert.Nil(t, New().ContentEncoding())
}

func TestHeaderMultimap(t *testing.T) {
	m := New()
	m.AddHeader("Set-Cookie", "a=1", "b=2")

	assert.Equal(t, "a=1, b=2", m.Header("set-cookie"))
	assert.Equal(t, []string{"a=1", "b=2"}, m.HeaderValues("SET-COOKIE"))
	assert.Equal(t, "", m.Header("x-missing"))
	assert.Nil(t, m.HeaderValues("x-missing"))

	// last writer wins
	m.AddHeader("set-cookie", "c=3")
	assert.Equal(t, []string{"c=3"}, m.HeaderValues("Set-Cookie"))

	h := m.Headers()
	h["set-cookie"][0] = "mutated"
	assert.Equal(t, "c=3", m.Header("set-cookie"))
}

func TestLastModified(t *testing.T) {
	m := New()
	_, ok := m.LastModified()
	assert.False(t, ok)

	m.AddHeader("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
	lm, ok := m.LastModified()
	require.True(t, ok)
	assert.True(t, lm.Equal(time.Date(2015, 10, 21, 7, 28, 0, 0, time.UTC)))

	m.AddHeader("Last-Modified", "yesterday")
	_, ok = m.LastModified()
	assert.False(t, ok)
}

func TestRepeatedParsingIsStable(t *testing.T) {
	m := New()
	m.AddHeader("Content-Type", "text/html; charset=UTF-8")
	m.AddHeader("Content-Encoding", "gzip, identity")

	for i := 0; i < 3; i++ {
		assert.Equal(t, "text/html", m.ContentType())
		assert.Equal(t, "utf-8", m.Charset(nil))
		assert.Equal(t, []string{"gzip", "identity"}, m.ContentEncoding())
	}
}

func TestEncodingTagging(t *testing.T) {
	m := New()
	assert.Nil(t, m.Encoding())

	m.AddHeader("Content-Type", "text/plain; charset=iso-8859-1")
	require.NotNil(t, m.Encoding())
	assert.Equal(t, "windows-1252", m.EncodingName())

	m.AddHeader("Content-Type", "text/plain; charset=x-unknown-charset")
	assert.Nil(t, m.Encoding())

	m.AddHeader("Content-Type", "image/png")
	assert.Nil(t, m.Encoding())
}

func TestSetEncodingOverridesCharset(t *testing.T) {
	m := New()
	m.SetEncoding(charmap.KOI8R)
	m.AddHeader("Content-Type", "text/plain; charset=utf-8")
	assert.Equal(t, charmap.KOI8R, m.Encoding())
}

func TestStream(t *testing.T) {
	md := New()
	md.SetStatus(200, "OK")
	md.SetBaseURL(&url.URL{Scheme: "http", Host: "example.com", Path: "/"})
	md.AddHeader("Content-Type", "text/plain; charset=iso-8859-1")

	backing := &nopSeekCloser{Reader: bytes.NewReader([]byte{'c', 'a', 'f', 0xe9})}
	s := NewStream(backing, 4, md)

	assert.Equal(t, "200 OK", s.Status().String())
	assert.Equal(t, "http://example.com/", s.BaseURL().String())
	assert.Equal(t, int64(4), s.Size())

	text, err := io.ReadAll(s.TextReader())
	require.NoError(t, err)
	assert.Equal(t, "café", string(text))

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	raw, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9}, raw)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, backing.closed)
}
