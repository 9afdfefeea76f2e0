// Package meta attaches protocol response metadata to fetched streams.
package meta

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultContentType is reported when Content-Type is absent or unparsable.
const DefaultContentType = "application/octet-stream"

// Status is the response status line of the hop that produced a stream.
type Status struct {
	Code    int
	Message string
}

// String formats the status as "code message".
func (s Status) String() string {
	if s.Message == "" {
		return strconv.Itoa(s.Code)
	}
	return strconv.Itoa(s.Code) + " " + s.Message
}

// Metadata holds the status, headers and base URL of a response.
// Header names are stored lowercase.
type Metadata struct {
	status  Status
	baseURL *url.URL
	header  map[string][]string
	enc     encoding.Encoding
	forced  bool
}

// New returns empty metadata.
func New() *Metadata {
	return &Metadata{header: make(map[string][]string)}
}

// SetStatus records the response status line.
func (m *Metadata) SetStatus(code int, message string) {
	m.status = Status{Code: code, Message: message}
}

// Status returns the response status line.
func (m *Metadata) Status() Status {
	return m.status
}

// BaseURL returns the URL that produced the content, after redirects.
func (m *Metadata) BaseURL() *url.URL {
	return m.baseURL
}

// SetBaseURL records the URL that produced the content.
func (m *Metadata) SetBaseURL(u *url.URL) {
	m.baseURL = u
}

// AddHeader stores values under the lowercased name, replacing any values
// previously stored for it. Setting content-type re-derives the stream
// encoding from its charset.
func (m *Metadata) AddHeader(name string, values ...string) {
	key := strings.ToLower(name)
	m.header[key] = append([]string(nil), values...)
	if key == "content-type" {
		m.setupEncoding()
	}
}

// Header returns all values of name joined with ", ", or "" when absent.
func (m *Metadata) Header(name string) string {
	return strings.Join(m.header[strings.ToLower(name)], ", ")
}

// HeaderValues returns the values of name in received order.
func (m *Metadata) HeaderValues(name string) []string {
	vs, ok := m.header[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return append([]string(nil), vs...)
}

// Headers returns a copy of the header multimap.
func (m *Metadata) Headers() map[string][]string {
	out := make(map[string][]string, len(m.header))
	for k, vs := range m.header {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// LastModified parses the Last-Modified header.
func (m *Metadata) LastModified() (time.Time, bool) {
	v, ok := m.header["last-modified"]
	if !ok {
		return time.Time{}, false
	}
	t, err := http.ParseTime(strings.Join(v, ", "))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ContentType returns the lowercased "type/subtype" of the Content-Type
// header, or DefaultContentType.
func (m *Metadata) ContentType() string {
	mt, _, ok := m.contentTypeParse()
	if !ok {
		return DefaultContentType
	}
	return mt
}

// Charset returns the lowercased charset parameter of Content-Type. Without
// one it returns fallback() when fallback is non-nil, "utf-8" for text/*
// types and "" otherwise.
func (m *Metadata) Charset(fallback func() string) string {
	mt, params, ok := m.contentTypeParse()
	for _, p := range params {
		if p.name == "charset" {
			return strings.ToLower(p.value)
		}
	}
	if fallback != nil {
		return fallback()
	}
	if ok && strings.HasPrefix(mt, "text/") {
		return "utf-8"
	}
	return ""
}

// ContentEncoding returns the lowercased content codings in the order they
// were applied. Absent or unparsable headers yield nil.
func (m *Metadata) ContentEncoding() []string {
	vs, ok := m.header["content-encoding"]
	if !ok {
		return nil
	}
	return parseTokenList(strings.Join(vs, ", "))
}

// Encoding returns the character encoding tagged on the stream, or nil when
// the content is binary or its charset is unknown.
func (m *Metadata) Encoding() encoding.Encoding {
	return m.enc
}

// SetEncoding overrides the charset-derived encoding. Later Content-Type
// headers no longer change it.
func (m *Metadata) SetEncoding(enc encoding.Encoding) {
	m.enc = enc
	m.forced = true
}

// EncodingName returns the canonical name of the tagged encoding or "".
func (m *Metadata) EncodingName() string {
	if m.enc == nil {
		return ""
	}
	name, err := htmlindex.Name(m.enc)
	if err != nil {
		return ""
	}
	return name
}

func (m *Metadata) setupEncoding() {
	if m.forced {
		return
	}
	m.enc = nil
	cs := m.Charset(nil)
	if cs == "" {
		return
	}
	if enc, err := htmlindex.Get(cs); err == nil {
		m.enc = enc
	}
}

func (m *Metadata) contentTypeParse() (string, []param, bool) {
	vs, ok := m.header["content-type"]
	if !ok {
		return "", nil, false
	}
	return parseMediaType(strings.Join(vs, ", "))
}
