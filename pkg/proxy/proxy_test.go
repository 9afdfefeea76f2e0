package proxy

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http/httpproxy"

	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/options"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func mustOptions(t *testing.T, raw options.Map) *options.Options {
	t.Helper()
	o, err := options.Validate(raw)
	require.NoError(t, err)
	return o
}

func testEnv() EnvFunc {
	return FromConfig(
		&httpproxy.Config{
			HTTPProxy:  "http://env-proxy.example:3128",
			HTTPSProxy: "http://secure-proxy.example:3129",
			NoProxy:    "internal.example",
		},
		&httpproxy.Config{HTTPProxy: "http://ftp-proxy.example:2121"},
	)
}

func TestResolvePrecedence(t *testing.T) {
	r := NewResolver(testEnv())
	target := mustURL(t, "http://www.example.com/index.html")

	tests := []struct {
		name     string
		opts     options.Map
		wantURL  string
		wantUser string
		wantPass string
	}{
		{
			name:    "environment default",
			opts:    nil,
			wantURL: "http://env-proxy.example:3128",
		},
		{
			name:    "proxy true uses environment",
			opts:    options.Map{options.KeyProxy: true},
			wantURL: "http://env-proxy.example:3128",
		},
		{
			name:    "explicit proxy",
			opts:    options.Map{options.KeyProxy: "http://explicit.example:8000"},
			wantURL: "http://explicit.example:8000",
		},
		{
			name:     "explicit proxy with userinfo",
			opts:     options.Map{options.KeyProxy: "http://u:p@explicit.example:8000"},
			wantURL:  "http://explicit.example:8000",
			wantUser: "u",
			wantPass: "p",
		},
		{
			name: "proxy with basic authentication",
			opts: options.Map{options.KeyProxyHTTPBasicAuthentication: []string{
				"http://auth.example:8080", "alice", "s3cret",
			}},
			wantURL:  "http://auth.example:8080",
			wantUser: "alice",
			wantPass: "s3cret",
		},
		{
			name: "disabled",
			opts: options.Map{options.KeyProxy: false},
		},
		{
			name: "NoProxy",
			opts: options.Map{options.KeyProxy: options.NoProxy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(mustOptions(t, tt.opts), target)
			require.NoError(t, err)
			if tt.wantURL == "" {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tt.wantURL, p.String())
			assert.Equal(t, tt.wantUser, p.User)
			assert.Equal(t, tt.wantPass, p.Password)
		})
	}
}

func TestResolvePerScheme(t *testing.T) {
	r := NewResolver(testEnv())
	o := mustOptions(t, nil)

	p, err := r.Resolve(o, mustURL(t, "https://www.example.com/"))
	require.NoError(t, err)
	assert.Equal(t, "http://secure-proxy.example:3129", p.String())

	p, err = r.Resolve(o, mustURL(t, "ftp://ftp.example.com/pub/file"))
	require.NoError(t, err)
	assert.Equal(t, "http://ftp-proxy.example:2121", p.String())

	p, err = r.Resolve(o, mustURL(t, "http://internal.example/"))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestResolveWithoutEnvironment(t *testing.T) {
	p, err := NewResolver(nil).Resolve(mustOptions(t, nil), mustURL(t, "http://a.example/"))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestResolveConfigurationErrors(t *testing.T) {
	target := mustURL(t, "http://www.example.com/")
	tests := []struct {
		name string
		opts options.Map
	}{
		{
			name: "both proxy options",
			opts: options.Map{
				options.KeyProxy:                        "http://a.example:1",
				options.KeyProxyHTTPBasicAuthentication: []string{"http://b.example:2", "u", "p"},
			},
		},
		{"socks proxy", options.Map{options.KeyProxy: "socks5://proxy.example:1080"}},
		{"missing scheme", options.Map{options.KeyProxy: "//proxy.example:8080"}},
		{"missing host", options.Map{options.KeyProxy: "http://"}},
		{"bad port", options.Map{options.KeyProxy: "http://proxy.example:99999"}},
		{"auth without url", options.Map{options.KeyProxyHTTPBasicAuthentication: options.ProxyAuth{User: "u"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(nil).Resolve(mustOptions(t, tt.opts), target)
			require.Error(t, err)
			assert.Equal(t, errors.ErrorTypeConfiguration, errors.GetErrorType(err))
		})
	}
}

func TestEnvironmentNonHTTPProxyRejected(t *testing.T) {
	env := FromConfig(&httpproxy.Config{HTTPProxy: "socks5://socks.example:1080"}, nil)
	_, err := NewResolver(env).Resolve(mustOptions(t, nil), mustURL(t, "http://www.example.com/"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfiguration, errors.GetErrorType(err))
}

func TestProxyHelpers(t *testing.T) {
	p := &Proxy{URL: mustURL(t, "http://proxy.example"), User: "Aladdin", Password: "open sesame"}
	host, port := p.HostPort()
	assert.Equal(t, "proxy.example", host)
	assert.Equal(t, 8080, port)
	assert.Equal(t, "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ==", p.Authorization())

	p = &Proxy{URL: mustURL(t, "https://proxy.example")}
	_, port = p.HostPort()
	assert.Equal(t, 443, port)
	assert.Equal(t, "", p.Authorization())
}

func TestDirect(t *testing.T) {
	p, err := NewResolver(Direct).Resolve(mustOptions(t, nil), mustURL(t, "http://a.example/"))
	require.NoError(t, err)
	assert.Nil(t, p)
}
