// Package options defines the recognized fetch options and validates them.
package options

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/tlsconfig"
)

// Key names a recognized option. Keys of plain string type in a Map are
// extra request header fields instead.
type Key string

// Recognized option keys.
const (
	KeyProxy                        Key = "proxy"
	KeyProxyHTTPBasicAuthentication Key = "proxy_http_basic_authentication"
	KeyProgressProc                 Key = "progress_proc"
	KeyContentLengthProc            Key = "content_length_proc"
	KeyHTTPBasicAuthentication      Key = "http_basic_authentication"
	KeyReadTimeout                  Key = "read_timeout"
	KeyOpenTimeout                  Key = "open_timeout"
	KeySSLCACert                    Key = "ssl_ca_cert"
	KeySSLVerifyMode                Key = "ssl_verify_mode"
	KeySSLMinVersion                Key = "ssl_min_version"
	KeyFTPActiveMode                Key = "ftp_active_mode"
	KeyRedirect                     Key = "redirect"
	KeyEncoding                     Key = "encoding"
)

var knownKeys = map[Key]bool{
	KeyProxy:                        true,
	KeyProxyHTTPBasicAuthentication: true,
	KeyProgressProc:                 true,
	KeyContentLengthProc:            true,
	KeyHTTPBasicAuthentication:      true,
	KeyReadTimeout:                  true,
	KeyOpenTimeout:                  true,
	KeySSLCACert:                    true,
	KeySSLVerifyMode:                true,
	KeySSLMinVersion:                true,
	KeyFTPActiveMode:                true,
	KeyRedirect:                     true,
	KeyEncoding:                     true,
}

// Map is the raw option mapping accepted by Open.
type Map map[any]any

// VerifyMode selects TLS certificate verification.
type VerifyMode int

const (
	// VerifyPeer checks the server certificate chain and host name.
	VerifyPeer VerifyMode = iota
	// VerifyNone accepts any certificate.
	VerifyNone
)

// NoProxy disables the proxy, including the environment default, when
// given as the value of KeyProxy. false has the same effect.
const NoProxy = noProxy(0)

type noProxy int

// Credentials is a user name and password pair.
type Credentials struct {
	User     string
	Password string
}

// ProxyAuth is the value of KeyProxyHTTPBasicAuthentication.
type ProxyAuth struct {
	URL      string
	User     string
	Password string
}

// ProxySetting is the validated form of KeyProxy.
type ProxySetting struct {
	// Disabled is set for NoProxy or false.
	Disabled bool
	// URL is the explicit proxy; empty means the environment default.
	URL string
}

// Options is the validated, typed form of a Map.
type Options struct {
	Proxy     *ProxySetting // nil when KeyProxy is absent
	ProxyAuth *ProxyAuth    // nil when KeyProxyHTTPBasicAuthentication is absent

	// ProgressProc receives the cumulative body size after each chunk.
	ProgressProc func(size int64)
	// ContentLengthProc receives the announced body size, or -1 when the
	// server did not announce one.
	ContentLengthProc func(length int64)

	HTTPBasicAuthentication *Credentials

	ReadTimeout time.Duration
	OpenTimeout time.Duration

	SSLCACert     []string
	SSLVerifyMode VerifyMode
	SSLMinVersion uint16

	FTPActiveMode bool
	Redirect      bool
	Encoding      string

	// Header holds extra request header fields.
	Header map[string]string
}

// Clone returns a copy of o that can be modified independently.
func (o *Options) Clone() *Options {
	c := *o
	c.SSLCACert = append([]string(nil), o.SSLCACert...)
	c.Header = make(map[string]string, len(o.Header))
	for k, v := range o.Header {
		c.Header[k] = v
	}
	return &c
}

// TLS returns the trust settings for tlsconfig.Build.
func (o *Options) TLS() tlsconfig.Config {
	return tlsconfig.Config{
		CACerts:    o.SSLCACert,
		VerifyNone: o.SSLVerifyMode == VerifyNone,
		MinVersion: o.SSLMinVersion,
	}
}

// HeaderNames returns the extra header names in sorted order.
func (o *Options) HeaderNames() []string {
	names := make([]string, 0, len(o.Header))
	for k := range o.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate checks raw against the recognized keys and converts it.
func Validate(raw Map) (*Options, error) {
	o := &Options{Redirect: true, Header: make(map[string]string)}

	// Deterministic order keeps error messages stable.
	keys := make([]any, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})

	for _, k := range keys {
		v := raw[k]
		switch key := k.(type) {
		case Key:
			if !knownKeys[key] {
				return nil, errors.NewConfigurationErrorf("unrecognized option: %s", key)
			}
			if err := o.set(key, v); err != nil {
				return nil, err
			}
		case string:
			s, ok := v.(string)
			if !ok {
				return nil, errors.NewConfigurationErrorf("header field %q: value must be a string, got %T", key, v)
			}
			if !httpguts.ValidHeaderFieldName(key) {
				return nil, errors.NewConfigurationErrorf("invalid header field name %q", key)
			}
			if !httpguts.ValidHeaderFieldValue(s) {
				return nil, errors.NewConfigurationErrorf("invalid value for header field %q", key)
			}
			o.Header[key] = s
		default:
			return nil, errors.NewConfigurationErrorf("unrecognized option: %v (%T)", k, k)
		}
	}
	return o, nil
}

func (o *Options) set(key Key, v any) error {
	bad := func() error {
		return errors.NewConfigurationErrorf("option %s: unsupported value type %T", key, v)
	}

	switch key {
	case KeyProxy:
		switch p := v.(type) {
		case nil:
			o.Proxy = &ProxySetting{}
		case bool:
			o.Proxy = &ProxySetting{Disabled: !p}
		case noProxy:
			o.Proxy = &ProxySetting{Disabled: true}
		case string:
			o.Proxy = &ProxySetting{URL: p}
		case *url.URL:
			o.Proxy = &ProxySetting{URL: p.String()}
		default:
			return bad()
		}
	case KeyProxyHTTPBasicAuthentication:
		switch p := v.(type) {
		case ProxyAuth:
			o.ProxyAuth = &p
		case *ProxyAuth:
			if p == nil {
				return bad()
			}
			c := *p
			o.ProxyAuth = &c
		case []string:
			if len(p) != 3 {
				return errors.NewConfigurationErrorf("option %s: expected [url, user, password]", key)
			}
			o.ProxyAuth = &ProxyAuth{URL: p[0], User: p[1], Password: p[2]}
		default:
			return bad()
		}
	case KeyProgressProc:
		fn, ok := v.(func(int64))
		if !ok {
			return bad()
		}
		o.ProgressProc = fn
	case KeyContentLengthProc:
		fn, ok := v.(func(int64))
		if !ok {
			return bad()
		}
		o.ContentLengthProc = fn
	case KeyHTTPBasicAuthentication:
		switch c := v.(type) {
		case Credentials:
			o.HTTPBasicAuthentication = &c
		case []string:
			if len(c) != 2 {
				return errors.NewConfigurationErrorf("option %s: expected [user, password]", key)
			}
			o.HTTPBasicAuthentication = &Credentials{User: c[0], Password: c[1]}
		default:
			return bad()
		}
	case KeyReadTimeout, KeyOpenTimeout:
		d, err := toDuration(v)
		if err != nil {
			return errors.NewConfigurationErrorf("option %s: %v", key, err)
		}
		if key == KeyReadTimeout {
			o.ReadTimeout = d
		} else {
			o.OpenTimeout = d
		}
	case KeySSLCACert:
		switch c := v.(type) {
		case string:
			o.SSLCACert = []string{c}
		case []string:
			o.SSLCACert = append([]string(nil), c...)
		default:
			return bad()
		}
	case KeySSLVerifyMode:
		switch m := v.(type) {
		case VerifyMode:
			o.SSLVerifyMode = m
		case string:
			switch m {
			case "peer":
				o.SSLVerifyMode = VerifyPeer
			case "none":
				o.SSLVerifyMode = VerifyNone
			default:
				return errors.NewConfigurationErrorf("option %s: unknown mode %q", key, m)
			}
		default:
			return bad()
		}
	case KeySSLMinVersion:
		switch m := v.(type) {
		case uint16:
			o.SSLMinVersion = m
		case string:
			ver, err := tlsconfig.ParseVersion(m)
			if err != nil {
				return err
			}
			o.SSLMinVersion = ver
		default:
			return bad()
		}
	case KeyFTPActiveMode:
		b, ok := v.(bool)
		if !ok {
			return bad()
		}
		o.FTPActiveMode = b
	case KeyRedirect:
		b, ok := v.(bool)
		if !ok {
			return bad()
		}
		o.Redirect = b
	case KeyEncoding:
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		o.Encoding = s
	}
	return nil
}

func toDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch t := v.(type) {
	case time.Duration:
		d = t
	case int:
		d = time.Duration(t) * time.Second
	case int64:
		d = time.Duration(t) * time.Second
	case float64:
		d = time.Duration(t * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return 0, err
		}
		d = parsed
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %v", d)
	}
	return d, nil
}
