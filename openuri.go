// Package openuri opens http, https and ftp locators and returns the
// response body as a seekable stream with its metadata. Redirects are
// followed with loop detection and downgrade protection, and large bodies
// spill to a temporary file.
package openuri

import (
	"context"
	"net/url"
	"sync"

	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/fetch"
	"github.com/WhileEndless/go-openuri/pkg/meta"
	"github.com/WhileEndless/go-openuri/pkg/options"
	"github.com/WhileEndless/go-openuri/pkg/timing"
)

// Version is the current version of the openuri library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Stream is the body of a completed fetch together with its metadata.
	Stream = meta.Stream

	// Metadata holds status, headers and base URL of a response.
	Metadata = meta.Metadata

	// Options is the raw option mapping accepted by Open.
	Options = options.Map

	// Credentials is a user name and password pair.
	Credentials = options.Credentials

	// ProxyAuth is the value of the proxy_http_basic_authentication option.
	ProxyAuth = options.ProxyAuth

	// Opener opens locators with a fixed set of adapters.
	Opener = fetch.Opener

	// Config configures an Opener.
	Config = fetch.Config

	// Metrics captures connection phase timings for one hop.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export option keys for convenience
const (
	Proxy                        = options.KeyProxy
	ProxyHTTPBasicAuthentication = options.KeyProxyHTTPBasicAuthentication
	ProgressProc                 = options.KeyProgressProc
	ContentLengthProc            = options.KeyContentLengthProc
	HTTPBasicAuthentication      = options.KeyHTTPBasicAuthentication
	ReadTimeout                  = options.KeyReadTimeout
	OpenTimeout                  = options.KeyOpenTimeout
	SSLCACert                    = options.KeySSLCACert
	SSLVerifyMode                = options.KeySSLVerifyMode
	SSLMinVersion                = options.KeySSLMinVersion
	FTPActiveMode                = options.KeyFTPActiveMode
	Redirect                     = options.KeyRedirect
	Encoding                     = options.KeyEncoding

	// NoProxy disables the proxy, including the environment default.
	NoProxy = options.NoProxy
)

// Re-export error types for convenience
const (
	ErrorTypeConfiguration     = errors.ErrorTypeConfiguration
	ErrorTypeRedirectLoop      = errors.ErrorTypeRedirectLoop
	ErrorTypeForbiddenRedirect = errors.ErrorTypeForbiddenRedirect
	ErrorTypeRedirectDisabled  = errors.ErrorTypeRedirectDisabled
	ErrorTypeProtocol          = errors.ErrorTypeProtocol
	ErrorTypeDNS               = errors.ErrorTypeDNS
	ErrorTypeConnection        = errors.ErrorTypeConnection
	ErrorTypeTLS               = errors.ErrorTypeTLS
	ErrorTypeTimeout           = errors.ErrorTypeTimeout
	ErrorTypeIO                = errors.ErrorTypeIO
)

var defaultOpener = sync.OnceValue(func() *Opener {
	return fetch.New(fetch.Config{})
})

// NewOpener returns an Opener for cfg. The zero Config uses the built-in
// adapters and the proxy environment variables.
func NewOpener(cfg Config) *Opener {
	return fetch.New(cfg)
}

// Open fetches rawURL with the default opener. The caller must Close the
// returned stream.
func Open(ctx context.Context, rawURL, mode string, opts Options) (*Stream, error) {
	return defaultOpener().Open(ctx, rawURL, mode, opts)
}

// OpenURL is Open for an already parsed locator.
func OpenURL(ctx context.Context, u *url.URL, mode string, opts Options) (*Stream, error) {
	return defaultOpener().OpenURL(ctx, u, mode, opts)
}

// OpenFunc opens rawURL, calls fn with the stream and closes it afterwards.
func OpenFunc(ctx context.Context, rawURL, mode string, opts Options, fn func(*Stream) error) error {
	return defaultOpener().OpenFunc(ctx, rawURL, mode, opts, fn)
}

// GetErrorType returns the category of err, or "" for foreign errors.
func GetErrorType(err error) errors.ErrorType {
	return errors.GetErrorType(err)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}
