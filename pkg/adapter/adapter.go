// Package adapter defines the contract between the fetch loop and the
// per-scheme transports.
package adapter

import (
	"context"
	"net/url"

	"github.com/WhileEndless/go-openuri/pkg/buffer"
	"github.com/WhileEndless/go-openuri/pkg/options"
	"github.com/WhileEndless/go-openuri/pkg/proxy"
	"github.com/WhileEndless/go-openuri/pkg/timing"
)

// Kind tags the outcome of a single hop.
type Kind int

const (
	// KindCompleted means the body is in the buffer and metadata is set.
	KindCompleted Kind = iota
	// KindRedirected means the server pointed elsewhere; see Result.Location.
	KindRedirected
	// KindFailed means the hop failed; see Result.Err.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindRedirected:
		return "redirected"
	case KindFailed:
		return "failed"
	}
	return "unknown"
}

// Request is one hop of a fetch.
type Request struct {
	URL     *url.URL
	Proxy   *proxy.Proxy // nil for a direct connection
	Options *options.Options
}

// Result is the tagged outcome of Adapter.Fetch.
type Result struct {
	Kind Kind

	// Location is the raw redirect target, possibly relative. Set for
	// KindRedirected.
	Location string

	// Err is set for KindFailed. A *errors.Error with a Partial stream owns
	// the hop buffer's content; the buffer must not be reused.
	Err error

	Metrics    timing.Metrics
	TLSVersion uint16
}

// Completed reports a finished hop.
func Completed() Result {
	return Result{Kind: KindCompleted}
}

// Redirect reports a redirect to location.
func Redirect(location string) Result {
	return Result{Kind: KindRedirected, Location: location}
}

// Failed reports a failed hop.
func Failed(err error) Result {
	return Result{Kind: KindFailed, Err: err}
}

// Adapter performs a single hop for one or more URL schemes, writing the
// body to buf and filling buf.Meta().
type Adapter interface {
	Fetch(ctx context.Context, req *Request, buf *buffer.Buffer) Result
}

// Func adapts an ordinary function to Adapter.
type Func func(ctx context.Context, req *Request, buf *buffer.Buffer) Result

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req *Request, buf *buffer.Buffer) Result {
	return f(ctx, req, buf)
}

// ViaProxy uses proxied when the hop has a proxy and direct otherwise. It
// serves FTP, which is fetched through HTTP proxies as an absolute URL.
func ViaProxy(proxied, direct Adapter) Adapter {
	return Func(func(ctx context.Context, req *Request, buf *buffer.Buffer) Result {
		if req.Proxy != nil {
			return proxied.Fetch(ctx, req, buf)
		}
		return direct.Fetch(ctx, req, buf)
	})
}
