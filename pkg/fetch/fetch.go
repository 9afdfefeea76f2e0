// Package fetch implements the redirect-following open loop.
package fetch

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/encoding"

	"github.com/WhileEndless/go-openuri/pkg/adapter"
	"github.com/WhileEndless/go-openuri/pkg/buffer"
	"github.com/WhileEndless/go-openuri/pkg/client"
	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/ftp"
	"github.com/WhileEndless/go-openuri/pkg/meta"
	"github.com/WhileEndless/go-openuri/pkg/metrics"
	"github.com/WhileEndless/go-openuri/pkg/options"
	"github.com/WhileEndless/go-openuri/pkg/proxy"
	"github.com/WhileEndless/go-openuri/pkg/timing"
	"github.com/WhileEndless/go-openuri/pkg/tlsconfig"
)

// Config configures an Opener. The zero value is usable.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics is optional; nil disables recording.
	Metrics *metrics.Metrics
	// Adapters maps lowercase schemes to adapters. Nil means DefaultAdapters().
	Adapters map[string]adapter.Adapter
	// ProxyEnv supplies the default proxy. Nil means proxy.FromEnvironment(),
	// evaluated once in New.
	ProxyEnv proxy.EnvFunc
}

// Opener opens locators. It is read-only after New and safe for concurrent
// use.
type Opener struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	adapters map[string]adapter.Adapter
	resolver *proxy.Resolver
}

// DefaultAdapters returns the built-in adapters: HTTP and HTTPS over raw
// sockets, and FTP either directly or through an HTTP proxy.
func DefaultAdapters() map[string]adapter.Adapter {
	httpClient := client.New()
	return map[string]adapter.Adapter{
		"http":  httpClient,
		"https": httpClient,
		"ftp":   adapter.ViaProxy(httpClient, ftp.New()),
	}
}

// New creates an Opener.
func New(cfg Config) *Opener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := cfg.Adapters
	if adapters == nil {
		adapters = DefaultAdapters()
	}
	env := cfg.ProxyEnv
	if env == nil {
		env = proxy.FromEnvironment()
	}

	registry := make(map[string]adapter.Adapter, len(adapters))
	for scheme, a := range adapters {
		registry[strings.ToLower(scheme)] = a
	}

	return &Opener{
		logger:   logger.With("component", "fetch"),
		metrics:  cfg.Metrics,
		adapters: registry,
		resolver: proxy.NewResolver(env),
	}
}

// Open fetches rawURL and returns the final response as a stream. The caller
// must Close it. mode must be a read mode such as "r" or "rb:iso-8859-1";
// empty means "r".
func (op *Opener) Open(ctx context.Context, rawURL, mode string, opts options.Map) (*meta.Stream, error) {
	u, err := ParseLocator(rawURL)
	if err != nil {
		return nil, err
	}
	return op.OpenURL(ctx, u, mode, opts)
}

// OpenURL is Open for an already parsed locator.
func (op *Opener) OpenURL(ctx context.Context, u *url.URL, mode string, opts options.Map) (s *meta.Stream, err error) {
	if u == nil || !u.IsAbs() {
		return nil, errors.NewConfigurationError("locator must be an absolute URL")
	}

	start := time.Now()
	defer func() { op.record(u, start, s, err) }()

	m, err := options.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	o, err := options.Validate(opts)
	if err != nil {
		return nil, err
	}
	enc, err := options.Check(m, o)
	if err != nil {
		return nil, err
	}
	if _, ok := op.adapters[strings.ToLower(u.Scheme)]; !ok {
		return nil, errors.NewConfigurationErrorf("unsupported scheme: %s", u.Scheme)
	}

	return op.run(ctx, u, o, enc)
}

// OpenFunc opens rawURL, passes the stream to fn and closes it on every
// path, including a panic in fn. It returns fn's error, or the close error
// when fn succeeded.
func (op *Opener) OpenFunc(ctx context.Context, rawURL, mode string, opts options.Map, fn func(*meta.Stream) error) (err error) {
	s, err := op.Open(ctx, rawURL, mode, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return fn(s)
}

// ParseLocator parses an absolute locator.
func ParseLocator(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewConfigurationErrorf("invalid locator: %v", err)
	}
	if !u.IsAbs() {
		return nil, errors.NewConfigurationErrorf("locator must be an absolute URL: %s", rawURL)
	}
	return u, nil
}

// run is the hop loop. Every hop gets a fresh buffer; only the last
// completed one survives.
func (op *Opener) run(ctx context.Context, uri *url.URL, o *options.Options, enc encoding.Encoding) (*meta.Stream, error) {
	visited := make(map[string]struct{})

	for hop := 1; ; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewIOError("fetching "+uri.Redacted(), context.Cause(ctx))
		}

		p, err := op.resolver.Resolve(o, uri)
		if err != nil {
			return nil, err
		}
		a, ok := op.adapters[strings.ToLower(uri.Scheme)]
		if !ok {
			return nil, errors.NewConfigurationErrorf("unsupported scheme: %s", uri.Scheme)
		}

		buf := buffer.New()
		if op.metrics != nil {
			buf.OnSpill(op.metrics.BufferSpills.Inc)
		}

		op.logger.Debug("fetching",
			"hop", hop,
			"url", uri.Redacted(),
			"proxy", proxyLabel(p),
		)

		res := a.Fetch(ctx, &adapter.Request{URL: uri, Proxy: p, Options: o}, buf)
		op.observeHop(uri, res)

		switch res.Kind {
		case adapter.KindCompleted:
			s, err := buf.Finalize()
			if err != nil {
				buf.Close()
				return nil, err
			}
			s.SetBaseURL(uri)
			if enc != nil {
				s.SetEncoding(enc)
			}
			return s, nil

		case adapter.KindRedirected:
			next, err := op.follow(uri, res.Location, o, buf)
			buf.Close()
			if err != nil {
				return nil, err
			}

			// Credentials apply to the requested locator only.
			if o.HTTPBasicAuthentication != nil {
				o = o.Clone()
				o.HTTPBasicAuthentication = nil
			}

			key := next.String()
			if _, seen := visited[key]; seen {
				return nil, errors.NewRedirectLoopError(next.Redacted())
			}
			visited[key] = struct{}{}

			op.logger.Debug("following redirect",
				"from", uri.Redacted(),
				"to", next.Redacted(),
			)
			if op.metrics != nil {
				op.metrics.RedirectsTotal.WithLabelValues(
					metrics.NormalizeScheme(uri.Scheme),
					metrics.NormalizeScheme(next.Scheme),
				).Inc()
			}
			uri = next

		default:
			buf.Close()
			if res.Err == nil {
				return nil, errors.NewProtocolError("adapter failed without an error", nil)
			}
			if e, ok := errors.AsError(res.Err); ok && e.Partial != nil && e.Partial.BaseURL() == nil {
				e.Partial.SetBaseURL(uri)
			}
			return nil, res.Err
		}
	}
}

// follow resolves a redirect target and applies the redirect policy. When
// redirects are disabled the hop's response is handed to the error.
func (op *Opener) follow(from *url.URL, location string, o *options.Options, buf *buffer.Buffer) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, errors.NewProtocolError("invalid redirect location "+location, err)
	}
	to := from.ResolveReference(loc)

	if !o.Redirect {
		partial, err := buf.Finalize()
		if err != nil {
			return nil, err
		}
		partial.SetBaseURL(from)
		return nil, errors.NewRedirectDisabledError(from.Redacted(), to.String(), partial)
	}

	if !Redirectable(from, to) {
		return nil, errors.NewForbiddenRedirectError(from.Redacted(), to.Redacted())
	}
	return to, nil
}

// Redirectable reports whether a redirect from one locator to another is
// allowed: the scheme stays the same, or it goes from http or ftp to http,
// https or ftp.
func Redirectable(from, to *url.URL) bool {
	f, t := strings.ToLower(from.Scheme), strings.ToLower(to.Scheme)
	if f == t {
		return true
	}
	return (f == "http" || f == "ftp") && (t == "http" || t == "https" || t == "ftp")
}

func (op *Opener) observeHop(uri *url.URL, res adapter.Result) {
	if v := res.TLSVersion; v != 0 && tlsconfig.IsVersionDeprecated(v) {
		op.logger.Warn("deprecated TLS version negotiated",
			"url", uri.Redacted(),
			"version", tlsconfig.GetVersionName(v),
		)
	}
	if op.metrics == nil {
		return
	}
	op.metrics.HopsTotal.WithLabelValues(metrics.NormalizeScheme(uri.Scheme), res.Kind.String()).Inc()
	res.Metrics.Each(func(p timing.Phase, d time.Duration) {
		op.metrics.PhaseDuration.WithLabelValues(p.String()).Observe(d.Seconds())
	})
}

func (op *Opener) record(u *url.URL, start time.Time, s *meta.Stream, err error) {
	duration := time.Since(start)
	outcome := "completed"
	if err != nil {
		outcome = string(errors.GetErrorType(err))
		if outcome == "" {
			outcome = "error"
		}
	}

	op.logger.Debug("fetch finished",
		"url", u.Redacted(),
		"outcome", outcome,
		"duration", duration,
	)

	if op.metrics == nil {
		return
	}
	scheme := metrics.NormalizeScheme(u.Scheme)
	op.metrics.FetchesTotal.WithLabelValues(scheme, outcome).Inc()
	op.metrics.FetchDuration.WithLabelValues(scheme).Observe(duration.Seconds())
	if s != nil {
		op.metrics.BytesTotal.WithLabelValues(scheme).Add(float64(s.Size()))
	}
}

func proxyLabel(p *proxy.Proxy) string {
	if p == nil {
		return "direct"
	}
	return p.String()
}
