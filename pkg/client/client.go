// Package client provides the HTTP/1.1 adapter. It also serves FTP locators
// when they go through an HTTP proxy.
package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-openuri/pkg/adapter"
	"github.com/WhileEndless/go-openuri/pkg/buffer"
	"github.com/WhileEndless/go-openuri/pkg/constants"
	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/options"
	"github.com/WhileEndless/go-openuri/pkg/timing"
	"github.com/WhileEndless/go-openuri/pkg/tlsconfig"
	"github.com/WhileEndless/go-openuri/pkg/transport"
)

// Client implements the HTTP adapter over raw sockets.
type Client struct {
	transport *transport.Transport
}

// New returns a new Client instance.
func New() *Client {
	return &Client{
		transport: transport.New(),
	}
}

// NewWithTransport creates a Client with a custom transport.
func NewWithTransport(t *transport.Transport) *Client {
	return &Client{
		transport: t,
	}
}

var _ adapter.Adapter = (*Client)(nil)

// Fetch performs one GET request and classifies the response.
func (c *Client) Fetch(ctx context.Context, req *adapter.Request, buf *buffer.Buffer) adapter.Result {
	if c.transport == nil {
		return adapter.Failed(errors.NewConfigurationError("client transport is nil"))
	}

	u := req.URL
	o := req.Options
	if o == nil {
		o = &options.Options{Redirect: true}
	}
	scheme := strings.ToLower(u.Scheme)

	if u.User != nil {
		return adapter.Failed(errors.NewConfigurationError("userinfo not supported. [RFC3986]"))
	}
	host := u.Hostname()
	if host == "" {
		return adapter.Failed(errors.NewConfigurationErrorf("missing host in %s", u.Redacted()))
	}
	port, err := portOf(u, scheme)
	if err != nil {
		return adapter.Failed(err)
	}

	// Create timer for performance measurement
	timer := timing.NewTimer()

	cfg := transport.Config{
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		ConnTimeout: o.OpenTimeout,
		ReadTimeout: o.ReadTimeout,
	}
	if scheme == "https" {
		if cfg.TLSConfig, err = tlsconfig.Build(o.TLS(), host); err != nil {
			return adapter.Failed(err)
		}
	}

	tunnel := false
	if p := req.Proxy; p != nil {
		phost, pport := p.HostPort()
		tunnel = scheme == "https"
		cfg.Proxy = &transport.ProxyConfig{
			Scheme:        p.URL.Scheme,
			Host:          phost,
			Port:          pport,
			Authorization: p.Authorization(),
			Tunnel:        tunnel,
		}
		if strings.EqualFold(p.URL.Scheme, "https") {
			if cfg.Proxy.TLSConfig, err = tlsconfig.Build(o.TLS(), phost); err != nil {
				return adapter.Failed(err)
			}
		}
	}

	// Establish connection
	conn, info, err := c.transport.Connect(ctx, cfg, timer)
	if err != nil {
		return c.failed(ctx, err, timer)
	}
	defer conn.Close()

	// Unblock reads and writes when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reqBytes := buildRequest(u, o, req.Proxy != nil && !tunnel, cfg.Proxy)
	if err := c.sendRequest(conn, reqBytes); err != nil {
		return c.failed(ctx, err, timer)
	}

	result := c.readResponse(conn, buf, o, timer)
	if result.Kind == adapter.KindFailed {
		if e, ok := errors.AsError(result.Err); ok && e.URL == "" {
			e.URL = u.Redacted()
		}
		if ctx.Err() != nil && result.Err != nil && errors.IsTransportError(result.Err) {
			result.Err = errors.NewIOError("fetching "+u.Redacted(), context.Cause(ctx))
		}
	}
	result.Metrics = timer.GetMetrics()
	result.TLSVersion = info.TLSVersion
	return result
}

func (c *Client) failed(ctx context.Context, err error, timer *timing.Timer) adapter.Result {
	if ctx.Err() != nil && !errors.IsContextCanceled(err) && !errors.IsContextTimeout(err) {
		err = errors.NewIOError("connecting", context.Cause(ctx))
	}
	r := adapter.Failed(err)
	r.Metrics = timer.GetMetrics()
	return r
}

func portOf(u *url.URL, scheme string) (int, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return 0, errors.NewConfigurationErrorf("invalid port %q", p)
		}
		return port, nil
	}
	switch scheme {
	case "https":
		return constants.DefaultHTTPSPort, nil
	case "ftp":
		return constants.DefaultFTPPort, nil
	default:
		return constants.DefaultHTTPPort, nil
	}
}

// buildRequest renders the GET request. absolute selects the absolute-form
// request target used when talking to a proxy directly.
func buildRequest(u *url.URL, o *options.Options, absolute bool, p *transport.ProxyConfig) []byte {
	target := u.RequestURI()
	if absolute {
		t := *u
		t.User = nil
		t.Fragment = ""
		t.RawFragment = ""
		if t.Path == "" && t.RawPath == "" {
			t.Path = "/"
		}
		target = t.String()
	}

	extra := make(map[string]bool, len(o.Header))
	for name := range o.Header {
		extra[textproto.CanonicalMIMEHeaderKey(name)] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	if !extra["Host"] {
		fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	}
	if !extra["User-Agent"] {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", constants.UserAgent)
	}
	if !extra["Accept"] {
		b.WriteString("Accept: */*\r\n")
	}
	b.WriteString("Connection: close\r\n")
	for _, name := range o.HeaderNames() {
		fmt.Fprintf(&b, "%s: %s\r\n", name, o.Header[name])
	}
	if cred := o.HTTPBasicAuthentication; cred != nil && !extra["Authorization"] {
		fmt.Fprintf(&b, "Authorization: %s\r\n", basicAuth(cred.User, cred.Password))
	}
	if absolute && p != nil && p.Authorization != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", p.Authorization)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (c *Client) sendRequest(conn net.Conn, req []byte) error {
	// Handle partial writes by writing all data
	written := 0
	for written < len(req) {
		n, err := conn.Write(req[written:])
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		written += n
	}

	return nil
}

func (c *Client) readResponse(conn net.Conn, buf *buffer.Buffer, o *options.Options, timer *timing.Timer) adapter.Result {
	reader := bufio.NewReader(conn)
	md := buf.Meta()

	var (
		code    int
		message string
		headers map[string][]string
	)
	// Skip interim 1xx responses.
	for first := true; ; first = false {
		if first {
			timer.Start(timing.PhaseTTFB)
		}
		statusLine, err := c.readLine(reader)
		if first {
			timer.End(timing.PhaseTTFB)
		}
		if err != nil {
			return adapter.Failed(wrapIO("reading status line", err))
		}

		code, message, err = c.parseStatusLine(statusLine)
		if err != nil {
			return adapter.Failed(err)
		}

		headers, err = c.readHeaders(reader)
		if err != nil {
			return adapter.Failed(err)
		}
		if code >= 200 || code == 101 {
			break
		}
	}

	md.SetStatus(code, message)
	for name, values := range headers {
		md.AddHeader(name, values...)
	}

	switch {
	case code >= 200 && code < 300:
		body := io.Writer(buf)
		if o.ProgressProc != nil {
			body = &progressWriter{buf: buf, fn: o.ProgressProc}
		}
		if o.ContentLengthProc != nil {
			o.ContentLengthProc(contentLength(headers))
		}
		if err := c.readBody(reader, code, headers, body, md.AddHeader); err != nil {
			return adapter.Failed(err)
		}
		return adapter.Completed()

	case isRedirect(code):
		locations := md.HeaderValues("location")
		switch {
		case len(locations) == 0 || locations[0] == "":
			return partialFailure(buf, errors.NewProtocolError(
				fmt.Sprintf("redirect %d without Location header", code), nil))
		case len(locations) > 1:
			return partialFailure(buf, errors.NewProtocolError(
				fmt.Sprintf("redirect %d with %d Location headers", code, len(locations)), nil))
		}
		location := locations[0]
		if _, err := url.Parse(location); err != nil {
			return partialFailure(buf, errors.NewProtocolError(
				fmt.Sprintf("invalid Location header %q", location), err))
		}
		return adapter.Redirect(location)

	default:
		if err := c.readBody(reader, code, headers, buf, md.AddHeader); err != nil {
			return adapter.Failed(err)
		}
		return partialFailure(buf, errors.NewProtocolError(md.Status().String(), nil))
	}
}

// partialFailure hands the hop's content to e as its partial response.
func partialFailure(buf *buffer.Buffer, e *errors.Error) adapter.Result {
	s, err := buf.Finalize()
	if err != nil {
		return adapter.Failed(err)
	}
	return adapter.Failed(e.WithPartial(s))
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func contentLength(headers map[string][]string) int64 {
	if v := headers["content-length"]; len(v) > 0 {
		if n, err := strconv.ParseInt(strings.TrimSpace(v[0]), 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return -1
}

// progressWriter reports the cumulative size after each write.
type progressWriter struct {
	buf *buffer.Buffer
	fn  func(int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 {
		w.fn(w.buf.Size())
	}
	return n, err
}

// wrapIO keeps structured errors (timeouts in particular) intact.
func wrapIO(op string, err error) error {
	if _, ok := errors.AsError(err); ok {
		return err
	}
	return errors.NewIOError(op, err)
}

func basicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}
