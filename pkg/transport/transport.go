// Package transport provides the low-level connection setup used by the
// HTTP and FTP adapters.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/WhileEndless/go-openuri/pkg/constants"
	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/timing"
)

// ProxyConfig describes the HTTP proxy a connection goes through.
type ProxyConfig struct {
	Scheme        string // http or https
	Host          string
	Port          int
	Authorization string // Proxy-Authorization value, if any

	// Tunnel issues CONNECT for the target so the caller talks to it
	// end-to-end. Without it the caller speaks to the proxy directly.
	Tunnel bool

	// TLSConfig is used for https proxies.
	TLSConfig *tls.Config
}

// Config holds transport configuration.
type Config struct {
	Scheme      string // http, https or ftp
	Host        string
	Port        int
	ConnectIP   string
	ConnTimeout time.Duration
	DNSTimeout  time.Duration
	ReadTimeout time.Duration

	// TLSConfig is used when Scheme is https.
	TLSConfig *tls.Config

	Proxy *ProxyConfig
}

// ConnInfo reports what Connect ended up doing.
type ConnInfo struct {
	RemoteAddr string
	TLSVersion uint16
	Proxied    bool
}

// Transport handles the network connection and TLS negotiation.
type Transport struct {
	resolver *net.Resolver
}

// New creates a new Transport instance.
func New() *Transport {
	return &Transport{
		resolver: net.DefaultResolver,
	}
}

// NewWithResolver creates a new Transport with a custom resolver.
func NewWithResolver(resolver *net.Resolver) *Transport {
	return &Transport{
		resolver: resolver,
	}
}

// Connect establishes a connection based on the configuration. Every Read on
// the returned connection is bounded by ReadTimeout, or by
// constants.DefaultReadTimeout when it is zero.
func (t *Transport) Connect(ctx context.Context, config Config, timer *timing.Timer) (net.Conn, ConnInfo, error) {
	var info ConnInfo
	if err := t.validateConfig(config); err != nil {
		return nil, info, err
	}

	// Setup timeouts
	connTimeout := config.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = constants.DefaultConnTimeout
	}

	host, port, connectIP := config.Host, config.Port, config.ConnectIP
	if config.Proxy != nil {
		host, port, connectIP = config.Proxy.Host, config.Proxy.Port, ""
		info.Proxied = true
	}

	// Resolve DNS if needed
	addrs, err := t.resolveAddress(ctx, host, port, connectIP, config, timer)
	if err != nil {
		return nil, info, err
	}

	// Establish TCP connection
	conn, err := t.connectTCP(ctx, addrs, connTimeout, timer)
	if err != nil {
		if errors.IsTimeoutError(err) {
			return nil, info, errors.NewTimeoutError(fmt.Sprintf("connect to %s:%d", host, port), connTimeout)
		}
		return nil, info, errors.NewConnectionError(host, port, err)
	}
	info.RemoteAddr = conn.RemoteAddr().String()

	if p := config.Proxy; p != nil {
		if strings.EqualFold(p.Scheme, "https") {
			conn, err = t.upgradeTLS(ctx, conn, p.TLSConfig, connTimeout, timer)
			if err != nil {
				return nil, info, errors.NewTLSError(p.Host, p.Port, err)
			}
		}
		if p.Tunnel {
			tunneled, err := t.tunnel(conn, config, connTimeout)
			if err != nil {
				conn.Close()
				return nil, info, err
			}
			conn = tunneled
		}
	}

	// Upgrade to TLS if needed
	if strings.EqualFold(config.Scheme, "https") && (config.Proxy == nil || config.Proxy.Tunnel) {
		conn, err = t.upgradeTLS(ctx, conn, config.TLSConfig, connTimeout, timer)
		if err != nil {
			return nil, info, errors.NewTLSError(config.Host, config.Port, err)
		}
		if tc, ok := conn.(*tls.Conn); ok {
			info.TLSVersion = tc.ConnectionState().Version
		}
	}

	readTimeout := config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = constants.DefaultReadTimeout
	}
	return &timeoutConn{Conn: conn, timeout: readTimeout}, info, nil
}

func (t *Transport) validateConfig(config Config) error {
	if config.Host == "" {
		return errors.NewConfigurationError("host cannot be empty")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return errors.NewConfigurationError("port must be between 1 and 65535")
	}
	switch strings.ToLower(config.Scheme) {
	case "http", "https", "ftp":
	default:
		return errors.NewConfigurationError("scheme must be http, https or ftp")
	}
	if p := config.Proxy; p != nil {
		if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
			return errors.NewConfigurationError("proxy host and port must be set")
		}
	}
	return nil
}

func (t *Transport) resolveAddress(ctx context.Context, host string, port int, connectIP string, config Config, timer *timing.Timer) ([]string, error) {
	// If ConnectIP is specified, use it directly
	if connectIP != "" {
		return []string{net.JoinHostPort(connectIP, strconv.Itoa(port))}, nil
	}

	// Perform DNS resolution with separate timeout
	defer timer.Track(timing.PhaseDNS)()

	dnsTimeout := config.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = config.ConnTimeout // Fallback to connection timeout
	}
	if dnsTimeout <= 0 {
		dnsTimeout = constants.DefaultDNSTimeout
	}

	ctxLookup, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := t.resolver.LookupIPAddr(ctxLookup, host)
	if err != nil {
		return nil, errors.NewDNSError(host, err)
	}

	if len(ips) == 0 {
		return nil, errors.NewDNSError(host, fmt.Errorf("no IP addresses found"))
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.IP.String(), strconv.Itoa(port)))
	}
	return addrs, nil
}

// connectTCP tries each resolved address in order.
func (t *Transport) connectTCP(ctx context.Context, addrs []string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	defer timer.Track(timing.PhaseTCP)()

	dialer := &net.Dialer{Timeout: timeout}
	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (t *Transport) upgradeTLS(ctx context.Context, conn net.Conn, tlsConfig *tls.Config, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	defer timer.Track(timing.PhaseTLS)()

	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create a context with TLS-specific timeout
	tlsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		conn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// tunnel asks the proxy on conn to CONNECT to the configured target. The
// returned connection replays bytes the proxy sent after its reply.
func (t *Transport) tunnel(conn net.Conn, config Config, timeout time.Duration) (net.Conn, error) {
	target := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if config.Proxy.Authorization != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", config.Proxy.Authorization)
	}
	req.WriteString("\r\n")

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.NewIOError("setting tunnel deadline", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, errors.NewIOError("writing CONNECT request", err)
	}

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, errors.NewProtocolError("reading CONNECT response", err)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return nil, errors.NewProtocolError("reading CONNECT response headers", err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid CONNECT response %q", line), nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code/100 != 2 {
		return nil, errors.NewProtocolError(fmt.Sprintf("proxy refused CONNECT to %s: %s", target, line), nil)
	}
	if br.Buffered() == 0 {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// bufferedConn drains data read ahead while parsing the CONNECT reply before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}

// timeoutConn bounds every Read by a fresh deadline.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, errors.NewIOError("setting read deadline", err)
	}
	n, err := c.Conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, errors.NewTimeoutError("read", c.timeout)
		}
	}
	return n, err
}
