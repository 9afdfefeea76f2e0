// Package ftp provides the FTP adapter: anonymous or authenticated RFC 959
// retrieval in passive mode.
package ftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-openuri/pkg/adapter"
	"github.com/WhileEndless/go-openuri/pkg/buffer"
	"github.com/WhileEndless/go-openuri/pkg/constants"
	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/options"
	"github.com/WhileEndless/go-openuri/pkg/timing"
	"github.com/WhileEndless/go-openuri/pkg/transport"
)

const quitTimeout = 2 * time.Second

// Client implements the FTP adapter.
type Client struct {
	transport *transport.Transport
}

// New returns a new Client instance.
func New() *Client {
	return &Client{transport: transport.New()}
}

// NewWithTransport creates a Client with a custom transport.
func NewWithTransport(t *transport.Transport) *Client {
	return &Client{transport: t}
}

var _ adapter.Adapter = (*Client)(nil)

// Fetch retrieves the file named by req.URL into buf.
func (c *Client) Fetch(ctx context.Context, req *adapter.Request, buf *buffer.Buffer) adapter.Result {
	u := req.URL
	o := req.Options
	if o == nil {
		o = &options.Options{Redirect: true}
	}
	if o.FTPActiveMode {
		return adapter.Failed(errors.NewConfigurationError("ftp active mode is not supported"))
	}

	path, err := ParsePath(u)
	if err != nil {
		return adapter.Failed(err)
	}
	user, password, err := Credentials(u, constants.AnonymousUser, constants.AnonymousPassword)
	if err != nil {
		return adapter.Failed(err)
	}

	host := u.Hostname()
	if host == "" {
		return adapter.Failed(errors.NewConfigurationErrorf("missing host in %s", u.Redacted()))
	}
	port := constants.DefaultFTPPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return adapter.Failed(errors.NewConfigurationErrorf("invalid port %q", p))
		}
	}

	timer := timing.NewTimer()
	cfg := transport.Config{
		Scheme:      "ftp",
		Host:        host,
		Port:        port,
		ConnTimeout: o.OpenTimeout,
		ReadTimeout: o.ReadTimeout,
	}
	conn, _, err := c.transport.Connect(ctx, cfg, timer)
	if err != nil {
		return withMetrics(adapter.Failed(err), timer)
	}

	s := &session{
		c:     c,
		ctx:   ctx,
		cfg:   cfg,
		conn:  conn,
		text:  textproto.NewConn(conn),
		timer: timer,
	}
	defer s.close()

	stop := context.AfterFunc(ctx, func() { s.abort() })
	defer stop()

	res := s.run(path, user, password, o, buf)
	if res.Kind == adapter.KindFailed {
		if ctx.Err() != nil && errors.IsTransportError(res.Err) {
			res.Err = errors.NewIOError("fetching "+u.Redacted(), context.Cause(ctx))
		}
		if e, ok := errors.AsError(res.Err); ok && e.URL == "" {
			e.URL = u.Redacted()
		}
	}
	return withMetrics(res, timer)
}

func withMetrics(r adapter.Result, timer *timing.Timer) adapter.Result {
	r.Metrics = timer.GetMetrics()
	return r
}

// session is one control connection.
type session struct {
	c     *Client
	ctx   context.Context
	cfg   transport.Config
	conn  net.Conn
	text  *textproto.Conn
	timer *timing.Timer

	mu   sync.Mutex
	data net.Conn
}

func (s *session) run(path Path, user, password string, o *options.Options, buf *buffer.Buffer) adapter.Result {
	md := buf.Meta()

	if _, _, err := s.text.ReadResponse(2); err != nil {
		return s.fail(buf, "reading greeting", err)
	}

	if err := s.login(user, password); err != nil {
		return s.fail(buf, "login", err)
	}

	for _, dir := range path.Dirs {
		if _, _, err := s.cmd(2, "CWD %s", dir); err != nil {
			return s.fail(buf, "CWD "+dir, err)
		}
	}

	typ := "I"
	if path.TypeCode == 'a' || path.TypeCode == 'd' {
		typ = "A"
	}
	if _, _, err := s.cmd(2, "TYPE %s", typ); err != nil {
		return s.fail(buf, "TYPE "+typ, err)
	}

	if o.ContentLengthProc != nil {
		o.ContentLengthProc(s.size(path))
	}

	if err := s.passive(); err != nil {
		return s.fail(buf, "entering passive mode", err)
	}

	verb := "RETR " + path.File
	if path.TypeCode == 'd' {
		verb = strings.TrimSpace("NLST " + path.File)
	}

	s.timer.Start(timing.PhaseTTFB)
	_, _, err := s.cmd(1, "%s", verb)
	s.timer.End(timing.PhaseTTFB)
	if err != nil {
		return s.fail(buf, verb, err)
	}

	body := io.Writer(buf)
	if o.ProgressProc != nil {
		body = &progressWriter{buf: buf, fn: o.ProgressProc}
	}
	data := s.dataConn()
	if data == nil {
		return adapter.Failed(errors.NewIOError(verb, net.ErrClosed))
	}
	err = copyChunks(body, data)
	data.Close()
	if err != nil {
		return adapter.Failed(err)
	}

	code, msg, err := s.text.ReadResponse(2)
	if err != nil {
		return s.fail(buf, verb, err)
	}
	md.SetStatus(code, msg)
	return adapter.Completed()
}

func (s *session) login(user, password string) error {
	code, _, err := s.cmd(0, "USER %s", user)
	if err != nil {
		return err
	}
	switch code / 100 {
	case 2:
		return nil
	case 3:
		_, _, err = s.cmd(2, "PASS %s", password)
		return err
	}
	return &textproto.Error{Code: code, Msg: "USER rejected"}
}

// size asks for the transfer size; -1 when the server does not tell.
func (s *session) size(path Path) int64 {
	if path.TypeCode == 'd' {
		return -1
	}
	_, msg, err := s.cmd(213, "SIZE %s", path.File)
	if err != nil {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// passive opens the data connection, trying EPSV before PASV. The data
// connection always goes to the control connection's peer address.
func (s *session) passive() error {
	port, err := s.epsv()
	if err != nil {
		if _, ok := err.(*textproto.Error); !ok {
			return err
		}
		if port, err = s.pasv(); err != nil {
			return err
		}
	}

	ip, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return errors.NewIOError("reading peer address", err)
	}
	cfg := s.cfg
	cfg.Port = port
	cfg.ConnectIP = ip
	data, _, err := s.c.transport.Connect(s.ctx, cfg, timing.NewTimer())
	if err != nil {
		return err
	}
	s.setData(data)
	return nil
}

func (s *session) epsv() (int, error) {
	_, msg, err := s.cmd(229, "EPSV")
	if err != nil {
		return 0, err
	}
	return parseEPSV(msg)
}

func (s *session) pasv() (int, error) {
	_, msg, err := s.cmd(227, "PASV")
	if err != nil {
		return 0, err
	}
	return parsePASV(msg)
}

// parseEPSV extracts the port from "Entering Extended Passive Mode (|||6446|)".
func parseEPSV(msg string) (int, error) {
	start := strings.Index(msg, "(")
	end := strings.LastIndex(msg, ")")
	if start < 0 || end < start+5 {
		return 0, errors.NewProtocolError(fmt.Sprintf("invalid EPSV reply %q", msg), nil)
	}
	inner := msg[start+1 : end]
	d := inner[0]
	parts := strings.Split(inner, string(d))
	if len(parts) != 5 {
		return 0, errors.NewProtocolError(fmt.Sprintf("invalid EPSV reply %q", msg), nil)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port < 1 || port > 65535 {
		return 0, errors.NewProtocolError(fmt.Sprintf("invalid EPSV port in %q", msg), err)
	}
	return port, nil
}

// parsePASV extracts the port from "Entering Passive Mode (h1,h2,h3,h4,p1,p2)".
// The advertised host is ignored.
func parsePASV(msg string) (int, error) {
	inner := msg
	if start, end := strings.Index(msg, "("), strings.LastIndex(msg, ")"); start >= 0 && end > start {
		inner = msg[start+1 : end]
	} else if i := strings.LastIndex(msg, " "); i >= 0 {
		// Some servers omit the parentheses.
		inner = msg[i+1:]
	}
	fields := strings.Split(inner, ",")
	if len(fields) != 6 {
		return 0, errors.NewProtocolError(fmt.Sprintf("invalid PASV reply %q", msg), nil)
	}
	hi, err1 := strconv.Atoi(strings.TrimSpace(fields[4]))
	lo, err2 := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err1 != nil || err2 != nil || hi < 0 || hi > 255 || lo < 0 || lo > 255 || hi|lo == 0 {
		return 0, errors.NewProtocolError(fmt.Sprintf("invalid PASV port in %q", msg), nil)
	}
	return hi<<8 | lo, nil
}

func (s *session) cmd(expect int, format string, args ...any) (int, string, error) {
	id, err := s.text.Cmd(format, args...)
	if err != nil {
		return 0, "", errors.NewIOError("writing FTP command", err)
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	return s.text.ReadResponse(expect)
}

// fail maps a control connection error. Negative replies become protocol
// errors carrying what was received so far.
func (s *session) fail(buf *buffer.Buffer, op string, err error) adapter.Result {
	te, ok := err.(*textproto.Error)
	if !ok {
		if _, ok := errors.AsError(err); ok {
			return adapter.Failed(err)
		}
		return adapter.Failed(errors.NewIOError(op, err))
	}

	buf.Meta().SetStatus(te.Code, te.Msg)
	stream, ferr := buf.Finalize()
	if ferr != nil {
		return adapter.Failed(ferr)
	}
	pe := errors.NewProtocolError(fmt.Sprintf("%s: %d %s", op, te.Code, te.Msg), te)
	return adapter.Failed(pe.WithPartial(stream))
}

// abort unblocks pending reads when the context ends.
func (s *session) abort() {
	s.conn.Close()
	if data := s.dataConn(); data != nil {
		data.Close()
	}
}

func (s *session) setData(c net.Conn) {
	s.mu.Lock()
	s.data = c
	s.mu.Unlock()
}

func (s *session) dataConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *session) close() {
	if data := s.dataConn(); data != nil {
		data.Close()
	}
	if s.ctx.Err() == nil {
		s.conn.SetDeadline(time.Now().Add(quitTimeout))
		s.cmd(0, "QUIT") // Best effort
	}
	s.text.Close()
}

// copyChunks moves the data connection into dst in constants.FTPChunkSize
// pieces until EOF.
func copyChunks(dst io.Writer, src io.Reader) error {
	chunk := make([]byte, constants.FTPChunkSize)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if _, ok := errors.AsError(err); ok {
				return err
			}
			return errors.NewIOError("reading data connection", err)
		}
	}
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
