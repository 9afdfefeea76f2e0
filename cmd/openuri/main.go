package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	openuri "github.com/WhileEndless/go-openuri"
	"github.com/WhileEndless/go-openuri/internal/config"
	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/meta"
	"github.com/WhileEndless/go-openuri/pkg/metrics"
	"github.com/WhileEndless/go-openuri/pkg/options"
)

// Set by goreleaser ldflags.
var (
	version = openuri.Version
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	config.CLI `kong:"embed"`

	Get     getCmd           `kong:"cmd,help='Fetch a locator and write its body.'"`
	Version kong.VersionFlag `kong:"short='V',help='Print version and exit.'"`
}

type getCmd struct {
	URL      string `kong:"arg,help='Locator to fetch (http, https or ftp).'"`
	Output   string `kong:"short='o',help='Write the body to this file instead of stdout.'"`
	Binary   bool   `kong:"short='b',help='Write the body bytes without charset conversion.'"`
	Meta     bool   `kong:"short='m',help='Print response metadata to stderr.'"`
	Progress bool   `kong:"short='p',help='Show download progress on stderr.'"`
	Metrics  string `kong:"help='Write Prometheus metrics of the run to this file.'"`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("openuri"),
		kong.Description("Fetch http, https and ftp locators."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c.CLI))
}

func (g *getCmd) Run(globals *config.CLI) error {
	cfg, err := config.Load(globals)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if p := cfg.Path(); p != "" {
		logger.Debug("config loaded", "path", p)
	}

	var m *metrics.Metrics
	if g.Metrics != "" {
		m = metrics.New()
		defer func() {
			if err := prometheus.WriteToTextfile(g.Metrics, m.Registry); err != nil {
				logger.Error("writing metrics", "path", g.Metrics, "err", err)
			}
		}()
	}

	opts := cfg.Options()
	var bar *progress
	if g.Progress {
		bar = newProgress(os.Stderr)
		opts[options.KeyContentLengthProc] = bar.setTotal
		opts[options.KeyProgressProc] = bar.update
	}

	mode := "r"
	if g.Binary {
		mode = "rb"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opener := openuri.NewOpener(openuri.Config{Logger: logger, Metrics: m})
	err = opener.OpenFunc(ctx, g.URL, mode, opts, func(s *meta.Stream) error {
		if bar != nil {
			bar.finish()
		}
		if g.Meta {
			printMeta(os.Stderr, s.Metadata)
		}
		return g.write(s, mode)
	})
	if err != nil {
		if bar != nil {
			bar.finish()
		}
		if e, ok := errors.AsError(err); ok {
			if e.Partial != nil && g.Meta {
				printMeta(os.Stderr, e.Partial.Metadata)
			}
			e.Close()
		}
		logger.Debug("fetch failed", "url", g.URL, "type", errors.GetErrorType(err), "err", err)
		return err
	}
	return nil
}

func (g *getCmd) write(s *meta.Stream, mode string) error {
	var r io.Reader = s
	if mode == "r" {
		r = s.TextReader()
	}

	w := io.Writer(os.Stdout)
	if g.Output != "" {
		f, err := os.Create(g.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// Stdout carries the body.
	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

func printMeta(w io.Writer, md *meta.Metadata) {
	fmt.Fprintf(w, "status: %s\n", md.Status())
	if u := md.BaseURL(); u != nil {
		fmt.Fprintf(w, "base-uri: %s\n", u.Redacted())
	}
	if ct := md.ContentType(); ct != "" {
		fmt.Fprintf(w, "content-type: %s\n", ct)
	}
	if cs := md.Charset(nil); cs != "" {
		fmt.Fprintf(w, "charset: %s\n", cs)
	}
	if ce := md.ContentEncoding(); len(ce) > 0 {
		fmt.Fprintf(w, "content-encoding: %s\n", strings.Join(ce, ", "))
	}
	if lm, ok := md.LastModified(); ok {
		fmt.Fprintf(w, "last-modified: %s\n", lm.UTC().Format(http.TimeFormat))
	}

	headers := md.Headers()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range headers[name] {
			fmt.Fprintf(w, "  %s: %s\n", name, v)
		}
	}
}

// progress draws a single status line, redrawn at most every 200ms.
type progress struct {
	w       io.Writer
	total   int64
	current int64
	limit   rate.Sometimes
	drawn   bool
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w, total: -1, limit: rate.Sometimes{Interval: 200 * time.Millisecond}}
}

func (p *progress) setTotal(n int64) {
	p.total = n
}

func (p *progress) update(n int64) {
	p.current = n
	p.limit.Do(p.draw)
}

func (p *progress) draw() {
	p.drawn = true
	if p.total > 0 {
		fmt.Fprintf(p.w, "\r%s / %s (%d%%)", formatBytes(p.current), formatBytes(p.total), p.current*100/p.total)
		return
	}
	fmt.Fprintf(p.w, "\r%s", formatBytes(p.current))
}

func (p *progress) finish() {
	if !p.drawn {
		return
	}
	p.draw()
	fmt.Fprintln(p.w)
	p.drawn = false
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
