// Package config loads the CLI configuration file and turns it into fetch
// options.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/WhileEndless/go-openuri/pkg/options"
	"github.com/WhileEndless/go-openuri/pkg/tlsconfig"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	".openuri.toml",
	".openuri.yaml",
	"/etc/openuri/config.toml",
}

// CLI holds the global command-line flags parsed by Kong.
type CLI struct {
	Config      string        `kong:"short='c',help='Path to a TOML or YAML config file.',env='OPENURI_CONFIG'"`
	Proxy       string        `kong:"short='x',help='Proxy URL, or none to ignore the environment.'"`
	ProxyUser   string        `kong:"help='Proxy credentials as user:password.'"`
	NoRedirect  bool          `kong:"help='Fail instead of following redirects.'"`
	Header      []string      `kong:"short='H',sep='none',help='Extra request header as Name: value. Repeatable.'"`
	User        string        `kong:"short='u',help='Basic authentication as user:password.'"`
	OpenTimeout time.Duration `kong:"help='Connect timeout.'"`
	ReadTimeout time.Duration `kong:"help='Read timeout.'"`
	CACert      []string      `kong:"name='ca-cert',sep='none',help='CA certificate file or directory. Repeatable.'"`
	Insecure    bool          `kong:"short='k',help='Skip TLS certificate verification.'"`
	FTPActive   bool          `kong:"name='ftp-active',help='Request active mode FTP.'"`
	Encoding    string        `kong:"help='Override the response charset.'"`
	LogLevel    string        `kong:"help='Log level: debug|info|warn|error (overrides config).',env='OPENURI_LOG_LEVEL'"`
	LogFormat   string        `kong:"help='Log format: json|text (overrides config).',env='OPENURI_LOG_FORMAT'"`
}

// Config is the top-level CLI configuration.
type Config struct {
	Fetch FetchConfig `toml:"fetch" yaml:"fetch"`
	Proxy ProxyConfig `toml:"proxy" yaml:"proxy"`
	Auth  AuthConfig  `toml:"auth" yaml:"auth"`
	TLS   TLSConfig   `toml:"tls" yaml:"tls"`
	Log   LogConfig   `toml:"log" yaml:"log"`

	filePath string // resolved config file path (unexported)
}

// FetchConfig holds per-request settings.
type FetchConfig struct {
	Redirect      *bool             `toml:"redirect" yaml:"redirect"` // nil means follow
	OpenTimeout   Duration          `toml:"open_timeout" yaml:"open_timeout"`
	ReadTimeout   Duration          `toml:"read_timeout" yaml:"read_timeout"`
	Encoding      string            `toml:"encoding" yaml:"encoding"`
	FTPActiveMode bool              `toml:"ftp_active_mode" yaml:"ftp_active_mode"`
	Headers       map[string]string `toml:"headers" yaml:"headers"`
}

// ProxyConfig selects the proxy. An empty URL uses the environment; "none"
// disables proxying.
type ProxyConfig struct {
	URL      string `toml:"url" yaml:"url"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
}

// AuthConfig holds HTTP basic authentication credentials.
type AuthConfig struct {
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
}

// TLSConfig holds certificate verification settings.
type TLSConfig struct {
	CACert     []string `toml:"ca_cert" yaml:"ca_cert"`
	Verify     string   `toml:"verify" yaml:"verify"` // peer|none
	MinVersion string   `toml:"min_version" yaml:"min_version"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load reads the config file, if any, and applies CLI overrides. Without an
// explicit path (via --config or OPENURI_CONFIG) it searches
// .openuri.toml, .openuri.yaml and /etc/openuri/config.toml. Finding none is
// not an error.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// decode picks the format from the file extension. Anything that is not
// .yaml or .yml is read as TOML.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Proxy != "" {
		c.Proxy.URL = cli.Proxy
	}
	if cli.ProxyUser != "" {
		user, pass, ok := strings.Cut(cli.ProxyUser, ":")
		if !ok {
			return fmt.Errorf("--proxy-user must be user:password")
		}
		c.Proxy.User, c.Proxy.Password = user, pass
	}
	if cli.NoRedirect {
		off := false
		c.Fetch.Redirect = &off
	}
	for _, h := range cli.Header {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("--header %q must be \"Name: value\"", h)
		}
		if c.Fetch.Headers == nil {
			c.Fetch.Headers = make(map[string]string)
		}
		c.Fetch.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if cli.User != "" {
		user, pass, ok := strings.Cut(cli.User, ":")
		if !ok {
			return fmt.Errorf("--user must be user:password")
		}
		c.Auth.User, c.Auth.Password = user, pass
	}
	if cli.OpenTimeout != 0 {
		c.Fetch.OpenTimeout = Duration(cli.OpenTimeout)
	}
	if cli.ReadTimeout != 0 {
		c.Fetch.ReadTimeout = Duration(cli.ReadTimeout)
	}
	if len(cli.CACert) > 0 {
		c.TLS.CACert = cli.CACert
	}
	if cli.Insecure {
		c.TLS.Verify = "none"
	}
	if cli.FTPActive {
		c.Fetch.FTPActiveMode = true
	}
	if cli.Encoding != "" {
		c.Fetch.Encoding = cli.Encoding
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
	return nil
}

func (c *Config) validate() error {
	if c.Fetch.OpenTimeout < 0 {
		return fmt.Errorf("fetch.open_timeout must be non-negative; got %s", time.Duration(c.Fetch.OpenTimeout))
	}
	if c.Fetch.ReadTimeout < 0 {
		return fmt.Errorf("fetch.read_timeout must be non-negative; got %s", time.Duration(c.Fetch.ReadTimeout))
	}

	if p := c.Proxy.URL; p != "" && !c.proxyDisabled() {
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("proxy.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("proxy.url must use http or https; got %q", p)
		}
	}
	if c.Proxy.User != "" && (c.Proxy.URL == "" || c.proxyDisabled()) {
		return fmt.Errorf("proxy.user requires proxy.url")
	}

	switch strings.ToLower(c.TLS.Verify) {
	case "peer", "none", "":
		// valid
	default:
		return fmt.Errorf("tls.verify must be one of: peer, none; got %q", c.TLS.Verify)
	}
	if c.TLS.MinVersion != "" {
		if _, err := tlsconfig.ParseVersion(c.TLS.MinVersion); err != nil {
			return fmt.Errorf("tls.min_version: %w", err)
		}
	}

	if c.Fetch.Encoding != "" {
		if _, err := options.LookupEncoding(c.Fetch.Encoding); err != nil {
			return fmt.Errorf("fetch.encoding: %w", err)
		}
	}

	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults. Timeouts stay zero,
// which leaves the library defaults in place.
func (c *Config) setDefaults() {
	if c.TLS.Verify == "" {
		c.TLS.Verify = "peer"
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) proxyDisabled() bool {
	switch strings.ToLower(c.Proxy.URL) {
	case "none", "off", "false":
		return true
	}
	return false
}

// Options converts the configuration into fetch options.
func (c *Config) Options() options.Map {
	opts := options.Map{}

	switch {
	case c.proxyDisabled():
		opts[options.KeyProxy] = options.NoProxy
	case c.Proxy.User != "":
		opts[options.KeyProxyHTTPBasicAuthentication] = []string{c.Proxy.URL, c.Proxy.User, c.Proxy.Password}
	case c.Proxy.URL != "":
		opts[options.KeyProxy] = c.Proxy.URL
	}

	if c.Fetch.Redirect != nil {
		opts[options.KeyRedirect] = *c.Fetch.Redirect
	}
	if c.Fetch.OpenTimeout > 0 {
		opts[options.KeyOpenTimeout] = time.Duration(c.Fetch.OpenTimeout)
	}
	if c.Fetch.ReadTimeout > 0 {
		opts[options.KeyReadTimeout] = time.Duration(c.Fetch.ReadTimeout)
	}
	if c.Fetch.Encoding != "" {
		opts[options.KeyEncoding] = c.Fetch.Encoding
	}
	if c.Fetch.FTPActiveMode {
		opts[options.KeyFTPActiveMode] = true
	}
	for name, value := range c.Fetch.Headers {
		opts[name] = value
	}

	if c.Auth.User != "" {
		opts[options.KeyHTTPBasicAuthentication] = options.Credentials{User: c.Auth.User, Password: c.Auth.Password}
	}

	if len(c.TLS.CACert) > 0 {
		opts[options.KeySSLCACert] = append([]string(nil), c.TLS.CACert...)
	}
	if c.TLS.Verify != "" {
		opts[options.KeySSLVerifyMode] = strings.ToLower(c.TLS.Verify)
	}
	if c.TLS.MinVersion != "" {
		opts[options.KeySSLMinVersion] = c.TLS.MinVersion
	}

	return opts
}

// Path returns the file the configuration was read from, or "".
func (c *Config) Path() string {
	return c.filePath
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
