// Package tlsconfig builds crypto/tls configurations from fetch trust settings.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"github.com/WhileEndless/go-openuri/pkg/errors"
)

// SSL/TLS Protocol Versions
const (
	// TLS 1.0 (DEPRECATED - insecure, use only for legacy compatibility)
	VersionTLS10 uint16 = tls.VersionTLS10 // 0x0301

	// TLS 1.1 (DEPRECATED - weak, use only for legacy compatibility)
	VersionTLS11 uint16 = tls.VersionTLS11 // 0x0302

	// TLS 1.2 (RECOMMENDED - widely supported and secure)
	VersionTLS12 uint16 = tls.VersionTLS12 // 0x0303

	// TLS 1.3 (PREFERRED - most secure, modern standard)
	VersionTLS13 uint16 = tls.VersionTLS13 // 0x0304
)

// Config holds the trust settings of one fetch.
type Config struct {
	// CACerts lists PEM files or directories of PEM files. Empty means the
	// system pool.
	CACerts []string

	// VerifyNone disables certificate verification.
	VerifyNone bool

	// MinVersion is the lowest accepted protocol version; 0 means TLS 1.2.
	MinVersion uint16
}

// Build returns a tls.Config for a connection to serverName.
func Build(cfg Config, serverName string) (*tls.Config, error) {
	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = VersionTLS12
	}

	tc := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         serverName,
		InsecureSkipVerify: cfg.VerifyNone,
		NextProtos:         []string{"http/1.1"},
	}

	if len(cfg.CACerts) > 0 {
		pool, err := loadPool(cfg.CACerts)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

func loadPool(paths []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.NewConfigurationErrorf("ssl_ca_cert: %v", err)
		}

		files := []string{p}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				return nil, errors.NewConfigurationErrorf("ssl_ca_cert: %v", err)
			}
			files = files[:0]
			for _, e := range entries {
				if !e.IsDir() {
					files = append(files, filepath.Join(p, e.Name()))
				}
			}
		}

		for _, f := range files {
			pem, err := os.ReadFile(f)
			if err != nil {
				return nil, errors.NewConfigurationErrorf("ssl_ca_cert: %v", err)
			}
			// Directories may hold non-certificate files; only explicit
			// files must parse.
			if !pool.AppendCertsFromPEM(pem) && !info.IsDir() {
				return nil, errors.NewConfigurationErrorf("ssl_ca_cert: no certificates found in %s", f)
			}
		}
	}
	return pool, nil
}

// ParseVersion maps "1.0" .. "1.3" (optionally prefixed with "TLS") to a
// protocol version.
func ParseVersion(s string) (uint16, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	v = strings.TrimPrefix(strings.TrimPrefix(v, "tls"), "v")
	switch strings.TrimSpace(v) {
	case "1.0", "10":
		return VersionTLS10, nil
	case "1.1", "11":
		return VersionTLS11, nil
	case "1.2", "12":
		return VersionTLS12, nil
	case "1.3", "13":
		return VersionTLS13, nil
	}
	return 0, errors.NewConfigurationErrorf("unknown TLS version %q", s)
}

// GetVersionName returns human-readable name for SSL/TLS version
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated returns true if the version is deprecated/insecure
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}
