package tlsconfig

import (
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/WhileEndless/go-openuri/pkg/errors"
)

func writeServerCert(t *testing.T, dir string) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(filepath.Join(dir, "ca.pem"), block, 0o600); err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestBuildDefaults(t *testing.T) {
	tc, err := Build(Config{}, "example.com")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tc.MinVersion != VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", tc.MinVersion)
	}
	if tc.ServerName != "example.com" {
		t.Errorf("ServerName = %q", tc.ServerName)
	}
	if tc.InsecureSkipVerify {
		t.Error("InsecureSkipVerify = true, want false")
	}
	if tc.RootCAs != nil {
		t.Error("RootCAs set without CA files")
	}
}

func TestBuildVerifyNone(t *testing.T) {
	tc, err := Build(Config{VerifyNone: true, MinVersion: VersionTLS10}, "example.com")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !tc.InsecureSkipVerify {
		t.Error("InsecureSkipVerify = false, want true")
	}
	if tc.MinVersion != VersionTLS10 {
		t.Errorf("MinVersion = %x, want TLS 1.0", tc.MinVersion)
	}
}

func TestBuildCAFileVerifiesServer(t *testing.T) {
	dir := t.TempDir()
	srv := writeServerCert(t, dir)

	for _, path := range []string{filepath.Join(dir, "ca.pem"), dir} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			if path == dir {
				// Non-certificate files in a directory are skipped.
				if err := os.WriteFile(filepath.Join(dir, "README"), []byte("notes"), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			tc, err := Build(Config{CACerts: []string{path}}, "example.com")
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}

			conn, err := tls.Dial("tcp", srv.Listener.Addr().String(), tc)
			if err != nil {
				t.Fatalf("handshake with custom CA failed: %v", err)
			}
			conn.Close()
		})
	}
}

func TestBuildRejectsBadCA(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{junk, filepath.Join(dir, "missing.pem")} {
		_, err := Build(Config{CACerts: []string{path}}, "example.com")
		if errors.GetErrorType(err) != errors.ErrorTypeConfiguration {
			t.Errorf("Build(%s) error = %v, want configuration error", path, err)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"1.2", VersionTLS12, false},
		{"TLSv1.3", VersionTLS13, false},
		{"tls1.0", VersionTLS10, false},
		{" 11 ", VersionTLS11, false},
		{"2.0", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVersion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseVersion(%q) = %x, want %x", tt.in, got, tt.want)
			}
		})
	}
}

func TestVersionHelpers(t *testing.T) {
	if GetVersionName(VersionTLS13) != "TLS 1.3" {
		t.Errorf("GetVersionName(TLS13) = %q", GetVersionName(VersionTLS13))
	}
	if GetVersionName(0) != "Unknown" {
		t.Errorf("GetVersionName(0) = %q", GetVersionName(0))
	}
	if !IsVersionDeprecated(VersionTLS11) || IsVersionDeprecated(VersionTLS12) {
		t.Error("IsVersionDeprecated: TLS 1.1 must be deprecated and TLS 1.2 not")
	}
}
