// Package tls builds the server TLS configuration from the [server.tls]
// section, optionally generating a self-signed certificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/pmwatch/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// parseVersion maps a configured version string to its constant. ok is
// false for empty or unknown values.
func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions resolves the allowed range; the default is 1.2 through 1.3.
func versions(cfg config.ServerConfig) (min, max uint16, err error) {
	min, max = tls.VersionTLS12, tls.VersionTLS13
	if cfg.TLSMinVersion != "" {
		v, ok := parseVersion(cfg.TLSMinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls_min_version %q", cfg.TLSMinVersion)
		}
		min = v
	}
	if cfg.TLSMaxVersion != "" {
		v, ok := parseVersion(cfg.TLSMaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls_max_version %q", cfg.TLSMaxVersion)
		}
		max = v
	}
	if min > max {
		return 0, 0, errors.New("tls_min_version is above tls_max_version")
	}
	return min, max, nil
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// a directory; a directory with auto_generate gets a self-signed pair when
// none exists yet.
func Setup(cfg config.ServerConfig) (*tls.Config, error) {
	if cfg.TLS == nil || !cfg.TLS.Enabled {
		return nil, nil
	}
	min, max, err := versions(cfg)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.TLS.CertFile, cfg.TLS.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.TLS.Dir == "" {
			return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
		}
		certPath = filepath.Join(cfg.TLS.Dir, tlsCrt)
		keyPath = filepath.Join(cfg.TLS.Dir, tlsKey)
		if cfg.TLS.AutoGenerate && !exists(certPath, keyPath) {
			if err := GenerateSelfSignedCert(autoGen(cfg.TLS, certPath, keyPath)); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}

	// The pair is read again on every handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: min,
		MaxVersion: max,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &c, nil
		},
	}, nil
}

func autoGen(t *config.TLSConfig, certPath, keyPath string) CertConfig {
	g := config.AutoGenTLS{}
	if t.AutoGen != nil {
		g = *t.AutoGen
	}
	days := g.ValidDays
	if days <= 0 {
		days = 365
	}
	return CertConfig{
		CommonName:   orDefault(g.CommonName, "localhost"),
		Organization: orDefault(g.Organization, "pmwatch"),
		DNSNames:     orDefaultSlice(g.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(g.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
