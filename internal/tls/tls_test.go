package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/pmwatch/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.ServerConfig{})
	if err != nil || c != nil {
		t.Fatalf("got %v, %v", c, err)
	}
	c, err = Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: false, Dir: "x"}})
	if err != nil || c != nil {
		t.Fatalf("got %v, %v", c, err)
	}
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg := config.ServerConfig{
		TLSMinVersion: "1.3",
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
			AutoGen:      &config.AutoGenTLS{CommonName: "pmwatch.test", ValidDays: 1},
		},
	}
	c, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS13 || c.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("versions: %x-%x", c.MinVersion, c.MaxVersion)
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil {
		t.Fatalf("get certificate: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}

	// second setup reuses the existing pair
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := Setup(cfg); err != nil {
		t.Fatalf("setup again: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatalf("certificate regenerated")
	}
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	crt, key := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	if err := GenerateSelfSignedCert(CertConfig{CommonName: "x", CertPath: crt, KeyPath: key, NotAfter: time.Now().Add(24 * time.Hour)}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, CertFile: crt, KeyFile: key}})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS12 || c.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("default versions: %x-%x", c.MinVersion, c.MaxVersion)
	}
}

func TestSetupErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]config.ServerConfig{
		"no source":      {TLS: &config.TLSConfig{Enabled: true}},
		"missing files":  {TLS: &config.TLSConfig{Enabled: true, Dir: dir}},
		"bad version":    {TLSMinVersion: "1.1", TLS: &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}},
		"inverted range": {TLSMinVersion: "1.3", TLSMaxVersion: "1.2", TLS: &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}},
	}
	for name, cfg := range cases {
		if _, err := Setup(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
