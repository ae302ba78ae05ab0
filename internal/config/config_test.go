package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/faults"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mahavishnu.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Port != 3306 || cfg.Push.Rate != 100 || cfg.Log.Level != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
  port: 3307
  name: orchestrator
  tls_mode: require
  connect_timeout: 5s
  query_timeout: 1m
push:
  port: 9000
  rate: 50
  burst: 75
auth:
  jwt_secret: sekrit
  token_ttl: 2h
webhook:
  addr: ":9001"
  github_secret: gh
broadcast:
  buffer_enabled: true
  buffer_size: 64
import:
  repositories: [acme/widgets]
  labels: [bug, ops]
  skip_closed: true
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.TLSMode != "require" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Database.QueryTimeout.Std() != time.Minute {
		t.Errorf("query_timeout = %v", cfg.Database.QueryTimeout.Std())
	}
	if cfg.Push.Port != 9000 || cfg.Push.Burst != 75 {
		t.Errorf("push = %+v", cfg.Push)
	}
	if cfg.Auth.TokenTTL.Std() != 2*time.Hour {
		t.Errorf("token_ttl = %v", cfg.Auth.TokenTTL.Std())
	}
	if !cfg.Broadcast.BufferEnabled || cfg.Broadcast.BufferSize != 64 {
		t.Errorf("broadcast = %+v", cfg.Broadcast)
	}
	if len(cfg.Import.Labels) != 2 || !cfg.Import.SkipClosed {
		t.Errorf("import = %+v", cfg.Import)
	}

	// Untouched sections keep their defaults.
	if cfg.Push.MaxConnections != 1000 {
		t.Errorf("max_connections = %d, want default 1000", cfg.Push.MaxConnections)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database:\n  host: from-file\n")
	t.Setenv("MAHAVISHNU_DATABASE_HOST", "from-env")
	t.Setenv("MAHAVISHNU_PUSH_RATE", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "from-env" {
		t.Errorf("host = %q, want env override", cfg.Database.Host)
	}
	if cfg.Push.Rate != 250 {
		t.Errorf("rate = %v, want 250", cfg.Push.Rate)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad tls mode", func(c *Config) { c.Database.TLSMode = "maybe" }},
		{"pool bounds inverted", func(c *Config) { c.Database.MinConns = 30 }},
		{"zero rate", func(c *Config) { c.Push.Rate = 0 }},
		{"auth without secret", func(c *Config) { c.Push.AuthEnabled = true }},
		{"cert without key", func(c *Config) { c.Push.TLS.Cert = "/etc/tls/cert.pem" }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if !faults.IsKind(err, faults.KindValidation) {
				t.Errorf("Validate = %v, want VALIDATION", err)
			}
		})
	}
}

func TestBadDuration(t *testing.T) {
	path := writeConfig(t, "database:\n  query_timeout: soonish\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a bad duration")
	}
}

func TestMySQLMapping(t *testing.T) {
	cfg := Default()
	cfg.Database.Host = "db"
	cfg.Database.QueryTimeout = Duration(45 * time.Second)

	m := cfg.MySQL()
	if m.Host != "db" || m.Database != "mahavishnu" || m.QueryTimeout != 45*time.Second {
		t.Errorf("mysql config = %+v", m)
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "import:\n  labels: [bug]\n")
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	w, err := Watch(path, log)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if labels := w.Current().Import.Labels; len(labels) != 1 || labels[0] != "bug" {
		t.Fatalf("initial labels = %v", labels)
	}

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	if err := os.WriteFile(path, []byte("import:\n  labels: [docs]\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if len(cfg.Import.Labels) != 1 || cfg.Import.Labels[0] != "docs" {
			t.Errorf("reloaded labels = %v", cfg.Import.Labels)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}

	if labels := w.Current().Import.Labels; labels[0] != "docs" {
		t.Errorf("Current after reload = %v", labels)
	}
}

func TestWatcherKeepsLastGoodOnBadEdit(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	w, err := Watch(path, log)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("log:\n  level: chatty\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	// Give the debounced reload time to run and fail.
	time.Sleep(600 * time.Millisecond)

	if w.Current().Log.Level != "warn" {
		t.Errorf("level = %q after invalid edit, want warn", w.Current().Log.Level)
	}
}
