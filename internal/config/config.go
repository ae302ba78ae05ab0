// Package config loads the YAML settings file, layers MAHAVISHNU_* environment
// overrides on top, and validates the result. A watcher re-reads the file on
// change so settings like the import filter can swap at runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/storage/mysql"
)

// EnvPrefix for environment overrides: database.host becomes
// MAHAVISHNU_DATABASE_HOST.
const EnvPrefix = "MAHAVISHNU"

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full settings surface.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Push      PushConfig      `yaml:"push"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Import    ImportConfig    `yaml:"import"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Name            string   `yaml:"name"`
	User            string   `yaml:"user"`
	Password        string   `yaml:"password"`
	TLSMode         string   `yaml:"tls_mode"`
	TLSCA           string   `yaml:"tls_ca"`
	MinConns        int      `yaml:"min_conns"`
	MaxConns        int      `yaml:"max_conns"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	QueryTimeout    Duration `yaml:"query_timeout"`
	RetryEnabled    bool     `yaml:"retry_enabled"`
	RetryMaxElapsed Duration `yaml:"retry_max_elapsed"`
}

type TLSConfig struct {
	Cert         string `yaml:"cert"`
	Key          string `yaml:"key"`
	CA           string `yaml:"ca"`
	VerifyClient bool   `yaml:"verify_client"`
}

type PushConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	MaxConnections  int       `yaml:"max_connections"`
	Rate            float64   `yaml:"rate"`
	Burst           int       `yaml:"burst"`
	CleanupInterval Duration  `yaml:"cleanup_interval"`
	AuthEnabled     bool      `yaml:"auth_enabled"`
	TLS             TLSConfig `yaml:"tls"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

type WebhookConfig struct {
	Addr         string `yaml:"addr"`
	GitHubSecret string `yaml:"github_secret"`
	GitLabToken  string `yaml:"gitlab_token"`
}

type BroadcastConfig struct {
	BufferEnabled bool `yaml:"buffer_enabled"`
	BufferSize    int  `yaml:"buffer_size"`
}

type ImportConfig struct {
	Repositories []string `yaml:"repositories"`
	Labels       []string `yaml:"labels"`
	SkipClosed   bool     `yaml:"skip_closed"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Stdout       bool   `yaml:"stdout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:           "127.0.0.1",
			Port:           3306,
			Name:           "mahavishnu",
			User:           "mahavishnu",
			TLSMode:        "disable",
			MinConns:       2,
			MaxConns:       20,
			ConnectTimeout: Duration(10 * time.Second),
			QueryTimeout:   Duration(30 * time.Second),
		},
		Push: PushConfig{
			Host:            "0.0.0.0",
			Port:            8700,
			MaxConnections:  1000,
			Rate:            100,
			CleanupInterval: Duration(300 * time.Second),
		},
		Auth: AuthConfig{
			TokenTTL: Duration(time.Hour),
		},
		Webhook: WebhookConfig{
			Addr: ":8701",
		},
		Broadcast: BroadcastConfig{
			BufferSize: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path (absence is fine; defaults apply), applies
// environment overrides, and validates. An empty path skips the file read.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is a valid deployment; env and defaults carry it.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers MAHAVISHNU_* environment variables over the file values.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setString(v, "database.host", &cfg.Database.Host)
	setInt(v, "database.port", &cfg.Database.Port)
	setString(v, "database.name", &cfg.Database.Name)
	setString(v, "database.user", &cfg.Database.User)
	setString(v, "database.password", &cfg.Database.Password)
	setString(v, "database.tls_mode", &cfg.Database.TLSMode)
	setString(v, "database.tls_ca", &cfg.Database.TLSCA)

	setString(v, "push.host", &cfg.Push.Host)
	setInt(v, "push.port", &cfg.Push.Port)
	setInt(v, "push.max_connections", &cfg.Push.MaxConnections)
	setFloat(v, "push.rate", &cfg.Push.Rate)
	setInt(v, "push.burst", &cfg.Push.Burst)
	setBool(v, "push.auth_enabled", &cfg.Push.AuthEnabled)

	setString(v, "auth.jwt_secret", &cfg.Auth.JWTSecret)
	setString(v, "webhook.addr", &cfg.Webhook.Addr)
	setString(v, "webhook.github_secret", &cfg.Webhook.GitHubSecret)
	setString(v, "webhook.gitlab_token", &cfg.Webhook.GitLabToken)

	setBool(v, "telemetry.enabled", &cfg.Telemetry.Enabled)
	setString(v, "telemetry.otlp_endpoint", &cfg.Telemetry.OTLPEndpoint)
	setString(v, "log.level", &cfg.Log.Level)
	setBool(v, "log.json", &cfg.Log.JSON)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	switch c.Database.TLSMode {
	case "disable", "prefer", "require":
	default:
		return faults.Validation("database.tls_mode", "must be disable, prefer, or require; got %q", c.Database.TLSMode)
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns < 0 {
		return faults.Validation("database", "pool bounds must be non-negative")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return faults.Validation("database", "min_conns %d exceeds max_conns %d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Push.Rate <= 0 {
		return faults.Validation("push.rate", "must be positive, got %v", c.Push.Rate)
	}
	if c.Push.Burst < 0 {
		return faults.Validation("push.burst", "must be non-negative, got %d", c.Push.Burst)
	}
	if c.Push.MaxConnections <= 0 {
		return faults.Validation("push.max_connections", "must be positive, got %d", c.Push.MaxConnections)
	}
	if c.Push.AuthEnabled && c.Auth.JWTSecret == "" {
		return faults.Validation("auth.jwt_secret", "required when push.auth_enabled is set")
	}
	if (c.Push.TLS.Cert == "") != (c.Push.TLS.Key == "") {
		return faults.Validation("push.tls", "cert and key must be set together")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return faults.Validation("log.level", "unknown level %q", c.Log.Level)
	}
	return nil
}

// MySQL maps the database section onto the store's config.
func (c *Config) MySQL() mysql.Config {
	return mysql.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		Database:        c.Database.Name,
		User:            c.Database.User,
		Password:        c.Database.Password,
		TLSMode:         c.Database.TLSMode,
		TLSCA:           c.Database.TLSCA,
		MinConns:        c.Database.MinConns,
		MaxConns:        c.Database.MaxConns,
		ConnectTimeout:  c.Database.ConnectTimeout.Std(),
		QueryTimeout:    c.Database.QueryTimeout.Std(),
		RetryEnabled:    c.Database.RetryEnabled,
		RetryMaxElapsed: c.Database.RetryMaxElapsed.Std(),
	}
}
