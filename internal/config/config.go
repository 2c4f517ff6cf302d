package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/pmwatch/internal/ansihtml"
	"github.com/loykin/pmwatch/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. PMWATCH_SERVER_LISTEN.
const EnvPrefix = "PMWATCH"

// Config represents the top-level TOML structure.
type Config struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Logs       LogsConfig       `toml:"logs" mapstructure:"logs"`
	Stream     StreamConfig     `toml:"stream" mapstructure:"stream"`
	Theme      ThemeConfig      `toml:"theme" mapstructure:"theme"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type SupervisorConfig struct {
	Type    string        `toml:"type" mapstructure:"type"` // pm2 or provisr
	PM2Bin  string        `toml:"pm2_bin" mapstructure:"pm2_bin"`
	URL     string        `toml:"url" mapstructure:"url"`
	LogDir  string        `toml:"log_dir" mapstructure:"log_dir"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type HistoryConfig struct {
	DSN           string        `toml:"dsn" mapstructure:"dsn"`
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	Retention     time.Duration `toml:"retention" mapstructure:"retention"`
	SweepSchedule string        `toml:"sweep_schedule" mapstructure:"sweep_schedule"`
	Window        time.Duration `toml:"window" mapstructure:"window"`
	// Export lists sink DSNs that receive every committed batch,
	// e.g. "opensearch://localhost:9200/pm-history".
	Export []string `toml:"export" mapstructure:"export"`
}

type LogsConfig struct {
	TailLines   int           `toml:"tail_lines" mapstructure:"tail_lines"`
	Settle      time.Duration `toml:"settle" mapstructure:"settle"`
	MinInterval time.Duration `toml:"min_interval" mapstructure:"min_interval"`
	Heartbeat   time.Duration `toml:"heartbeat" mapstructure:"heartbeat"`
}

type StreamConfig struct {
	MetricsInterval time.Duration `toml:"metrics_interval" mapstructure:"metrics_interval"`
}

type ThemeConfig struct {
	Base      string            `toml:"base" mapstructure:"base"` // default or xterm
	Overrides map[string]string `toml:"overrides" mapstructure:"overrides"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

var defaults = map[string]any{
	"server.listen":           "127.0.0.1:8090",
	"server.base_path":        "/api",
	"server.tls_min_version":  "",
	"server.tls_max_version":  "",
	"supervisor.type":         "pm2",
	"supervisor.pm2_bin":      "pm2",
	"supervisor.url":          "",
	"supervisor.log_dir":      "",
	"supervisor.timeout":      "10s",
	"history.dsn":             "sqlite://pmwatch.db",
	"history.poll_interval":   "5s",
	"history.retention":       "12h",
	"history.sweep_schedule":  "0 * * * *",
	"history.window":          "10m",
	"history.export":          []string{},
	"logs.tail_lines":         300,
	"logs.settle":             "250ms",
	"logs.min_interval":       "1s",
	"logs.heartbeat":          "15s",
	"stream.metrics_interval": "5s",
	"theme.base":              "default",
	"log.level":               "info",
	"log.color":               false,
	"log.file":                "",
	"log.max_size_mb":         0,
	"log.max_backups":         0,
	"log.max_age_days":        0,
	"log.compress":            false,
	"metrics.enabled":         false,
	"metrics.listen":          "127.0.0.1:9090",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	return Load("")
}

// Load reads the TOML file at path over the defaults, then applies
// PMWATCH_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Supervisor.Type) {
	case "pm2":
	case "provisr":
		if c.Supervisor.URL == "" {
			errs = append(errs, errors.New("supervisor.url is required for type provisr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown supervisor.type %q (want pm2 or provisr)", c.Supervisor.Type))
	}
	if strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required"))
	}
	for name, d := range map[string]time.Duration{
		"history.poll_interval":   c.History.PollInterval,
		"history.retention":       c.History.Retention,
		"history.window":          c.History.Window,
		"stream.metrics_interval": c.Stream.MetricsInterval,
		"logs.heartbeat":          c.Logs.Heartbeat,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Logs.TailLines <= 0 {
		errs = append(errs, errors.New("logs.tail_lines must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Palette(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Palette builds the renderer palette from the theme section.
func (c *Config) Palette() (*ansihtml.Palette, error) {
	var base ansihtml.Theme
	switch strings.ToLower(c.Theme.Base) {
	case "", "default":
		base = ansihtml.DefaultTheme
	case "xterm":
		base = ansihtml.XtermTheme
	default:
		return nil, fmt.Errorf("unknown theme.base %q (want default or xterm)", c.Theme.Base)
	}
	overrides := make(map[int]string, len(c.Theme.Overrides))
	for k, hex := range c.Theme.Overrides {
		i, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("theme override key %q is not an index", k)
		}
		overrides[i] = hex
	}
	return ansihtml.NewPalette(base, overrides)
}

// Logger converts the log section for logger.New.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level: c.Log.Level,
		Color: c.Log.Color,
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}
