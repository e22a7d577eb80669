// Package config loads the server configuration from defaults, an optional
// YAML file, WAHUB_* environment variables and command line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wahub/wahub/internal/logging"
)

// EnvPrefix is prepended to every environment variable, so server.port is
// read from WAHUB_SERVER_PORT.
const EnvPrefix = "WAHUB"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
	Mock      bool            `mapstructure:"mock"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type SessionsConfig struct {
	Dir            string `mapstructure:"dir"`
	RestoreOnStart bool   `mapstructure:"restore_on_start"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type WebhookConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerDelay    time.Duration `mapstructure:"breaker_delay"`
}

type DashboardConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	MaxConnections   int           `mapstructure:"max_connections"`
	StaticDir        string        `mapstructure:"static_dir"`
	MaskNumbers      bool          `mapstructure:"mask_numbers"`
	HideMessageText  bool          `mapstructure:"hide_message_text"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Sessions: SessionsConfig{
			Dir:            "./sessions",
			RestoreOnStart: true,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:         10 * time.Second,
			BreakerFailures: 5,
			BreakerDelay:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// SetDefaults registers every default with v so environment variables and
// flags can override keys that no file mentions.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("sessions.dir", d.Sessions.Dir)
	v.SetDefault("sessions.restore_on_start", d.Sessions.RestoreOnStart)

	v.SetDefault("reconnect.initial_delay", d.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)

	v.SetDefault("webhook.url", d.Webhook.URL)
	v.SetDefault("webhook.timeout", d.Webhook.Timeout)
	v.SetDefault("webhook.breaker_failures", d.Webhook.BreakerFailures)
	v.SetDefault("webhook.breaker_delay", d.Webhook.BreakerDelay)

	v.SetDefault("dashboard.snapshot_interval", d.Dashboard.SnapshotInterval)
	v.SetDefault("dashboard.max_connections", d.Dashboard.MaxConnections)
	v.SetDefault("dashboard.static_dir", d.Dashboard.StaticDir)
	v.SetDefault("dashboard.mask_numbers", d.Dashboard.MaskNumbers)
	v.SetDefault("dashboard.hide_message_text", d.Dashboard.HideMessageText)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("mock", d.Mock)
}

// NewViper prepares a viper instance with defaults and environment binding
// and reads configFile. An empty configFile looks for config.yaml in the
// working directory and tolerates its absence.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Deployments of the original server set these without a prefix.
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("webhook.url", EnvPrefix+"_WEBHOOK_URL", "WEBHOOK_URL")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns every failure.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Sessions.Dir) == "" {
		add("sessions.dir", c.Sessions.Dir, "must not be empty")
	}

	if c.Reconnect.InitialDelay <= 0 {
		add("reconnect.initial_delay", c.Reconnect.InitialDelay, "must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		add("reconnect.max_delay", c.Reconnect.MaxDelay, "must not be less than reconnect.initial_delay")
	}

	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("webhook.url", c.Webhook.URL, "must be an absolute http or https URL")
		}
	}
	if c.Webhook.Timeout < 0 {
		add("webhook.timeout", c.Webhook.Timeout, "must not be negative")
	}
	if c.Webhook.BreakerFailures < 0 {
		add("webhook.breaker_failures", c.Webhook.BreakerFailures, "must not be negative")
	}
	if c.Webhook.BreakerDelay < 0 {
		add("webhook.breaker_delay", c.Webhook.BreakerDelay, "must not be negative")
	}

	if c.Dashboard.SnapshotInterval < 0 {
		add("dashboard.snapshot_interval", c.Dashboard.SnapshotInterval, "must not be negative")
	}
	if c.Dashboard.MaxConnections < 0 {
		add("dashboard.max_connections", c.Dashboard.MaxConnections, "must not be negative")
	}

	if !logging.ValidLevel(c.Log.Level) {
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		add("log.format", c.Log.Format, "must be text or json")
	}

	return errs
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// YAML renders the effective configuration with durations in their
// human-readable form.
func (c *Config) YAML() ([]byte, error) {
	origins := c.Server.AllowedOrigins
	if origins == nil {
		origins = []string{}
	}
	doc := map[string]any{
		"server": map[string]any{
			"host":            c.Server.Host,
			"port":            c.Server.Port,
			"allowed_origins": origins,
		},
		"sessions": map[string]any{
			"dir":              c.Sessions.Dir,
			"restore_on_start": c.Sessions.RestoreOnStart,
		},
		"reconnect": map[string]any{
			"initial_delay": c.Reconnect.InitialDelay.String(),
			"max_delay":     c.Reconnect.MaxDelay.String(),
		},
		"webhook": map[string]any{
			"url":              c.Webhook.URL,
			"timeout":          c.Webhook.Timeout.String(),
			"breaker_failures": c.Webhook.BreakerFailures,
			"breaker_delay":    c.Webhook.BreakerDelay.String(),
		},
		"dashboard": map[string]any{
			"snapshot_interval": c.Dashboard.SnapshotInterval.String(),
			"max_connections":   c.Dashboard.MaxConnections,
			"static_dir":        c.Dashboard.StaticDir,
			"mask_numbers":      c.Dashboard.MaskNumbers,
			"hide_message_text": c.Dashboard.HideMessageText,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"mock": c.Mock,
	}
	return yaml.Marshal(doc)
}
