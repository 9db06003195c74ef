package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
	"golang.org/x/time/rate"

	"wa-bulk-sender/session"
	"wa-bulk-sender/utils"
)

const (
	DefaultListen            = ":3001"
	DefaultAuthDir           = "./whatsapp-sessions"
	DefaultSendRatePerSec    = 1.0
	DefaultSendBurst         = 5
	DefaultBulkDelay         = 3 * time.Second
	DefaultMaxBulkRecipients = 1000
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("10s", "1h"); empty or zero values fall back to the defaults.
type Config struct {
	Listen  string        `yaml:"listen"`
	AuthDir string        `yaml:"auth_dir"`
	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
	API     APIConfig     `yaml:"api"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Console    *bool  `yaml:"console"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SessionConfig struct {
	ConnectTimeout  string `yaml:"connect_timeout"`
	SendTimeout     string `yaml:"send_timeout"`
	TeardownTimeout string `yaml:"teardown_timeout"`
	IdleTimeout     string `yaml:"idle_timeout"`
	ReapInterval    string `yaml:"reap_interval"`
	// MaxRetries is a pointer so an explicit 0 (never retry) survives.
	MaxRetries       *int     `yaml:"max_retries"`
	RetryStep        string   `yaml:"retry_step"`
	RetryMaxDelay    string   `yaml:"retry_max_delay"`
	RestartCauses    []string `yaml:"restart_causes"`
	LoggedOutCauses  []string `yaml:"logged_out_causes"`
	PairingImageSize int      `yaml:"pairing_image_size"`
	DeviceName       string   `yaml:"device_name"`
}

type APIConfig struct {
	AllowedOrigins    []string `yaml:"allowed_origins"`
	SendRatePerSec    float64  `yaml:"send_rate_per_sec"`
	SendBurst         int      `yaml:"send_burst"`
	BulkDelay         string   `yaml:"bulk_delay"`
	MaxBulkRecipients int      `yaml:"max_bulk_recipients"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	console := true
	return &Config{
		Listen:  DefaultListen,
		AuthDir: DefaultAuthDir,
		Log: LogConfig{
			Level:      "info",
			Console:    &console,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Session: SessionConfig{
			DeviceName: "WA Bulk Sender",
		},
		API: APIConfig{
			AllowedOrigins:    []string{"http://localhost:3000", "http://localhost:5000"},
			SendRatePerSec:    DefaultSendRatePerSec,
			SendBurst:         DefaultSendBurst,
			MaxBulkRecipients: DefaultMaxBulkRecipients,
		},
	}
}

// Load reads the YAML file at path on top of Default. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

// Validate checks every duration field and the numeric limits.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AuthDir) == "" {
		return errors.New("auth_dir is required")
	}
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if _, err := ParseDurationOrDefault("api.bulk_delay", c.API.BulkDelay, DefaultBulkDelay); err != nil {
		return err
	}
	if c.API.SendRatePerSec < 0 {
		return errors.New("api.send_rate_per_sec must be >= 0")
	}
	if c.API.MaxBulkRecipients < 0 {
		return errors.New("api.max_bulk_recipients must be >= 0")
	}
	if c.Session.MaxRetries != nil && *c.Session.MaxRetries < 0 {
		return errors.New("session.max_retries must be >= 0")
	}
	return nil
}

// SessionConfig converts the session block to session.Config.
func (c *Config) SessionConfig() (session.Config, error) {
	out := session.DefaultConfig()
	s := c.Session

	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"session.connect_timeout", s.ConnectTimeout, &out.ConnectTimeout},
		{"session.send_timeout", s.SendTimeout, &out.SendTimeout},
		{"session.teardown_timeout", s.TeardownTimeout, &out.TeardownTimeout},
		{"session.idle_timeout", s.IdleTimeout, &out.IdleTimeout},
		{"session.reap_interval", s.ReapInterval, &out.ReapInterval},
		{"session.retry_step", s.RetryStep, &out.RetryStep},
		{"session.retry_max_delay", s.RetryMaxDelay, &out.RetryMaxDelay},
	}
	for _, f := range fields {
		d, err := ParseDurationOrDefault(f.path, f.raw, *f.dst)
		if err != nil {
			return session.Config{}, err
		}
		*f.dst = d
	}

	if s.MaxRetries != nil {
		out.MaxRetries = *s.MaxRetries
	}
	if len(s.RestartCauses) > 0 {
		out.RestartCauses = s.RestartCauses
	}
	if len(s.LoggedOutCauses) > 0 {
		out.LoggedOutCauses = s.LoggedOutCauses
	}
	if s.PairingImageSize > 0 {
		out.PairingImageSize = s.PairingImageSize
	}
	return out, nil
}

func (c *Config) LogConfig() utils.LogConfig {
	console := true
	if c.Log.Console != nil {
		console = *c.Log.Console
	}
	return utils.LogConfig{
		Level:      c.Log.Level,
		Console:    console,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// SendLimit returns the per-tenant send rate. Zero disables limiting.
func (c *Config) SendLimit() (rate.Limit, int) {
	if c.API.SendRatePerSec == 0 {
		return rate.Inf, 0
	}
	burst := c.API.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.Limit(c.API.SendRatePerSec), burst
}

// BulkDelay is the default pause between campaign messages.
func (c *Config) BulkDelay() time.Duration {
	d, err := ParseDurationOrDefault("api.bulk_delay", c.API.BulkDelay, DefaultBulkDelay)
	if err != nil {
		return DefaultBulkDelay
	}
	return d
}
