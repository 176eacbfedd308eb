package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/email"
	"github.com/mkrav/outreach/internal/engine"
	"github.com/mkrav/outreach/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Accounts  []AccountConfig  `yaml:"accounts"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Engine    engine.Config    `yaml:"engine"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	API       APIConfig        `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// AccountConfig describes one sending account. Password supports ${ENV}
// expansion so secrets stay out of the config file.
type AccountConfig struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FromEmail   string `yaml:"from_email"`
	DisplayName string `yaml:"display_name"`
	Encryption  string `yaml:"encryption"` // starttls, tls, none
	Disabled    bool   `yaml:"disabled"`

	// Per-account ceilings; zero falls back to rate_limit.default_account.
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// Account converts the config entry into a pool account.
func (a *AccountConfig) Account() *account.Account {
	return &account.Account{
		Name:        a.Name,
		Host:        a.Host,
		Port:        a.Port,
		Username:    a.Username,
		Credential:  a.Password,
		FromEmail:   a.FromEmail,
		DisplayName: a.DisplayName,
		Encryption:  a.Encryption,
		Enabled:     !a.Disabled,
		PerMinute:   a.PerMinute,
		PerDay:      a.PerDay,
	}
}

// DeliveryConfig contains SMTP delivery settings
type DeliveryConfig struct {
	Timeout time.Duration `yaml:"timeout"` // Per-connection timeout (default: 30s)
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	for i := range c.Accounts {
		if c.Accounts[i].Port == 0 {
			c.Accounts[i].Port = 587
		}
		if c.Accounts[i].Encryption == "" {
			c.Accounts[i].Encryption = account.EncryptionStartTLS
		}
	}

	if c.RateLimit.DefaultAccount == nil {
		c.RateLimit.DefaultAccount = &ratelimit.LimitConfig{PerMinute: 8, PerDay: 500}
	}
	if c.RateLimit.Global == nil {
		c.RateLimit.Global = &ratelimit.LimitConfig{PerMinute: 20}
	}
	if c.RateLimit.Spacing == 0 {
		c.RateLimit.Spacing = 2 * time.Second
	}
	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	// Fold ceilings declared on the account entry into the limiter
	// overrides. An explicit rate_limit.accounts entry wins; an unset side
	// inherits the account default rather than becoming unlimited.
	for _, a := range c.Accounts {
		if a.PerMinute == 0 && a.PerDay == 0 {
			continue
		}
		if _, ok := c.RateLimit.Accounts[a.Name]; ok {
			continue
		}
		if c.RateLimit.Accounts == nil {
			c.RateLimit.Accounts = make(map[string]*ratelimit.LimitConfig)
		}
		lc := &ratelimit.LimitConfig{PerMinute: a.PerMinute, PerDay: a.PerDay}
		if lc.PerMinute == 0 {
			lc.PerMinute = c.RateLimit.DefaultAccount.PerMinute
		}
		if lc.PerDay == 0 {
			lc.PerDay = c.RateLimit.DefaultAccount.PerDay
		}
		c.RateLimit.Accounts[a.Name] = lc
	}

	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/outreach/outreach.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// expandSecrets resolves ${ENV} references in secret fields
func (c *Config) expandSecrets() {
	for i := range c.Accounts {
		c.Accounts[i].Password = os.ExpandEnv(c.Accounts[i].Password)
	}
	c.API.APIKey = os.ExpandEnv(c.API.APIKey)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name: %s", a.Name)
		}
		seen[a.Name] = true

		if a.Host == "" {
			return fmt.Errorf("accounts.%s.host is required", a.Name)
		}
		if a.Port <= 0 || a.Port > 65535 {
			return fmt.Errorf("accounts.%s.port is invalid: %d", a.Name, a.Port)
		}
		addr, err := email.Normalize(a.FromEmail)
		if err != nil {
			return fmt.Errorf("accounts.%s.from_email: %w", a.Name, err)
		}
		// The envelope sender must be the bare address; the display name
		// lives in its own field.
		c.Accounts[i].FromEmail = addr

		switch a.Encryption {
		case account.EncryptionStartTLS, account.EncryptionTLS, account.EncryptionNone:
		default:
			return fmt.Errorf("accounts.%s.encryption must be one of: starttls, tls, none", a.Name)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// PoolAccounts converts all configured accounts for the rotation pool.
func (c *Config) PoolAccounts() []*account.Account {
	accounts := make([]*account.Account, 0, len(c.Accounts))
	for i := range c.Accounts {
		accounts = append(accounts, c.Accounts[i].Account())
	}
	return accounts
}
