package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkrav/outreach/internal/account"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
accounts:
  - name: primary
    host: smtp.test.com
    port: 2587
    username: sender
    password: secret
    from_email: sender@test.com
    display_name: "Test Sender"
    per_minute: 4
  - name: backup
    host: smtp2.test.com
    from_email: backup@test.com
    encryption: tls
    disabled: true

rate_limit:
  global:
    per_minute: 10
  spacing: 5s

engine:
  batch_size: 20
  batch_pause: 1m
  retry_ceiling: 2

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

storage:
  path: "/tmp/test.db"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Accounts) != 2 {
		t.Fatalf("Accounts = %d, want 2", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Name != "primary" || cfg.Accounts[0].Port != 2587 {
		t.Errorf("Accounts[0] = %+v", cfg.Accounts[0])
	}
	if cfg.Accounts[0].PerMinute != 4 {
		t.Errorf("Accounts[0].PerMinute = %v, want 4", cfg.Accounts[0].PerMinute)
	}
	if cfg.Accounts[1].Encryption != account.EncryptionTLS {
		t.Errorf("Accounts[1].Encryption = %v, want tls", cfg.Accounts[1].Encryption)
	}
	if !cfg.Accounts[1].Disabled {
		t.Error("Accounts[1].Disabled = false, want true")
	}
	if cfg.RateLimit.Global.PerMinute != 10 {
		t.Errorf("RateLimit.Global.PerMinute = %v, want 10", cfg.RateLimit.Global.PerMinute)
	}
	if cfg.RateLimit.Spacing != 5*time.Second {
		t.Errorf("RateLimit.Spacing = %v, want 5s", cfg.RateLimit.Spacing)
	}
	if cfg.Engine.BatchSize != 20 {
		t.Errorf("Engine.BatchSize = %v, want 20", cfg.Engine.BatchSize)
	}
	if cfg.Engine.RetryCeiling != 2 {
		t.Errorf("Engine.RetryCeiling = %v, want 2", cfg.Engine.RetryCeiling)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Storage.Path != "/tmp/test.db" {
		t.Errorf("Storage.Path = %v, want /tmp/test.db", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `
accounts:
  - name: primary
    host: smtp.test.com
    from_email: sender@test.com
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Accounts[0].Port != 587 {
		t.Errorf("Accounts[0].Port = %v, want 587", cfg.Accounts[0].Port)
	}
	if cfg.Accounts[0].Encryption != account.EncryptionStartTLS {
		t.Errorf("Accounts[0].Encryption = %v, want starttls", cfg.Accounts[0].Encryption)
	}
	if cfg.RateLimit.DefaultAccount == nil || cfg.RateLimit.DefaultAccount.PerMinute != 8 {
		t.Errorf("RateLimit.DefaultAccount = %+v, want 8/minute", cfg.RateLimit.DefaultAccount)
	}
	if cfg.RateLimit.DefaultAccount.PerDay != 500 {
		t.Errorf("RateLimit.DefaultAccount.PerDay = %v, want 500", cfg.RateLimit.DefaultAccount.PerDay)
	}
	if cfg.RateLimit.Global == nil || cfg.RateLimit.Global.PerMinute != 20 {
		t.Errorf("RateLimit.Global = %+v, want 20/minute", cfg.RateLimit.Global)
	}
	if cfg.RateLimit.Spacing != 2*time.Second {
		t.Errorf("RateLimit.Spacing = %v, want 2s", cfg.RateLimit.Spacing)
	}
	if cfg.Delivery.Timeout != 30*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 30s", cfg.Delivery.Timeout)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Storage.Path != "/var/lib/outreach/outreach.db" {
		t.Errorf("Storage.Path = %v", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadMergesAccountCeilings(t *testing.T) {
	content := `
accounts:
  - name: primary
    host: smtp.test.com
    from_email: sender@test.com
    per_minute: 1
  - name: backup
    host: smtp.test.com
    from_email: backup@test.com
    per_day: 50

rate_limit:
  accounts:
    backup:
      per_minute: 2
      per_day: 9
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// The ceiling on the account entry reaches the limiter overrides.
	lc := cfg.RateLimit.Accounts["primary"]
	if lc == nil || lc.PerMinute != 1 {
		t.Fatalf("RateLimit.Accounts[primary] = %+v, want per_minute 1", lc)
	}
	// The unset side inherits the account default instead of unlimited.
	if lc.PerDay != 500 {
		t.Errorf("RateLimit.Accounts[primary].PerDay = %v, want 500", lc.PerDay)
	}

	// An explicit rate_limit.accounts entry wins over the account fields.
	if b := cfg.RateLimit.Accounts["backup"]; b == nil || b.PerMinute != 2 || b.PerDay != 9 {
		t.Errorf("RateLimit.Accounts[backup] = %+v, want override kept", b)
	}
}

func TestValidateNormalizesFromEmail(t *testing.T) {
	cfg := Config{
		Accounts: []AccountConfig{{
			Name:       "primary",
			Host:       "smtp.test.com",
			Port:       587,
			FromEmail:  "Test Sender <sender@test.com>",
			Encryption: account.EncryptionStartTLS,
		}},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Accounts[0].FromEmail != "sender@test.com" {
		t.Errorf("FromEmail = %q, want bare address", cfg.Accounts[0].FromEmail)
	}
}

func TestLoadExpandsSecrets(t *testing.T) {
	t.Setenv("SMTP_PASSWORD", "hunter2")
	t.Setenv("OUTREACH_API_KEY", "k-123")

	content := `
accounts:
  - name: primary
    host: smtp.test.com
    from_email: sender@test.com
    password: "${SMTP_PASSWORD}"

api:
  api_key: "${OUTREACH_API_KEY}"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Accounts[0].Password != "hunter2" {
		t.Errorf("Password = %q, want expanded env value", cfg.Accounts[0].Password)
	}
	if cfg.API.APIKey != "k-123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.API.APIKey)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Accounts: []AccountConfig{{
				Name:       "primary",
				Host:       "smtp.test.com",
				Port:       587,
				FromEmail:  "sender@test.com",
				Encryption: account.EncryptionStartTLS,
			}},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing account name", func(c *Config) { c.Accounts[0].Name = "" }, true},
		{"missing host", func(c *Config) { c.Accounts[0].Host = "" }, true},
		{"invalid port", func(c *Config) { c.Accounts[0].Port = 70000 }, true},
		{"invalid from address", func(c *Config) { c.Accounts[0].FromEmail = "not-an-email" }, true},
		{"invalid encryption", func(c *Config) { c.Accounts[0].Encryption = "ssl3" }, true},
		{"duplicate account name", func(c *Config) {
			c.Accounts = append(c.Accounts, c.Accounts[0])
		}, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.Logging.Format = "invalid" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoolAccounts(t *testing.T) {
	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "a", Host: "h", Port: 587, FromEmail: "a@test.com", Username: "u", Password: "p"},
			{Name: "b", Host: "h", Port: 465, FromEmail: "b@test.com", Disabled: true},
		},
	}

	accounts := cfg.PoolAccounts()
	if len(accounts) != 2 {
		t.Fatalf("PoolAccounts() = %d accounts, want 2", len(accounts))
	}
	if accounts[0].Credential != "p" || !accounts[0].Enabled {
		t.Errorf("accounts[0] = %+v", accounts[0])
	}
	if accounts[1].Enabled {
		t.Error("disabled account converted as enabled")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	content := `invalid: yaml: content: [`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
