// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default broker endpoints per environment. The paper gateway shares the
// live hostname; only realm and credentials differ.
const (
	liveBaseURL  = "https://api.ibkr.com/v1/api"
	liveRealm    = "limited_poa"
	paperRealm   = "test_realm"
	defaultPort  = 8081
	defaultHost  = "127.0.0.1"
	defaultTZ    = "America/New_York"
	defaultFire  = "09:00"
	defaultLevel = "info"
)

// Config defines the structure for all application configuration.
type Config struct {
	Environment string        `yaml:"environment"`
	LogLevel    string        `yaml:"log_level"`
	Broker      BrokerConf    `yaml:"broker"`
	Sheet       SheetConf     `yaml:"sheet"`
	Notifier    NotifierConf  `yaml:"notifier"`
	Scheduler   SchedulerConf `yaml:"scheduler"`
	Server      ServerConf    `yaml:"server"`
	Service     ServiceConf   `yaml:"service"`
}

// BrokerConf holds OAuth credentials and endpoints for the IBKR Web API.
// Private key material is referenced by file path, never inlined.
type BrokerConf struct {
	BaseURL           string `yaml:"base_url"`
	ConsumerKey       string `yaml:"consumer_key"`
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret string `yaml:"access_token_secret"` // base64 ciphertext
	DHPrime           string `yaml:"dh_prime"`            // hex string
	Realm             string `yaml:"realm"`
	SignatureKeyPath  string `yaml:"signature_key_path"`
	EncryptionKeyPath string `yaml:"encryption_key_path"`
	AccountID         string `yaml:"account_id"` // optional; discovered when empty
}

// SheetConf identifies the Google Sheets worksheet holding recurring orders.
type SheetConf struct {
	SpreadsheetURL  string `yaml:"spreadsheet_url"`
	WorksheetIndex  int    `yaml:"worksheet_index"`
	CredentialsPath string `yaml:"credentials_path"` // service-account JSON
}

// NotifierConf configures the Discord webhook notifier.
type NotifierConf struct {
	Enabled    FlexBool `yaml:"enabled"`
	WebhookURL string   `yaml:"webhook_url"`
}

// SchedulerConf configures the daily trigger in the business timezone.
type SchedulerConf struct {
	FireTime string `yaml:"fire_time"` // "HH:MM"
	Timezone string `yaml:"timezone"`
}

// ServerConf holds the local HTTP surface listener configuration.
type ServerConf struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServiceConf holds supervisor paths for background deployment.
type ServiceConf struct {
	PIDFile       string `yaml:"pid_file"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
}

// LoadConfig loads configuration from the specified YAML file path
// and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		// Default values
		Environment: "paper",
		LogLevel:    defaultLevel,
		Scheduler: SchedulerConf{
			FireTime: defaultFire,
			Timezone: defaultTZ,
		},
		Server: ServerConf{
			Host: defaultHost,
			Port: defaultPort,
		},
		Service: ServiceConf{
			PIDFile:       "logs/recurringd.pid",
			LogFile:       "logs/recurringd.log",
			LogMaxSizeMB:  10,
			LogMaxBackups: 5,
		},
	}

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, err
	}

	// Load sensitive data and overrides from environment variables
	if v := os.Getenv("IBKR_CONSUMER_KEY"); v != "" {
		cfg.Broker.ConsumerKey = v
	}
	if v := os.Getenv("IBKR_ACCESS_TOKEN"); v != "" {
		cfg.Broker.AccessToken = v
	}
	if v := os.Getenv("IBKR_ACCESS_TOKEN_SECRET"); v != "" {
		cfg.Broker.AccessTokenSecret = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.Broker.BaseURL == "" {
		cfg.Broker.BaseURL = liveBaseURL
	}
	if cfg.Broker.Realm == "" {
		if cfg.Environment == "paper" {
			cfg.Broker.Realm = paperRealm
		} else {
			cfg.Broker.Realm = liveRealm
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing or malformed required key by its YAML
// path. No defaults mask absent credentials.
func (c *Config) Validate() error {
	if c.Environment != "live" && c.Environment != "paper" {
		return fmt.Errorf("config key environment must be \"live\" or \"paper\", got %q", c.Environment)
	}

	required := []struct {
		key, val string
	}{
		{"broker.consumer_key", c.Broker.ConsumerKey},
		{"broker.access_token", c.Broker.AccessToken},
		{"broker.access_token_secret", c.Broker.AccessTokenSecret},
		{"broker.dh_prime", c.Broker.DHPrime},
		{"broker.signature_key_path", c.Broker.SignatureKeyPath},
		{"broker.encryption_key_path", c.Broker.EncryptionKeyPath},
		{"sheet.spreadsheet_url", c.Sheet.SpreadsheetURL},
		{"sheet.credentials_path", c.Sheet.CredentialsPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("missing required config key: %s", r.key)
		}
	}
	if bool(c.Notifier.Enabled) && strings.TrimSpace(c.Notifier.WebhookURL) == "" {
		return fmt.Errorf("missing required config key: notifier.webhook_url")
	}

	if _, _, err := c.FireTime(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// FireTime parses scheduler.fire_time into an hour and minute.
func (c *Config) FireTime() (hour, minute int, err error) {
	parts := strings.SplitN(c.Scheduler.FireTime, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config key scheduler.fire_time must be \"HH:MM\", got %q", c.Scheduler.FireTime)
	}
	hour, err = strconv.Atoi(parts[0])
	if err == nil && (hour < 0 || hour > 23) {
		err = fmt.Errorf("hour out of range")
	}
	if err != nil {
		return 0, 0, fmt.Errorf("config key scheduler.fire_time has invalid hour %q", parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err == nil && (minute < 0 || minute > 59) {
		err = fmt.Errorf("minute out of range")
	}
	if err != nil {
		return 0, 0, fmt.Errorf("config key scheduler.fire_time has invalid minute %q", parts[1])
	}
	return hour, minute, nil
}

// Location resolves the configured business timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config key scheduler.timezone is invalid: %w", err)
	}
	return loc, nil
}

// ListenAddr returns the host:port the local HTTP surface binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsPaper reports whether the paper trading environment is active.
func (c *Config) IsPaper() bool {
	return c.Environment == "paper"
}
