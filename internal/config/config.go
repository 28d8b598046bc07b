// Package config loads the server configuration: built-in defaults, then an
// optional YAML file, then environment variables, which always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	Address  AddressConfig  `yaml:"address"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen" env:"SMTP_LISTEN"`
	Hostname       string        `yaml:"hostname" env:"SMTP_HOSTNAME"`
	Banner         string        `yaml:"banner" env:"SMTP_BANNER"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"SMTP_IDLE_TIMEOUT"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"SMTP_MAX_MESSAGE_SIZE"`
	MaxRecipients  int           `yaml:"max_recipients" env:"SMTP_MAX_RECIPIENTS"`
}

// AddressConfig holds the envelope address format.
type AddressConfig struct {
	Separator string `yaml:"separator" env:"ADDRESS_SEPARATOR"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER"` // sqlite3 or pgx
	DSN    string `yaml:"dsn" env:"DATABASE_URL"`
}

// StorageConfig holds filesystem locations.
type StorageConfig struct {
	Maildir     string `yaml:"maildir" env:"MAILDIR_ROOT"`
	Attachments string `yaml:"attachments" env:"ATTACHMENT_DIR"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // "json" or "text"
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first if present.
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables always override YAML values
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.Banner = "Ripple mail"
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.Address.Separator = "~"
	c.Database.Driver = "sqlite3"
	c.Database.DSN = "./data/ripple.db"
	c.Storage.Maildir = "./storage/maildir"
	c.Storage.Attachments = "./storage/attachments"
	c.Logging.Level = "info"
	c.Logging.Format = "text"
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch sep := c.Address.Separator; {
	case sep == "":
		errs = append(errs, errors.New("address.separator must not be empty"))
	case strings.ContainsAny(sep, " \t\r\n<>"):
		errs = append(errs, fmt.Errorf("address.separator %q must not contain whitespace or angle brackets", sep))
	}

	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported (sqlite3 or pgx)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn must be set"))
	}

	if c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen must be set"))
	}
	if c.SMTP.IdleTimeout <= 0 {
		errs = append(errs, errors.New("smtp.idle_timeout must be positive"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size must be positive"))
	}
	if c.SMTP.MaxRecipients <= 0 {
		errs = append(errs, errors.New("smtp.max_recipients must be positive"))
	}

	if c.Storage.Maildir == "" {
		errs = append(errs, errors.New("storage.maildir must be set"))
	}
	if c.Storage.Attachments == "" {
		errs = append(errs, errors.New("storage.attachments must be set"))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
