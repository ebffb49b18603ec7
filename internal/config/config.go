package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config represents ~/.inbox/config.toml. Every key can be overridden by an
// INBOX_* environment variable.
type Config struct {
	DefaultProfile    string   `toml:"default_profile" envconfig:"DEFAULT_PROFILE"`
	APIBaseURL        string   `toml:"api_base_url" envconfig:"API_BASE_URL"`
	SocketURL         string   `toml:"socket_url" envconfig:"SOCKET_URL"`
	Token             string   `toml:"token,omitempty" envconfig:"TOKEN"`
	TokenSecret       string   `toml:"token_secret,omitempty" envconfig:"TOKEN_SECRET"`
	RequestTimeout    Duration `toml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxRetries        int      `toml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBaseDelay    Duration `toml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
	RequestsPerSecond float64  `toml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	TypingIdle        Duration `toml:"typing_idle" envconfig:"TYPING_IDLE"`
	TypingExpiry      Duration `toml:"typing_expiry" envconfig:"TYPING_EXPIRY"`
	PresenceTimeout   Duration `toml:"presence_timeout" envconfig:"PRESENCE_TIMEOUT"`
	ReconnectDelay    Duration `toml:"reconnect_delay" envconfig:"RECONNECT_DELAY"`
	LogLevel          string   `toml:"log_level" envconfig:"LOG_LEVEL"`
}

// Duration is a time.Duration written as "1500ms" in TOML and env vars.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DefaultProfile:    "main",
		RequestTimeout:    Duration{15 * time.Second},
		MaxRetries:        3,
		RetryBaseDelay:    Duration{500 * time.Millisecond},
		RequestsPerSecond: 10,
		TypingIdle:        Duration{3 * time.Second},
		TypingExpiry:      Duration{4 * time.Second},
		PresenceTimeout:   Duration{10 * time.Second},
		ReconnectDelay:    Duration{time.Second},
		LogLevel:          "info",
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the config file
// if present, then variables from envFile (if present) and the environment.
func Resolve(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process("inbox", cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the client cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	}
	if c.SocketURL == "" {
		errs = append(errs, errors.New("socket_url is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
