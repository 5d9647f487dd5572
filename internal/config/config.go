package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

// Defaults filled in by Resolve.
const (
	DefaultTransportURL   = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix  = "im"
	DefaultRequestTimeout = 5 * time.Second
)

// MetricsOff disables the metrics listener even when a lower layer set one.
const MetricsOff = "off"

// Config represents the global ~/.imcore/config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile"`
	Account        AccountConfig   `toml:"account"`
	Transport      TransportConfig `toml:"transport"`
	Metrics        MetricsConfig   `toml:"metrics"`
}

// AccountConfig names the local account.
type AccountConfig struct {
	ID string `toml:"id" env:"IMCORE_ACCOUNT"`
}

// TransportConfig points at the messaging backend.
type TransportConfig struct {
	URL            string        `toml:"url" env:"IMCORE_TRANSPORT_URL"`
	Name           string        `toml:"name" env:"IMCORE_TRANSPORT_NAME"`
	SubjectPrefix  string        `toml:"subject_prefix" env:"IMCORE_SUBJECT_PREFIX"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"IMCORE_REQUEST_TIMEOUT"`
}

// MetricsConfig controls the Prometheus listener. Metrics are opt-in: an
// empty Addr or "off" disables them. The file is shared by every profile, so
// concurrent daemons need distinct addresses via env or --metrics-addr.
type MetricsConfig struct {
	Addr string `toml:"addr" env:"IMCORE_METRICS_ADDR"`
}

// Enabled reports whether a metrics listener should be opened.
func (m MetricsConfig) Enabled() bool {
	return m.Addr != "" && !strings.EqualFold(m.Addr, MetricsOff)
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve loads path if it exists, overlays IMCORE_* environment variables
// and fills defaults for anything still unset.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.URL == "" {
		c.Transport.URL = DefaultTransportURL
	}
	if c.Transport.SubjectPrefix == "" {
		c.Transport.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Transport.RequestTimeout <= 0 {
		c.Transport.RequestTimeout = DefaultRequestTimeout
	}
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
