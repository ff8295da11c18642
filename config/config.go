package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for poold.
type Config struct {
	ListenAddress    string    `yaml:"listen"`
	Environment      string    `yaml:"env"`
	DataDir          string    `yaml:"data_dir"`
	LogFile          string    `yaml:"log_file"`
	AuditDSN         string    `yaml:"audit_dsn"`
	PoolFile         string    `yaml:"pool"`
	RiskScoreFile    string    `yaml:"risk_scores"`
	SnapshotInterval Duration  `yaml:"snapshot_interval"`
	ShutdownGrace    Duration  `yaml:"shutdown_grace"`
	API              APIConfig `yaml:"api"`
}

// APIConfig captures security and throttling settings for the HTTP API.
type APIConfig struct {
	BearerToken     string  `yaml:"bearer_token"`
	BearerTokenFile string  `yaml:"bearer_token_file"`
	RateLimit       float64 `yaml:"rate_limit"`
	RateBurst       int     `yaml:"rate_burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.API.normalise(); err != nil {
		return cfg, fmt.Errorf("api security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7210"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.AuditDSN == "" {
		cfg.AuditDSN = "file:audit.db"
	}
	if cfg.SnapshotInterval.Duration == 0 {
		cfg.SnapshotInterval.Duration = time.Minute
	}
	if cfg.ShutdownGrace.Duration == 0 {
		cfg.ShutdownGrace.Duration = 10 * time.Second
	}
	if cfg.API.RateLimit <= 0 {
		cfg.API.RateLimit = 25
	}
	if cfg.API.RateBurst <= 0 {
		cfg.API.RateBurst = 50
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.PoolFile) == "" {
		return fmt.Errorf("pool definition file must be configured")
	}
	if strings.TrimSpace(cfg.RiskScoreFile) == "" {
		return fmt.Errorf("risk score file must be configured")
	}
	if strings.TrimSpace(cfg.API.BearerToken) == "" {
		return fmt.Errorf("bearer_token must be configured for API authentication")
	}
	return nil
}

func (a *APIConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("api configuration missing")
	}
	a.BearerToken = strings.TrimSpace(a.BearerToken)
	if a.BearerToken == "" && a.BearerTokenFile != "" {
		raw, err := os.ReadFile(a.BearerTokenFile)
		if err != nil {
			return fmt.Errorf("read bearer token file: %w", err)
		}
		a.BearerToken = strings.TrimSpace(string(raw))
	}
	return nil
}
