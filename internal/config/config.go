package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the poolwarden engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Packs   PacksConfig   `yaml:"packs"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// ServerConfig controls the HTTP admin listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig controls the embedded persistence gateway.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"inMemory"`
}

// PacksConfig points at the YAML pack defining patterns, rules and actions.
type PacksConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig holds the hot-reloadable engine tuning knobs.
type MonitorConfig struct {
	SamplingInterval        time.Duration `yaml:"samplingInterval"`
	DiagnosticInterval      time.Duration `yaml:"diagnosticInterval"`
	AnomalyInterval         time.Duration `yaml:"anomalyInterval"`
	AlertSweepInterval      time.Duration `yaml:"alertSweepInterval"`
	BreakerSweepInterval    time.Duration `yaml:"breakerSweepInterval"`
	RetentionHorizon        time.Duration `yaml:"retentionHorizon"`
	MaxConcurrentRecoveries int           `yaml:"maxConcurrentRecoveries"`
	DefaultCooldown         time.Duration `yaml:"defaultCooldown"`
	RollbackEnabled         bool          `yaml:"rollbackEnabled"`
	AlertConfidence         float64       `yaml:"alertConfidence"`
	AnomalyConfidenceFloor  float64       `yaml:"anomalyConfidenceFloor"`
	BreakerTimeout          time.Duration `yaml:"breakerTimeout"`
	BreakerFailureThreshold int           `yaml:"breakerFailureThreshold"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("POOLWARDEN_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8087",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Storage: StorageConfig{Path: "data/poolwarden"},
		Packs:   PacksConfig{Path: "configs/packs/default.yaml"},
		Monitor: MonitorConfig{
			SamplingInterval:        15 * time.Second,
			DiagnosticInterval:      30 * time.Second,
			AnomalyInterval:         time.Minute,
			AlertSweepInterval:      5 * time.Minute,
			BreakerSweepInterval:    10 * time.Second,
			RetentionHorizon:        24 * time.Hour,
			MaxConcurrentRecoveries: 3,
			DefaultCooldown:         5 * time.Minute,
			RollbackEnabled:         true,
			AlertConfidence:         70,
			AnomalyConfidenceFloor:  0.7,
			BreakerTimeout:          60 * time.Second,
			BreakerFailureThreshold: 5,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POOLWARDEN_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("POOLWARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("POOLWARDEN_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("POOLWARDEN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("POOLWARDEN_PACKS_PATH"); v != "" {
		cfg.Packs.Path = v
	}
	if v := os.Getenv("POOLWARDEN_SAMPLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.SamplingInterval = d
		}
	}
	if v := os.Getenv("POOLWARDEN_DIAGNOSTIC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.DiagnosticInterval = d
		}
	}
	if v := os.Getenv("POOLWARDEN_RETENTION_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.RetentionHorizon = d
		}
	}
	if v := os.Getenv("POOLWARDEN_MAX_CONCURRENT_RECOVERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Monitor.MaxConcurrentRecoveries = n
		}
	}
	if v := os.Getenv("POOLWARDEN_DEFAULT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.DefaultCooldown = d
		}
	}
	if v := os.Getenv("POOLWARDEN_ALERT_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.AlertConfidence = f
		}
	}
	if v := os.Getenv("POOLWARDEN_ANOMALY_CONFIDENCE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.AnomalyConfidenceFloor = f
		}
	}
	if v := os.Getenv("POOLWARDEN_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.BreakerTimeout = d
		}
	}
	if v := os.Getenv("POOLWARDEN_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Monitor.BreakerFailureThreshold = n
		}
	}
}
