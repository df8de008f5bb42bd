package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the incident engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Clients     ClientsConfig     `yaml:"clients"`
	Store       StoreConfig       `yaml:"store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Impact      ImpactConfig      `yaml:"impact"`
	Rules       RulesConfig       `yaml:"rules"`
	Logging     LoggingConfig     `yaml:"logging"`
	Cache       CacheConfig       `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups observability collaborator integrations.
type ClientsConfig struct {
	Observe ObserveClientConfig `yaml:"observe"`
}

// ObserveClientConfig configures access to the metrics/dependency-graph backend.
type ObserveClientConfig struct {
	BaseURL          string        `yaml:"baseURL"`
	SLOValuePath     string        `yaml:"sloValuePath"`
	ServiceGraphPath string        `yaml:"serviceGraphPath"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StoreConfig controls the SQLite aggregate store.
type StoreConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busyTimeoutMs"`
}

// IngestConfig bounds signal admission.
type IngestConfig struct {
	MaxFutureSkew   time.Duration `yaml:"maxFutureSkew"`
	RetentionWindow time.Duration `yaml:"retentionWindow"`
}

// CorrelationConfig tunes clustering and scoring.
type CorrelationConfig struct {
	WindowLead        time.Duration `yaml:"windowLead"`
	ClusterGap        time.Duration `yaml:"clusterGap"`
	SingleSignalFloor float64       `yaml:"singleSignalFloor"`
	TieBand           float64       `yaml:"tieBand"`
	AcceptThreshold   float64       `yaml:"acceptThreshold"`
}

// LifecycleConfig tunes state machine behaviour.
type LifecycleConfig struct {
	ReopenCoolDown time.Duration `yaml:"reopenCoolDown"`
}

// Breach magnitude formulas for SLO evaluation.
const (
	// BreachFormulaPoints reports target minus actual in percentage points.
	BreachFormulaPoints = "points"
	// BreachFormulaRatio reports the shortfall as a fraction of the target.
	BreachFormulaRatio = "ratio"
)

// ImpactConfig configures business-impact estimation.
type ImpactConfig struct {
	// SeverityWeights are per-service revenue weights for the
	// revenue-at-risk estimate. Missing services use DefaultWeight.
	SeverityWeights map[string]float64 `yaml:"severityWeights"`
	DefaultWeight   float64            `yaml:"defaultWeight"`
	UsersPerService map[string]int64   `yaml:"usersPerService"`
	// BreachFormula selects how breach magnitude is reported, either
	// "points" or "ratio".
	BreachFormula string `yaml:"breachFormula"`
}

// RulesConfig points at the operator-authored recommendation rules.
// An empty path selects the built-in rule set.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of collaborator lookups.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	MaxRetries      int           `yaml:"maxRetries"`
	TLS             bool          `yaml:"tls"`
	ServiceGraphTTL time.Duration `yaml:"serviceGraphTTL"`
	SLOValueTTL     time.Duration `yaml:"sloValueTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("INCIDENT_ENGINE_CONFIG")
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
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Observe: ObserveClientConfig{
				SLOValuePath:     "/api/v1/slo/value",
				ServiceGraphPath: "/api/v1/service-graph",
				Timeout:          5 * time.Second,
			},
		},
		Store: StoreConfig{
			Path:        "incident-engine.db",
			BusyTimeout: 5000,
		},
		Ingest: IngestConfig{
			MaxFutureSkew:   5 * time.Minute,
			RetentionWindow: time.Hour,
		},
		Correlation: CorrelationConfig{
			WindowLead:        5 * time.Minute,
			ClusterGap:        30 * time.Second,
			SingleSignalFloor: 0.9,
			TieBand:           0.05,
			AcceptThreshold:   0.5,
		},
		Lifecycle: LifecycleConfig{
			ReopenCoolDown: 30 * time.Minute,
		},
		Impact: ImpactConfig{
			DefaultWeight: 1.0,
			BreachFormula: BreachFormulaPoints,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:         false,
			ServiceGraphTTL: 5 * time.Minute,
			SLOValueTTL:     time.Minute,
			DialTimeout:     2 * time.Second,
			ReadTimeout:     500 * time.Millisecond,
			WriteTimeout:    500 * time.Millisecond,
			MaxRetries:      2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INCIDENT_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_OBSERVE_BASE_URL"); v != "" {
		cfg.Clients.Observe.BaseURL = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_OBSERVE_SLO_VALUE_PATH"); v != "" {
		cfg.Clients.Observe.SLOValuePath = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_OBSERVE_SERVICE_GRAPH_PATH"); v != "" {
		cfg.Clients.Observe.ServiceGraphPath = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("INCIDENT_ENGINE_MAX_FUTURE_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.MaxFutureSkew = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_RETENTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.RetentionWindow = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_CLUSTER_GAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.ClusterGap = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_REOPEN_COOL_DOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.ReopenCoolDown = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("INCIDENT_ENGINE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
}
