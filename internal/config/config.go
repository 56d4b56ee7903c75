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

// Config captures the settings required to boot the insights service and CLI.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Profiler     ProfilerConfig     `yaml:"profiler"`
	Churn        ChurnConfig        `yaml:"churn"`
	Value        ValueConfig        `yaml:"value"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Cache        CacheConfig        `yaml:"cache"`
	Sessions     SessionsConfig     `yaml:"sessions"`
}

// ServerConfig controls the gRPC listener and the HTTP ops endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	AnalysisTimeout time.Duration `yaml:"analysisTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ProfilerConfig controls schema profiling.
type ProfilerConfig struct {
	SampleSize  int    `yaml:"sampleSize"`
	AliasesPath string `yaml:"aliasesPath"`
}

// ChurnConfig holds boosting hyperparameters.
type ChurnConfig struct {
	Trees          int     `yaml:"trees"`
	MaxDepth       int     `yaml:"maxDepth"`
	LearningRate   float64 `yaml:"learningRate"`
	Lambda         float64 `yaml:"lambda"`
	MinChildWeight float64 `yaml:"minChildWeight"`
	BalanceClasses bool    `yaml:"balanceClasses"`
	TopK           int     `yaml:"topK"`
}

// ValueConfig holds the customer value regressor's hyperparameters.
type ValueConfig struct {
	Trees        int     `yaml:"trees"`
	MaxDepth     int     `yaml:"maxDepth"`
	LearningRate float64 `yaml:"learningRate"`
}

// SegmentationConfig controls clustering and rule extraction.
type SegmentationConfig struct {
	Seed            int64   `yaml:"seed"`
	NInit           int     `yaml:"nInit"`
	MaxIter         int     `yaml:"maxIter"`
	MaxK            int     `yaml:"maxK"`
	KTolerance      float64 `yaml:"kTolerance"`
	RuleDepth       int     `yaml:"ruleDepth"`
	PurityThreshold float64 `yaml:"purityThreshold"`
	PersonasPath    string  `yaml:"personasPath"`
}

// ArtifactsConfig controls the SQLite artifact store.
type ArtifactsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CacheConfig controls Redis-backed caching of artifact reads.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	ArtifactTTL time.Duration `yaml:"artifactTTL"`
}

// SessionsConfig controls the in-memory session registry.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweepSchedule"`
	MaxSessions   int           `yaml:"maxSessions"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_INSIGHTS_CONFIG")
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
			Address:         ":50061",
			HTTPAddress:     ":2113",
			GracefulTimeout: 10 * time.Second,
			AnalysisTimeout: 2 * time.Minute,
			MaxUploadBytes:  32 << 20,
		},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Profiler: ProfilerConfig{SampleSize: 500},
		Churn: ChurnConfig{
			Trees:          100,
			MaxDepth:       3,
			LearningRate:   0.1,
			Lambda:         1,
			MinChildWeight: 1,
			BalanceClasses: true,
			TopK:           5,
		},
		Value: ValueConfig{
			Trees:        50,
			MaxDepth:     3,
			LearningRate: 0.3,
		},
		Segmentation: SegmentationConfig{
			Seed:            42,
			NInit:           10,
			MaxIter:         300,
			MaxK:            6,
			KTolerance:      0.02,
			RuleDepth:       3,
			PurityThreshold: 0.8,
		},
		Artifacts: ArtifactsConfig{Enabled: false, Path: "data/artifacts.db"},
		Cache:     CacheConfig{Enabled: false, ArtifactTTL: 10 * time.Minute},
		Sessions: SessionsConfig{
			TTL:           30 * time.Minute,
			SweepSchedule: "*/5 * * * *",
			MaxSessions:   64,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_INSIGHTS_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_ANALYSIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.AnalysisTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_ALIASES_PATH"); v != "" {
		cfg.Profiler.AliasesPath = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Profiler.SampleSize = n
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_CHURN_TREES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Churn.Trees = n
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_VALUE_TREES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Value.Trees = n
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_SEGMENT_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Segmentation.Seed = n
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_PURITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Segmentation.PurityThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_PERSONAS_PATH"); v != "" {
		cfg.Segmentation.PersonasPath = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_ARTIFACTS_ENABLED"); v != "" {
		cfg.Artifacts.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_ARTIFACTS_PATH"); v != "" {
		cfg.Artifacts.Path = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_CACHE_URL"); v != "" {
		cfg.Cache.URL = v
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_CACHE_ARTIFACT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ArtifactTTL = d
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.TTL = d
		}
	}
	if v := os.Getenv("MIRADOR_INSIGHTS_SWEEP_SCHEDULE"); v != "" {
		cfg.Sessions.SweepSchedule = v
	}
}
