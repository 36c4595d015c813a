package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr  string              `json:"listen_addr" yaml:"listen_addr"`
	Database    DatabaseConfig      `json:"database" yaml:"database"`
	Auth        AuthConfig          `json:"auth" yaml:"auth"`
	Security    SecurityConfig      `json:"security" yaml:"security"`
	OpenRouter  OpenRouterConfig    `json:"openrouter" yaml:"openrouter"`
	Bench       BenchConfig         `json:"bench" yaml:"bench"`
	Definitions DefinitionsConfig   `json:"definitions" yaml:"definitions"`
	Storage     StorageConfig       `json:"storage" yaml:"storage"`
	Observer    ObservabilityConfig `json:"observability" yaml:"observability"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type OpenRouterConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Referer    string `json:"referer" yaml:"referer"`
	AppName    string `json:"app_name" yaml:"app_name"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
	RetryDelay int    `json:"retry_delay_sec" yaml:"retry_delay_sec"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

type BenchConfig struct {
	ConcurrencyLimit int    `json:"concurrency_limit" yaml:"concurrency_limit"`
	RunTimeoutSec    int    `json:"run_timeout_sec" yaml:"run_timeout_sec"`
	MaxIterations    int    `json:"max_iterations" yaml:"max_iterations"`
	ClassifierModel  string `json:"classifier_model" yaml:"classifier_model"`
	DefaultModel     string `json:"default_model" yaml:"default_model"`
}

type DefinitionsConfig struct {
	CapabilitiesPath string `json:"capabilities_path" yaml:"capabilities_path"`
	ParadoxesPath    string `json:"paradoxes_path" yaml:"paradoxes_path"`
}

type StorageConfig struct {
	ResultsDir string `json:"results_dir" yaml:"results_dir"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "arena_session",
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:    "https://openrouter.ai/api/v1",
			AppName:    "Strength Arena",
			MaxRetries: 5,
			RetryDelay: 2,
			TimeoutSec: 120,
		},
		Bench: BenchConfig{
			ConcurrencyLimit: 2,
			RunTimeoutSec:    300,
			MaxIterations:    20,
			ClassifierModel:  "openai/gpt-4o-mini",
		},
		Storage: StorageConfig{
			ResultsDir: "./results",
		},
		Observer: ObservabilityConfig{
			ServiceName: "arena-api",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		normalizeConfig(&cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "arena_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if strings.TrimSpace(cfg.OpenRouter.APIKey) == "" {
		cfg.OpenRouter.APIKey = strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	}
	if strings.TrimSpace(cfg.OpenRouter.BaseURL) == "" {
		cfg.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.OpenRouter.MaxRetries <= 0 {
		cfg.OpenRouter.MaxRetries = 5
	}
	if cfg.OpenRouter.RetryDelay <= 0 {
		cfg.OpenRouter.RetryDelay = 2
	}
	if cfg.OpenRouter.TimeoutSec <= 0 {
		cfg.OpenRouter.TimeoutSec = 120
	}
	if cfg.Bench.ConcurrencyLimit <= 0 {
		cfg.Bench.ConcurrencyLimit = 2
	}
	if cfg.Bench.RunTimeoutSec <= 0 {
		cfg.Bench.RunTimeoutSec = 300
	}
	if cfg.Bench.MaxIterations <= 0 {
		cfg.Bench.MaxIterations = 20
	}
	if strings.TrimSpace(cfg.Storage.ResultsDir) == "" {
		cfg.Storage.ResultsDir = "./results"
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "arena-api"
	}
}
