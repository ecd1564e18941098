// ============================================================================
// Config - 設定檔載入
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: 讀取 YAML 設定、套用預設值、.env 與環境變數覆寫
//
// 優先順序（高到低）:
//   1. 環境變數（ANALYSIS_BACKEND_URL, ANALYSIS_TOKEN, ANALYSIS_USER, ANALYSIS_TAB_ID, LOG_LEVEL）
//   2. .env 檔（session.env_files，不覆蓋已存在的環境變數）
//   3. YAML 設定檔
//   4. Default()
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 環境變數名稱
const (
	EnvBackendURL = "ANALYSIS_BACKEND_URL"
	EnvToken      = "ANALYSIS_TOKEN"
	EnvUser       = "ANALYSIS_USER"
	EnvTabID      = "ANALYSIS_TAB_ID"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config 完整設定
type Config struct {
	Backend struct {
		URL          string        `yaml:"url"`
		UnaryTimeout time.Duration `yaml:"unary_timeout"`
		StreamIdle   time.Duration `yaml:"stream_idle"`
	} `yaml:"backend"`

	Session struct {
		Token     string   `yaml:"token"`      // 直接指定（不建議寫在設定檔）
		TokenFile string   `yaml:"token_file"` // 每次請求重新讀取
		User      string   `yaml:"user"`
		EnvFiles  []string `yaml:"env_files"`
	} `yaml:"session"`

	Orchestrator struct {
		TabID            string        `yaml:"tab_id"`
		Tick             time.Duration `yaml:"tick"`
		Heartbeat        time.Duration `yaml:"heartbeat"`
		LeaseBeats       int           `yaml:"lease_beats"`
		PersistInterval  time.Duration `yaml:"persist_interval"`
		MaxComprehensive int           `yaml:"max_comprehensive"`
		MaxStreams       int           `yaml:"max_streams"`
		SaveHistory      bool          `yaml:"save_history"`
		MaxRetries       int           `yaml:"max_retries"`
	} `yaml:"orchestrator"`

	Store struct {
		Backend       string        `yaml:"backend"` // memory, file, sqlite
		Path          string        `yaml:"path"`
		Codec         string        `yaml:"codec"` // json, msgpack
		QuotaBytes    int           `yaml:"quota_bytes"`
		Recent        int           `yaml:"recent"`
		OrphanAge     time.Duration `yaml:"orphan_age"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		SweepSchedule string        `yaml:"sweep_schedule"` // cron 表示式，空字串停用
	} `yaml:"store"`

	Journal struct {
		Enabled        bool          `yaml:"enabled"`
		Path           string        `yaml:"path"`
		BufferSize     int           `yaml:"buffer_size"`
		FlushInterval  time.Duration `yaml:"flush_interval"`
		Sync           bool          `yaml:"sync"`
		RotateSchedule string        `yaml:"rotate_schedule"` // cron 表示式，空字串停用
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

var (
	// ErrInvalidConfig 設定值不合法
	ErrInvalidConfig = errors.New("invalid config")
)

// Default 預設設定
func Default() *Config {
	cfg := &Config{}
	cfg.Backend.URL = "http://localhost:8000"
	cfg.Backend.UnaryTimeout = 10 * time.Minute
	cfg.Backend.StreamIdle = 5 * time.Minute

	cfg.Session.EnvFiles = []string{".env"}

	cfg.Orchestrator.Tick = 50 * time.Millisecond
	cfg.Orchestrator.Heartbeat = 2 * time.Second
	cfg.Orchestrator.LeaseBeats = 3
	cfg.Orchestrator.PersistInterval = 100 * time.Millisecond
	cfg.Orchestrator.MaxComprehensive = 10
	cfg.Orchestrator.MaxStreams = 4
	cfg.Orchestrator.MaxRetries = 2

	cfg.Store.Backend = "file"
	cfg.Store.Path = "data/store"
	cfg.Store.Codec = "json"
	cfg.Store.Recent = 10
	cfg.Store.OrphanAge = 2 * time.Hour
	cfg.Store.PollInterval = 200 * time.Millisecond
	cfg.Store.SweepSchedule = "@every 10m"

	cfg.Journal.Path = "data/journal/events.jsonl"
	cfg.Journal.BufferSize = 256
	cfg.Journal.FlushInterval = time.Second
	cfg.Journal.RotateSchedule = "@daily"

	cfg.Metrics.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.HTTP.Addr = ":8080"
	cfg.Log.Level = "info"
	return cfg
}

// Load 讀取設定檔；path 為空字串或檔案不存在時使用預設值
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := loadEnvFiles(cfg.Session.EnvFiles); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles 載入 .env，不存在的檔案略過
func loadEnvFiles(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Session.Token = v
	}
	if v := os.Getenv(EnvUser); v != "" {
		c.Session.User = v
	}
	if v := os.Getenv(EnvTabID); v != "" {
		c.Orchestrator.TabID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	switch c.Store.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, file, sqlite", c.Store.Backend))
	}
	switch strings.ToLower(c.Store.Codec) {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("store.codec %q is not one of json, msgpack", c.Store.Codec))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	if c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
