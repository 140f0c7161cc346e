// Package config assembles runtime configuration from MEMPROBE_* environment
// variables, optionally loading a .env file first. Directory defaults resolve
// against XDG paths.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Eval      EvalConfig
	Index     IndexConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host     string `env:"MEMPROBE_SERVER_HOST" envDefault:"127.0.0.1"`
	Port     int    `env:"MEMPROBE_SERVER_PORT" envDefault:"4600"`
	MaxConns int    `env:"MEMPROBE_SERVER_MAX_CONNS" envDefault:"64"`
}

type StorageConfig struct {
	DataDir      string `env:"MEMPROBE_DATA_DIR"`
	ResultsDir   string `env:"MEMPROBE_RESULTS_DIR"`
	ScenariosDir string `env:"MEMPROBE_SCENARIOS_DIR"`
}

type RetrievalConfig struct {
	// Backend selects the ranker: "lexical" or "vector".
	Backend  string  `env:"MEMPROBE_RETRIEVAL_BACKEND" envDefault:"lexical"`
	TopK     int     `env:"MEMPROBE_RETRIEVAL_TOP_K" envDefault:"5"`
	MinScore float64 `env:"MEMPROBE_RETRIEVAL_MIN_SCORE" envDefault:"0"`
}

type EvalConfig struct {
	Concurrency  int           `env:"MEMPROBE_EVAL_CONCURRENCY" envDefault:"4"`
	QueryTimeout time.Duration `env:"MEMPROBE_EVAL_QUERY_TIMEOUT" envDefault:"10s"`
	SampleLimit  int           `env:"MEMPROBE_EVAL_SAMPLE_LIMIT" envDefault:"2"`
	Screening    bool          `env:"MEMPROBE_EVAL_SCREENING" envDefault:"false"`
}

type IndexConfig struct {
	PollInterval time.Duration `env:"MEMPROBE_INDEX_POLL_INTERVAL" envDefault:"500ms"`
	Compress     bool          `env:"MEMPROBE_INDEX_COMPRESS" envDefault:"false"`
}

type LogConfig struct {
	Level string `env:"MEMPROBE_LOG_LEVEL" envDefault:"info"`
}

// Load parses MEMPROBE_* variables after reading any .env file, then
// resolves directory defaults. A missing .env is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read .env file", "error", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if cfg.Storage.ResultsDir == "" {
		cfg.Storage.ResultsDir = filepath.Join(cfg.Storage.DataDir, "results")
	}
	if cfg.Storage.ScenariosDir == "" {
		cfg.Storage.ScenariosDir = filepath.Join(cfg.Storage.DataDir, "scenarios")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Retrieval.Backend {
	case "lexical", "vector":
	default:
		return fmt.Errorf("invalid retrieval backend %q (want lexical or vector)", c.Retrieval.Backend)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "memprobe-data"
		}
	}
	return filepath.Join(dir, "memprobe")
}
