package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Pool      PoolConfig
	Synthesis SynthesisConfig
	Graph     GraphConfig
	Working   WorkingConfig
	Recall    RecallConfig
}

type ServerConfig struct {
	HTTPPort int
	// APIToken, when set, must be presented as a bearer token on /v1 routes.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type PoolConfig struct {
	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int
	IdleTimeoutMS int
}

type SynthesisConfig struct {
	Preset              string
	SimilarityThreshold float64
	MaxResults          int
}

type GraphConfig struct {
	SimilarityThreshold float64
	MaxSimilarEdges     int
}

type WorkingConfig struct {
	Enabled  bool
	Capacity int
}

type RecallConfig struct {
	MaxTopicRecall    int
	MaxContextAgeDays int
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{HTTPPort: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Pool: PoolConfig{
			MinWorkers:    2,
			MaxWorkers:    8,
			QueueCapacity: 100,
			IdleTimeoutMS: 30000,
		},
		Synthesis: SynthesisConfig{
			Preset:              "comprehensive",
			SimilarityThreshold: 0.3,
			MaxResults:          20,
		},
		Graph: GraphConfig{
			SimilarityThreshold: 0.5,
			MaxSimilarEdges:     5,
		},
		Working: WorkingConfig{Enabled: true, Capacity: 7},
		Recall: RecallConfig{
			MaxTopicRecall:    100,
			MaxContextAgeDays: 7,
		},
	}
}

// Load reads configuration from the YAML file at FilePath, then applies
// KATRA_* environment variable overrides.
func Load() (Config, error) {
	return loadFromPath(FilePath())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the engine cannot start with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Pool.MinWorkers < 0 {
		problems = append(problems, "pool.min_workers must not be negative")
	}
	if c.Pool.MaxWorkers > 0 && c.Pool.MinWorkers > c.Pool.MaxWorkers {
		problems = append(problems, fmt.Sprintf("pool.min_workers %d exceeds pool.max_workers %d", c.Pool.MinWorkers, c.Pool.MaxWorkers))
	}
	if c.Synthesis.SimilarityThreshold < 0 || c.Synthesis.SimilarityThreshold > 1 {
		problems = append(problems, "synthesis.similarity_threshold must be within [0,1]")
	}
	if c.Graph.SimilarityThreshold < 0 || c.Graph.SimilarityThreshold > 1 {
		problems = append(problems, "graph.similarity_threshold must be within [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IdleTimeout returns the pool idle timeout as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Pool.IdleTimeoutMS) * time.Millisecond
}

// MaxContextAge returns how far back keyword recall looks.
func (c Config) MaxContextAge() time.Duration {
	return time.Duration(c.Recall.MaxContextAgeDays) * 24 * time.Hour
}

// SlogLevel maps log.level to a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
