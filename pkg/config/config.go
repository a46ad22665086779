package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the weft engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Nats      NatsConfig      `yaml:"nats"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Planner   PlannerConfig   `yaml:"planner"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Memory    MemoryConfig    `yaml:"memory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite", "postgres"
	Path string `yaml:"path"` // For SQLite
	DSN  string `yaml:"dsn"`  // For Postgres
}

// RedisConfig configures the ephemeral worker -> memory-id index. The index
// is an optimization; the engine runs without it.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// NatsConfig configures engine event publication.
type NatsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MatcherConfig holds the scoring weights for worker selection. The weights
// are configuration, not invariants; they must sum to 1.
type MatcherConfig struct {
	SpecializationWeight float64 `yaml:"specialization_weight"`
	ExperienceWeight     float64 `yaml:"experience_weight"`
	PerformanceWeight    float64 `yaml:"performance_weight"`
	// ExperienceLimit caps how many memories the experience score samples.
	ExperienceLimit int `yaml:"experience_limit"`
}

// PlannerConfig holds the complexity thresholds that decide when a work item
// is decomposed instead of matched directly.
type PlannerConfig struct {
	BodyLengthThreshold int      `yaml:"body_length_threshold"`
	TopicThreshold      int      `yaml:"topic_threshold"`
	Phases              []string `yaml:"phases"`
}

// RetrievalConfig tunes memory retrieval.
type RetrievalConfig struct {
	DefaultLimit int `yaml:"default_limit"`
}

// MemoryConfig tunes the memory store.
type MemoryConfig struct {
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// HotReloadConfig enables re-reading matcher weights and planner thresholds
// when the config file changes on disk.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "weft.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Nats: NatsConfig{
			URL:        "nats://localhost:4222",
			StreamName: "WEFT",
			Timeout:    10 * time.Second,
		},
		Matcher: MatcherConfig{
			SpecializationWeight: 0.40,
			ExperienceWeight:     0.30,
			PerformanceWeight:    0.30,
			ExperienceLimit:      5,
		},
		Planner: PlannerConfig{
			BodyLengthThreshold: 2000,
			TopicThreshold:      4,
			Phases:              []string{"analyze", "design", "implement", "verify", "finalize"},
		},
		Retrieval: RetrievalConfig{
			DefaultLimit: 10,
		},
		Memory: MemoryConfig{
			PruneInterval: time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "weft",
		},
	}
}

// LoadConfigFromFile loads YAML configuration, layering file values over
// defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	m := c.Matcher
	sum := m.SpecializationWeight + m.ExperienceWeight + m.PerformanceWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("matcher weights must sum to 1.0, got %.3f", sum)
	}
	if m.SpecializationWeight < 0 || m.ExperienceWeight < 0 || m.PerformanceWeight < 0 {
		return fmt.Errorf("matcher weights must be non-negative")
	}
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if len(c.Planner.Phases) == 0 {
		return fmt.Errorf("planner requires at least one phase")
	}
	return nil
}

// ApplyEnvOverrides lets deployment environments override the endpoints
// without editing the config file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WEFT_DATABASE_DSN"); v != "" {
		c.Database.Type = "postgres"
		c.Database.DSN = v
	}
	if v := os.Getenv("WEFT_REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("WEFT_NATS_URL"); v != "" {
		c.Nats.Enabled = true
		c.Nats.URL = v
	}
	if v := os.Getenv("WEFT_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.OTLPEndpoint = v
	}
}
