// Package config provides hierarchical configuration loading for querytune.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import "time"

// Config holds all runtime configuration for one invocation.
type Config struct {
	Run       Run       `yaml:"run"`
	Judge     Judge     `yaml:"judge"`
	Generator Generator `yaml:"generator"`
	Agent     Agent     `yaml:"agent"`
	Store     Store     `yaml:"store"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Run holds the optimization loop settings.
type Run struct {
	TrainPath      string        `yaml:"train_path"`
	HeldOutPath    string        `yaml:"held_out_path"`
	ConfigPath     string        `yaml:"config_path"` // starting agent configuration (YAML or JSON)
	MaxIterations  int           `yaml:"max_iterations"`
	Repeats        int           `yaml:"repeat_count"`
	Workers        int           `yaml:"workers"`
	TargetAccuracy float64       `yaml:"target_accuracy"`
	Temperature    float64       `yaml:"temperature"`
	Seed           *int64        `yaml:"seed"`
	TopN           int           `yaml:"top_n"`
	SummaryChars   int           `yaml:"summary_chars"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	OverfitWindow  int           `yaml:"overfit_window"`
	AnalyzeFields  bool          `yaml:"analyze_fields"`
	Mode           string        `yaml:"mode"`         // "automatic" | "interactive"
	MinPriority    string        `yaml:"min_priority"` // "low" | "medium" | "high"
	OutputDir      string        `yaml:"output_dir"`
}

// Judge holds equivalence judge settings.
type Judge struct {
	Mode           string        `yaml:"mode"` // "binary" | "flexible"
	ScoreThreshold float64       `yaml:"score_threshold"`
	AlwaysScore    bool          `yaml:"always_score"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	CacheEntries   int64         `yaml:"cache_entries"`
}

// Generator holds the generative backend used by the judge and optimizer.
type Generator struct {
	Backend           string        `yaml:"backend"` // "openai" | "grpc"
	Model             string        `yaml:"model"`
	OptimizerModel    string        `yaml:"optimizer_model"` // defaults to Model
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Addr              string        `yaml:"addr"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// Agent identifies the query agent runtime.
type Agent struct {
	Addr    string `yaml:"addr"`
	AgentID string `yaml:"agent_id"`
	Name    string `yaml:"name"`
}

// Store holds the SQLite database path.
type Store struct {
	Path string `yaml:"path"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // "text" | "json"
	Service string `yaml:"service"`
}

// Telemetry holds metrics and tracing configuration.
type Telemetry struct {
	MetricsAddr   string `yaml:"metrics_addr"`   // empty disables /metrics
	TraceExporter string `yaml:"trace_exporter"` // "none" | "stdout"
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Run: Run{
			MaxIterations:  10,
			Repeats:        3,
			Workers:        8,
			TargetAccuracy: 100,
			Temperature:    1.0,
			TopN:           20,
			SummaryChars:   500,
			QueryTimeout:   60 * time.Second,
			OverfitWindow:  3,
			Mode:           "automatic",
			MinPriority:    "medium",
			OutputDir:      "results",
		},
		Judge: Judge{
			Mode:           "binary",
			ScoreThreshold: 80,
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			BackoffMax:     30 * time.Second,
			CacheEntries:   10_000,
		},
		Generator: Generator{
			Backend:           "openai",
			Model:             "gpt-4o",
			MaxTokens:         4096,
			RequestsPerMinute: 60,
			Burst:             4,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
		Agent: Agent{Name: "query-agent"},
		Store: Store{Path: "querytune.db"},
		Logging: Logging{
			Level:   "info",
			Format:  "text",
			Service: "querytune",
		},
		Telemetry: Telemetry{TraceExporter: "none"},
	}
}
