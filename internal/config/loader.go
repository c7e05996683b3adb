package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/querytune/internal/judge"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "querytune.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional. A .env file in
// the working directory is read first; variables already set win over it.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}
	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Run.TrainPath, "QUERYTUNE_TRAIN_PATH")
	setString(&cfg.Run.HeldOutPath, "QUERYTUNE_HELD_OUT_PATH")
	setString(&cfg.Run.ConfigPath, "QUERYTUNE_CONFIG_PATH")
	setInt(&cfg.Run.MaxIterations, "QUERYTUNE_MAX_ITERATIONS")
	setInt(&cfg.Run.Repeats, "QUERYTUNE_REPEAT_COUNT")
	setInt(&cfg.Run.Workers, "QUERYTUNE_WORKERS")
	setFloat64(&cfg.Run.TargetAccuracy, "QUERYTUNE_TARGET_ACCURACY")
	setFloat64(&cfg.Run.Temperature, "QUERYTUNE_TEMPERATURE")
	setInt64Ptr(&cfg.Run.Seed, "QUERYTUNE_SEED")
	setInt(&cfg.Run.TopN, "QUERYTUNE_TOP_N")
	setInt(&cfg.Run.SummaryChars, "QUERYTUNE_SUMMARY_CHARS")
	setDuration(&cfg.Run.QueryTimeout, "QUERYTUNE_QUERY_TIMEOUT")
	setInt(&cfg.Run.OverfitWindow, "QUERYTUNE_OVERFIT_WINDOW")
	setBool(&cfg.Run.AnalyzeFields, "QUERYTUNE_ANALYZE_FIELDS")
	setString(&cfg.Run.Mode, "QUERYTUNE_MODE")
	setString(&cfg.Run.MinPriority, "QUERYTUNE_MIN_PRIORITY")
	setString(&cfg.Run.OutputDir, "QUERYTUNE_OUTPUT_DIR")

	// Judge
	setString(&cfg.Judge.Mode, "QUERYTUNE_SCORING_MODE")
	setFloat64(&cfg.Judge.ScoreThreshold, "QUERYTUNE_SCORE_THRESHOLD")
	setBool(&cfg.Judge.AlwaysScore, "QUERYTUNE_ALWAYS_SCORE")
	setInt(&cfg.Judge.MaxAttempts, "QUERYTUNE_JUDGE_MAX_ATTEMPTS")
	setDuration(&cfg.Judge.BackoffBase, "QUERYTUNE_JUDGE_BACKOFF_BASE")
	setDuration(&cfg.Judge.BackoffMax, "QUERYTUNE_JUDGE_BACKOFF_MAX")
	setInt64(&cfg.Judge.CacheEntries, "QUERYTUNE_JUDGE_CACHE_ENTRIES")

	// Generator
	setString(&cfg.Generator.Backend, "QUERYTUNE_GENERATOR")
	setString(&cfg.Generator.Model, "QUERYTUNE_MODEL")
	setString(&cfg.Generator.OptimizerModel, "QUERYTUNE_OPTIMIZER_MODEL")
	setString(&cfg.Generator.BaseURL, "QUERYTUNE_GENERATOR_BASE_URL")
	setString(&cfg.Generator.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Generator.APIKey, "QUERYTUNE_API_KEY")
	setString(&cfg.Generator.Addr, "QUERYTUNE_GENERATOR_ADDR")
	setInt(&cfg.Generator.MaxTokens, "QUERYTUNE_MAX_TOKENS")
	setInt(&cfg.Generator.RequestsPerMinute, "QUERYTUNE_REQUESTS_PER_MINUTE")
	setInt(&cfg.Generator.Burst, "QUERYTUNE_BURST")
	setInt(&cfg.Generator.BreakerFailures, "QUERYTUNE_BREAKER_FAILURES")
	setDuration(&cfg.Generator.BreakerCooldown, "QUERYTUNE_BREAKER_COOLDOWN")

	// Agent
	setString(&cfg.Agent.Addr, "QUERYTUNE_AGENT_ADDR")
	setString(&cfg.Agent.AgentID, "QUERYTUNE_AGENT_ID")
	setString(&cfg.Agent.Name, "QUERYTUNE_AGENT_NAME")

	setString(&cfg.Store.Path, "QUERYTUNE_DB")
	setString(&cfg.Logging.Level, "QUERYTUNE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "QUERYTUNE_LOG_FORMAT")
	setString(&cfg.Telemetry.MetricsAddr, "QUERYTUNE_METRICS_ADDR")
	setString(&cfg.Telemetry.TraceExporter, "QUERYTUNE_TRACE_EXPORTER")
}

// Validate checks ranges and enumerations. Paths are checked where they are used.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Run.MaxIterations < 1 {
		errs = append(errs, errors.New("run.max_iterations must be >= 1"))
	}
	if cfg.Run.Repeats < 1 {
		errs = append(errs, errors.New("run.repeat_count must be >= 1"))
	}
	if cfg.Run.Workers < 1 {
		errs = append(errs, errors.New("run.workers must be >= 1"))
	}
	if cfg.Run.TargetAccuracy <= 0 || cfg.Run.TargetAccuracy > 100 {
		errs = append(errs, errors.New("run.target_accuracy must be in (0, 100]"))
	}
	if cfg.Run.Temperature < 0 || cfg.Run.Temperature > 2 {
		errs = append(errs, errors.New("run.temperature must be in [0, 2]"))
	}
	if cfg.Run.TopN < 1 {
		errs = append(errs, errors.New("run.top_n must be >= 1"))
	}
	switch cfg.Run.Mode {
	case "automatic", "interactive":
	default:
		errs = append(errs, fmt.Errorf("run.mode %q must be automatic or interactive", cfg.Run.Mode))
	}
	if _, err := optimizer.ParsePriority(cfg.Run.MinPriority); err != nil {
		errs = append(errs, fmt.Errorf("run.min_priority: %w", err))
	}
	if _, err := judge.ParseMode(cfg.Judge.Mode); err != nil {
		errs = append(errs, fmt.Errorf("judge.mode: %w", err))
	}
	if cfg.Judge.ScoreThreshold < 0 || cfg.Judge.ScoreThreshold > 100 {
		errs = append(errs, errors.New("judge.score_threshold must be in [0, 100]"))
	}
	if cfg.Judge.MaxAttempts < 1 {
		errs = append(errs, errors.New("judge.max_attempts must be >= 1"))
	}
	switch cfg.Generator.Backend {
	case "openai", "grpc":
	default:
		errs = append(errs, fmt.Errorf("generator.backend %q must be openai or grpc", cfg.Generator.Backend))
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q must be none or stdout", cfg.Telemetry.TraceExporter))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setInt64Ptr(dst **int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = &n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
