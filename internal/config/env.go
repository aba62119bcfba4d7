// Package config builds the Kestrel configuration from the environment and
// loads rule definitions from YAML files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is prepended to every environment variable Kestrel reads.
const EnvPrefix = "KESTREL_"

// Load reads .env files if present (the working directory's .env when none
// are named), then overlays KESTREL_* variables on domain.DefaultConfig.
// Variables already set in the process environment win over .env values.
func Load(envFiles ...string) (*domain.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := domain.DefaultConfig()
	r := &envReader{}

	// Server
	cfg.Server.Host = r.str("HOST", cfg.Server.Host)
	cfg.Server.Port = r.int("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = r.int("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = r.int("WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	// Repository
	cfg.Repository.Driver = r.str("DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = r.str("SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = r.str("POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = r.int("POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = r.str("POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = r.str("POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = r.str("POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = r.str("POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.MaxOpenConns = r.int("DB_MAX_OPEN_CONNS", cfg.Repository.MaxOpenConns)
	cfg.Repository.MaxIdleConns = r.int("DB_MAX_IDLE_CONNS", cfg.Repository.MaxIdleConns)
	cfg.Repository.ConnMaxLifetime = r.duration("DB_CONN_MAX_LIFETIME", cfg.Repository.ConnMaxLifetime)

	// Cache
	cfg.Cache.Type = r.str("CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.LocalMaxSize = r.int("CACHE_LOCAL_MAX_SIZE", cfg.Cache.LocalMaxSize)
	cfg.Cache.LocalTTL = r.duration("CACHE_LOCAL_TTL", cfg.Cache.LocalTTL)
	cfg.Cache.RedisAddr = r.str("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = r.str("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = r.int("REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.EnableTwoPhase = r.bool("CACHE_TWO_PHASE", cfg.Cache.EnableTwoPhase)
	cfg.Cache.ScoreTTL = r.duration("SCORE_TTL", cfg.Cache.ScoreTTL)

	// Event bus
	cfg.EventBus.Type = r.str("BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.ChannelBufferSize = r.int("BUS_BUFFER_SIZE", cfg.EventBus.ChannelBufferSize)
	cfg.EventBus.NATSUrl = r.str("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = r.str("NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSMaxReconnects = r.int("NATS_MAX_RECONNECTS", cfg.EventBus.NATSMaxReconnects)
	cfg.EventBus.NATSReconnectWait = r.int("NATS_RECONNECT_WAIT", cfg.EventBus.NATSReconnectWait)
	cfg.EventBus.NATSQueueGroup = r.str("NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)

	// Scoring
	cfg.Scoring.AnomalyBudget = r.duration("ANOMALY_BUDGET", cfg.Scoring.AnomalyBudget)
	cfg.Scoring.Workers = r.int("WORKERS", cfg.Scoring.Workers)
	cfg.Scoring.QueueDepth = r.int("QUEUE_DEPTH", cfg.Scoring.QueueDepth)
	cfg.Scoring.AsyncIngest = r.bool("ASYNC_INGEST", cfg.Scoring.AsyncIngest)
	cfg.Scoring.ProfileAlpha = r.float("PROFILE_ALPHA", cfg.Scoring.ProfileAlpha)
	cfg.Scoring.ProfileShards = r.int("PROFILE_SHARDS", cfg.Scoring.ProfileShards)
	cfg.Scoring.BeneficiaryCap = r.int("BENEFICIARY_CAP", cfg.Scoring.BeneficiaryCap)
	cfg.Scoring.UpdateQueueSize = r.int("UPDATE_QUEUE_SIZE", cfg.Scoring.UpdateQueueSize)

	// Rules
	cfg.Rules.File = r.str("RULES_FILE", cfg.Rules.File)
	cfg.Rules.Watch = r.bool("RULES_WATCH", cfg.Rules.Watch)

	// Policy defaults
	cfg.Policy.Weights.Rule = r.float("WEIGHT_RULE", cfg.Policy.Weights.Rule)
	cfg.Policy.Weights.Anomaly = r.float("WEIGHT_ANOMALY", cfg.Policy.Weights.Anomaly)
	cfg.Policy.Thresholds.QueueReview = r.float("THRESHOLD_QUEUE_REVIEW", cfg.Policy.Thresholds.QueueReview)
	cfg.Policy.Thresholds.ImmediateReview = r.float("THRESHOLD_IMMEDIATE_REVIEW", cfg.Policy.Thresholds.ImmediateReview)
	cfg.Policy.Thresholds.BlockEscalate = r.float("THRESHOLD_BLOCK_ESCALATE", cfg.Policy.Thresholds.BlockEscalate)

	// Feedback
	cfg.Feedback.Interval = r.duration("FEEDBACK_INTERVAL", cfg.Feedback.Interval)
	cfg.Feedback.MinSamples = r.int("FEEDBACK_MIN_SAMPLES", cfg.Feedback.MinSamples)
	cfg.Feedback.TargetFPRLow = r.float("FEEDBACK_TARGET_FPR_LOW", cfg.Feedback.TargetFPRLow)
	cfg.Feedback.TargetFPRHigh = r.float("FEEDBACK_TARGET_FPR_HIGH", cfg.Feedback.TargetFPRHigh)
	cfg.Feedback.MaxRelativeChange = r.float("FEEDBACK_MAX_RELATIVE_CHANGE", cfg.Feedback.MaxRelativeChange)
	cfg.Feedback.NearMissMargin = r.float("FEEDBACK_NEAR_MISS_MARGIN", cfg.Feedback.NearMissMargin)
	cfg.Feedback.FalseNegativeMax = r.float("FEEDBACK_FALSE_NEGATIVE_MAX", cfg.Feedback.FalseNegativeMax)

	// Observability
	cfg.Logging.Level = r.str("LOG_LEVEL", cfg.Logging.Level)
	if r.bool("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = r.str("LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = r.bool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = r.str("SERVICE_NAME", cfg.Tracing.ServiceName)

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be corrected at runtime.
func Validate(cfg *domain.Config) error {
	if err := cfg.Policy.Weights.Validate(); err != nil {
		return err
	}
	if err := cfg.Policy.Thresholds.Validate(); err != nil {
		return err
	}
	if cfg.Scoring.ProfileAlpha <= 0 || cfg.Scoring.ProfileAlpha > 1 {
		return fmt.Errorf("%w: %sPROFILE_ALPHA must be within (0,1]", domain.ErrConfiguration, EnvPrefix)
	}
	if cfg.Scoring.AnomalyBudget <= 0 {
		return fmt.Errorf("%w: %sANOMALY_BUDGET must be positive", domain.ErrConfiguration, EnvPrefix)
	}
	if cfg.Feedback.TargetFPRLow > cfg.Feedback.TargetFPRHigh {
		return fmt.Errorf("%w: feedback target FPR band is inverted", domain.ErrConfiguration)
	}
	return nil
}

// LogLevel maps the configured level name to a slog level. Unknown names
// fall back to info.
func LogLevel(cfg domain.LoggingConfig) slog.Level {
	switch strings.ToLower(cfg.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s%s=%q: %v", domain.ErrConfiguration, EnvPrefix, key, value, err))
}

func (r *envReader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *envReader) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return i
}

func (r *envReader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *envReader) bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go duration strings ("50ms", "1h") or a bare integer of
// milliseconds.
func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}
