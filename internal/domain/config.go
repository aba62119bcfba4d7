package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring path
	Scoring  ScoringConfig  `json:"scoring"`
	Rules    RulesConfig    `json:"rules"`
	Policy   PolicyDefaults `json:"policy"`
	Feedback FeedbackConfig `json:"feedback"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig tunes the per-event pipeline.
type ScoringConfig struct {
	// AnomalyBudget is how long the anomaly scorer may take before the
	// event is decided on rule score alone.
	AnomalyBudget time.Duration `json:"anomalyBudget"`

	// Workers and QueueDepth size the streaming ingestion pool.
	Workers    int `json:"workers"`
	QueueDepth int `json:"queueDepth"`

	// AsyncIngest subscribes the worker pool to the ingest topic.
	AsyncIngest bool `json:"asyncIngest"`

	// Profile store
	ProfileAlpha    float64 `json:"profileAlpha"`
	ProfileShards   int     `json:"profileShards"`
	BeneficiaryCap  int     `json:"beneficiaryCap"`
	UpdateQueueSize int     `json:"updateQueueSize"`
}

// RulesConfig says where rule definitions come from.
type RulesConfig struct {
	// File is a YAML rules file; empty means rules come from the repository.
	File  string `json:"file"`
	Watch bool   `json:"watch"`
}

// PolicyDefaults seed the first active policy version.
type PolicyDefaults struct {
	Weights    Weights    `json:"weights"`
	Thresholds Thresholds `json:"thresholds"`
}

// FeedbackConfig tunes the recalibrator.
type FeedbackConfig struct {
	Interval          time.Duration `json:"interval"` // 0 disables the scheduler
	MinSamples        int           `json:"minSamples"`
	TargetFPRLow      float64       `json:"targetFprLow"`
	TargetFPRHigh     float64       `json:"targetFprHigh"`
	MaxRelativeChange float64       `json:"maxRelativeChange"`
	NearMissMargin    float64       `json:"nearMissMargin"`
	FalseNegativeMax  float64       `json:"falseNegativeMax"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultFeedbackConfig returns the recalibrator defaults.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		Interval:          time.Hour,
		MinSamples:        20,
		TargetFPRLow:      0.30,
		TargetFPRHigh:     0.70,
		MaxRelativeChange: 0.10,
		NearMissMargin:    5,
		FalseNegativeMax:  0.25,
	}
}

// DefaultConfig returns a single-node configuration: SQLite, in-process
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
			LocalTTL:     5 * time.Minute,
			ScoreTTL:     24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			AnomalyBudget:   50 * time.Millisecond,
			Workers:         16,
			QueueDepth:      1024,
			ProfileAlpha:    0.1,
			ProfileShards:   64,
			BeneficiaryCap:  512,
			UpdateQueueSize: 4096,
		},
		Policy: PolicyDefaults{
			Weights:    DefaultWeights(),
			Thresholds: DefaultThresholds(),
		},
		Feedback: DefaultFeedbackConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}
