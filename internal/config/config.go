package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Anomaly    AnomalyConfig    `yaml:"anomaly" mapstructure:"anomaly"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Model      ModelConfig      `yaml:"model" mapstructure:"model"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Cognitive  CognitiveConfig  `yaml:"cognitive" mapstructure:"cognitive"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// AnomalyConfig holds the statistical thresholds of the anomaly detector.
type AnomalyConfig struct {
	ZThreshold          float64 `yaml:"z_threshold" mapstructure:"z_threshold"`
	ZHighThreshold      float64 `yaml:"z_high_threshold" mapstructure:"z_high_threshold"`
	StdFloor            float64 `yaml:"std_floor" mapstructure:"std_floor"`
	HighRiskStartHour   int     `yaml:"high_risk_start_hour" mapstructure:"high_risk_start_hour"`
	HighRiskEndHour     int     `yaml:"high_risk_end_hour" mapstructure:"high_risk_end_hour"`
	DistanceThresholdKM float64 `yaml:"distance_threshold_km" mapstructure:"distance_threshold_km"`
	DistanceHighKM      float64 `yaml:"distance_high_km" mapstructure:"distance_high_km"`
	MaxTravelKMH        float64 `yaml:"max_travel_kmh" mapstructure:"max_travel_kmh"`
	BenfordThreshold    float64 `yaml:"benford_threshold" mapstructure:"benford_threshold"`
	DefaultAvgAmount    float64 `yaml:"default_avg_amount" mapstructure:"default_avg_amount"`
	DefaultStdAmount    float64 `yaml:"default_std_amount" mapstructure:"default_std_amount"`
	DefaultUsualHours   []int   `yaml:"default_usual_hours" mapstructure:"default_usual_hours"`
}

// ScoringConfig holds the risk score weights, decision thresholds and
// business rules.
type ScoringConfig struct {
	ModelWeight        float64     `yaml:"model_weight" mapstructure:"model_weight"`
	AnomalyWeight      float64     `yaml:"anomaly_weight" mapstructure:"anomaly_weight"`
	RuleWeight         float64     `yaml:"rule_weight" mapstructure:"rule_weight"`
	BlockThreshold     int         `yaml:"block_threshold" mapstructure:"block_threshold"`
	ReviewThreshold    int         `yaml:"review_threshold" mapstructure:"review_threshold"`
	HighRiskCategories []string    `yaml:"high_risk_categories" mapstructure:"high_risk_categories"`
	Rules              RulesConfig `yaml:"rules" mapstructure:"rules"`
}

// RulesConfig configures each business rule independently.
type RulesConfig struct {
	NewMerchant         RuleConfig `yaml:"new_merchant" mapstructure:"new_merchant"`
	AmountMultiple      RuleConfig `yaml:"amount_multiple" mapstructure:"amount_multiple"`
	HighRiskCategory    RuleConfig `yaml:"high_risk_category" mapstructure:"high_risk_category"`
	FirstTransaction    RuleConfig `yaml:"first_transaction" mapstructure:"first_transaction"`
	EstablishedCustomer RuleConfig `yaml:"established_customer" mapstructure:"established_customer"`
}

// RuleConfig is one business rule. Contribution is signed and is clamped to
// ±MaxContribution. Multiple and MinTransactions only apply to the rules that
// read them.
type RuleConfig struct {
	Enabled         bool    `yaml:"enabled" mapstructure:"enabled"`
	Contribution    float64 `yaml:"contribution" mapstructure:"contribution"`
	MaxContribution float64 `yaml:"max_contribution" mapstructure:"max_contribution"`
	Multiple        float64 `yaml:"multiple" mapstructure:"multiple"`
	MinTransactions int     `yaml:"min_transactions" mapstructure:"min_transactions"`
}

// ModelConfig locates the scoring artifact.
type ModelConfig struct {
	ArtifactPath       string  `yaml:"artifact_path" mapstructure:"artifact_path"`
	AgreementTolerance float64 `yaml:"agreement_tolerance" mapstructure:"agreement_tolerance"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	CacheTTL    string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// CognitiveConfig bounds calls to the cognitive collaborator.
type CognitiveConfig struct {
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	PlanningEnabled  bool          `yaml:"planning_enabled" mapstructure:"planning_enabled"`
	RatePerSecond    float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int           `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// SessionConfig configures session lifetime and subscriber buffering.
type SessionConfig struct {
	BufferSize int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// StoreConfig configures the analysis archive backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RedisConfig configures the customer history cache.
type RedisConfig struct {
	Addr      string        `yaml:"addr" mapstructure:"addr"`
	Password  string        `yaml:"password" mapstructure:"password"`
	DB        int           `yaml:"db" mapstructure:"db"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// KafkaConfig configures decision event publishing. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint installs
// a no-op tracer.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
}

// PricingConfig holds per-model token pricing overrides.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// MonitoringConfig configures the decision health checker. Rates are
// fractions in [0, 1]; a zero threshold disables that alert.
type MonitoringConfig struct {
	Enabled               bool          `yaml:"enabled" mapstructure:"enabled"`
	CheckInterval         time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackHours         int           `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MinAnalyses           int           `yaml:"min_analyses" mapstructure:"min_analyses"`
	WebhookURL            string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	FallbackRateThreshold float64       `yaml:"fallback_rate_threshold" mapstructure:"fallback_rate_threshold"`
	BlockRateThreshold    float64       `yaml:"block_rate_threshold" mapstructure:"block_rate_threshold"`
	CostThresholdUSD      float64       `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("anomaly.z_threshold", 3.0)
	v.SetDefault("anomaly.z_high_threshold", 4.0)
	v.SetDefault("anomaly.std_floor", 1.0)
	v.SetDefault("anomaly.high_risk_start_hour", 22)
	v.SetDefault("anomaly.high_risk_end_hour", 6)
	v.SetDefault("anomaly.distance_threshold_km", 100.0)
	v.SetDefault("anomaly.distance_high_km", 500.0)
	v.SetDefault("anomaly.max_travel_kmh", 900.0)
	v.SetDefault("anomaly.benford_threshold", 0.05)
	v.SetDefault("anomaly.default_avg_amount", 100.0)
	v.SetDefault("anomaly.default_std_amount", 50.0)
	v.SetDefault("anomaly.default_usual_hours", []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20})

	v.SetDefault("scoring.model_weight", 0.50)
	v.SetDefault("scoring.anomaly_weight", 0.40)
	v.SetDefault("scoring.rule_weight", 0.10)
	v.SetDefault("scoring.block_threshold", 80)
	v.SetDefault("scoring.review_threshold", 50)
	v.SetDefault("scoring.high_risk_categories", []string{"shopping_net", "misc_net", "grocery_pos"})
	v.SetDefault("scoring.rules.new_merchant.enabled", true)
	v.SetDefault("scoring.rules.new_merchant.contribution", 0.5)
	v.SetDefault("scoring.rules.new_merchant.max_contribution", 0.5)
	v.SetDefault("scoring.rules.amount_multiple.enabled", true)
	v.SetDefault("scoring.rules.amount_multiple.contribution", 0.5)
	v.SetDefault("scoring.rules.amount_multiple.max_contribution", 0.5)
	v.SetDefault("scoring.rules.amount_multiple.multiple", 5.0)
	v.SetDefault("scoring.rules.high_risk_category.enabled", true)
	v.SetDefault("scoring.rules.high_risk_category.contribution", 0.3)
	v.SetDefault("scoring.rules.high_risk_category.max_contribution", 0.5)
	v.SetDefault("scoring.rules.first_transaction.enabled", true)
	v.SetDefault("scoring.rules.first_transaction.contribution", 0.3)
	v.SetDefault("scoring.rules.first_transaction.max_contribution", 0.5)
	v.SetDefault("scoring.rules.established_customer.enabled", true)
	v.SetDefault("scoring.rules.established_customer.contribution", -0.3)
	v.SetDefault("scoring.rules.established_customer.max_contribution", 0.5)
	v.SetDefault("scoring.rules.established_customer.min_transactions", 50)

	v.SetDefault("model.artifact_path", "artifacts/ensemble.yaml")
	v.SetDefault("model.agreement_tolerance", 0.15)

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.temperature", 0.2)
	v.SetDefault("anthropic.cache_ttl", "5m")

	v.SetDefault("cognitive.timeout", "10s")
	v.SetDefault("cognitive.max_attempts", 2)
	v.SetDefault("cognitive.retry_backoff", "200ms")
	v.SetDefault("cognitive.planning_enabled", true)
	v.SetDefault("cognitive.rate_per_second", 5.0)
	v.SetDefault("cognitive.burst", 5)
	v.SetDefault("cognitive.breaker_threshold", 5)
	v.SetDefault("cognitive.breaker_reset", "30s")

	v.SetDefault("session.buffer_size", 64)
	v.SetDefault("session.retention", "2m")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "fraud-analyst.db")

	v.SetDefault("redis.key_prefix", "fraud:customer:")
	v.SetDefault("redis.ttl", "720h")

	v.SetDefault("kafka.topic", "fraud.decisions")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("telemetry.service_name", "fraud-analyst")

	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.min_analyses", 20)
	v.SetDefault("monitoring.fallback_rate_threshold", 0.5)
	v.SetDefault("monitoring.block_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FRAUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "analyze":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	a := c.Anomaly
	if a.ZThreshold <= 0 {
		errs = append(errs, "anomaly.z_threshold must be > 0")
	}
	if a.ZHighThreshold < a.ZThreshold {
		errs = append(errs, "anomaly.z_high_threshold must be >= anomaly.z_threshold")
	}
	if a.StdFloor <= 0 {
		errs = append(errs, "anomaly.std_floor must be > 0")
	}
	if a.HighRiskStartHour < 0 || a.HighRiskStartHour > 23 || a.HighRiskEndHour < 0 || a.HighRiskEndHour > 24 {
		errs = append(errs, "anomaly high-risk hours must be within 0-24")
	}
	if a.DistanceHighKM < a.DistanceThresholdKM {
		errs = append(errs, "anomaly.distance_high_km must be >= anomaly.distance_threshold_km")
	}
	for _, h := range a.DefaultUsualHours {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Sprintf("anomaly.default_usual_hours contains invalid hour %d", h))
			break
		}
	}

	if c.Model.ArtifactPath == "" {
		errs = append(errs, "model.artifact_path is required")
	}
	if c.Model.AgreementTolerance < 0 || c.Model.AgreementTolerance > 1 {
		errs = append(errs, "model.agreement_tolerance must be between 0 and 1")
	}

	if c.Cognitive.Timeout <= 0 {
		errs = append(errs, "cognitive.timeout must be > 0")
	}
	if c.Cognitive.MaxAttempts < 1 || c.Cognitive.MaxAttempts > 2 {
		errs = append(errs, "cognitive.max_attempts must be 1 or 2")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, none", c.Store.Driver))
	}
	if c.Store.Driver != "none" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Session.BufferSize < 1 {
			errs = append(errs, "session.buffer_size must be >= 1")
		}
		m := c.Monitoring
		if m.Enabled && (m.FallbackRateThreshold < 0 || m.FallbackRateThreshold > 1 || m.BlockRateThreshold < 0 || m.BlockRateThreshold > 1) {
			errs = append(errs, "monitoring rate thresholds must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
