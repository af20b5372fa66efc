package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EngineConfig groups the tunable parameters of every agent.
type EngineConfig struct {
	Normalizer  NormalizerConfig  `mapstructure:"normalizer"`
	Matcher     MatcherConfig     `mapstructure:"matcher"`
	Urgency     UrgencyConfig     `mapstructure:"urgency"`
	Treatment   TreatmentConfig   `mapstructure:"treatment"`
	Uncertainty UncertaintyConfig `mapstructure:"uncertainty"`
}

// NormalizerConfig configures the symptom normalizer
type NormalizerConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// MatcherConfig configures condition ranking
type MatcherConfig struct {
	TopK                      int     `mapstructure:"top_k"`
	MinScore                  float64 `mapstructure:"min_score"`
	PairFloor                 float64 `mapstructure:"pair_floor"`
	HistoryBoost              float64 `mapstructure:"history_boost"`
	MaxHistoryMatches         int     `mapstructure:"max_history_matches"`
	AgeDecayPerYear           float64 `mapstructure:"age_decay_per_year"`
	AgeFloor                  float64 `mapstructure:"age_floor"`
	SexMismatchMultiplier     float64 `mapstructure:"sex_mismatch_multiplier"`
	SexPredilectionMultiplier float64 `mapstructure:"sex_predilection_multiplier"`
	OnsetMatchMultiplier      float64 `mapstructure:"onset_match_multiplier"`
	OnsetMismatchMultiplier   float64 `mapstructure:"onset_mismatch_multiplier"`
}

// UrgencyConfig holds the urgency score thresholds and age scaling
type UrgencyConfig struct {
	ModerateThreshold  float64 `mapstructure:"moderate_threshold"`
	UrgentThreshold    float64 `mapstructure:"urgent_threshold"`
	EmergencyThreshold float64 `mapstructure:"emergency_threshold"`
	YoungAge           int     `mapstructure:"young_age"`
	ElderlyAge         int     `mapstructure:"elderly_age"`
	YoungMultiplier    float64 `mapstructure:"young_multiplier"`
	ElderlyMultiplier  float64 `mapstructure:"elderly_multiplier"`
}

// TreatmentConfig configures treatment retrieval
type TreatmentConfig struct {
	MaxConditions int `mapstructure:"max_conditions"`
	PrimaryCount  int `mapstructure:"primary_count"`
}

// UncertaintyConfig configures uncertainty quantification
type UncertaintyConfig struct {
	LowConfidenceFloor float64 `mapstructure:"low_confidence_floor"`
	GapSaturation      float64 `mapstructure:"gap_saturation"`
}

// EmbeddingConfig selects and tunes the embedding/classification capabilities
type EmbeddingConfig struct {
	Provider        string        `mapstructure:"provider"`
	Dimension       int           `mapstructure:"dimension"`
	Model           string        `mapstructure:"model"`
	ClassifierModel string        `mapstructure:"classifier_model"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
	Cache           CacheConfig   `mapstructure:"cache"`
}

// LocalEmbeddingDimension is the vector size of the local hashing embedder.
const LocalEmbeddingDimension = 2048

// openAIModelDimensions lists the native vector sizes of the OpenAI embedding
// models. The pinned client cannot request shortened vectors.
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// NativeDimension returns the vector size the provider/model pair produces,
// or 0 when it is not known.
func NativeDimension(provider, model string) int {
	switch provider {
	case "", "local":
		return LocalEmbeddingDimension
	case "openai":
		return openAIModelDimensions[model]
	}
	return 0
}

// ResolvedDimension returns the configured dimension, or the provider's
// native size when the dimension is left at 0.
func (c EmbeddingConfig) ResolvedDimension() int {
	if c.Dimension != 0 {
		return c.Dimension
	}
	return NativeDimension(c.Provider, c.Model)
}

// BreakerConfig configures the capability circuit breaker
type BreakerConfig struct {
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CacheConfig configures the embedding cache tiers
type CacheConfig struct {
	Size     int           `mapstructure:"size"`
	TTL      time.Duration `mapstructure:"ttl"`
	RedisURL string        `mapstructure:"redis_url"`
}

// KnowledgeConfig selects the knowledge source
type KnowledgeConfig struct {
	Source string `mapstructure:"source"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
