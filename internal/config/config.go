package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/diagnostic-triage-engine/internal/database"
	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/spf13/viper"
)

// Manager loads and validates the engine configuration using Viper
type Manager struct {
	v      *viper.Viper
	file   string
	config *domain.Config
}

// NewManager creates a new configuration manager. An empty file selects the
// default search paths; a missing default file is not an error.
func NewManager(file string) (*Manager, error) {
	m := &Manager{v: viper.New(), file: file}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from defaults, the config file and the environment
func (m *Manager) loadConfig() error {
	v := m.v
	if m.file != "" {
		v.SetConfigFile(m.file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/diagnostic-triage/")
	}

	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if m.file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v

	// Normalizer
	v.SetDefault("engine.normalizer.call_timeout", "2s")
	v.SetDefault("engine.normalizer.max_concurrency", 4)

	// Condition matcher
	v.SetDefault("engine.matcher.top_k", 5)
	v.SetDefault("engine.matcher.min_score", 0.1)
	v.SetDefault("engine.matcher.pair_floor", 0.3)
	v.SetDefault("engine.matcher.history_boost", 0.1)
	v.SetDefault("engine.matcher.max_history_matches", 3)
	v.SetDefault("engine.matcher.age_decay_per_year", 0.02)
	v.SetDefault("engine.matcher.age_floor", 0.3)
	v.SetDefault("engine.matcher.sex_mismatch_multiplier", 0.1)
	v.SetDefault("engine.matcher.sex_predilection_multiplier", 1.2)
	v.SetDefault("engine.matcher.onset_match_multiplier", 1.05)
	v.SetDefault("engine.matcher.onset_mismatch_multiplier", 0.85)

	// Urgency detector
	v.SetDefault("engine.urgency.moderate_threshold", 0.25)
	v.SetDefault("engine.urgency.urgent_threshold", 0.55)
	v.SetDefault("engine.urgency.emergency_threshold", 0.95)
	v.SetDefault("engine.urgency.young_age", 5)
	v.SetDefault("engine.urgency.elderly_age", 65)
	v.SetDefault("engine.urgency.young_multiplier", 1.5)
	v.SetDefault("engine.urgency.elderly_multiplier", 1.25)

	// Treatment retriever
	v.SetDefault("engine.treatment.max_conditions", 3)
	v.SetDefault("engine.treatment.primary_count", 3)

	// Uncertainty quantifier
	v.SetDefault("engine.uncertainty.low_confidence_floor", 0.5)
	v.SetDefault("engine.uncertainty.gap_saturation", 0.3)

	// Embedding and classification capabilities
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.dimension", 0) // 0 selects the native size of provider and model
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.classifier_model", "gpt-4o-mini")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.rate_limit", 10.0)
	v.SetDefault("embedding.burst", 5)
	v.SetDefault("embedding.breaker.max_requests", 3)
	v.SetDefault("embedding.breaker.interval", "60s")
	v.SetDefault("embedding.breaker.timeout", "30s")
	v.SetDefault("embedding.cache.size", 2048)
	v.SetDefault("embedding.cache.ttl", "24h")
	v.SetDefault("embedding.cache.redis_url", "")

	// Knowledge source
	v.SetDefault("knowledge.source", "seed")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "diagnostic_triage")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")

	// Audit sink
	v.SetDefault("audit.driver", "none")
	v.SetDefault("audit.path", "triage-audit.db")
	v.SetDefault("audit.url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetEngineConfig returns the agent configuration
func (m *Manager) GetEngineConfig() *domain.EngineConfig {
	return &m.config.Engine
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config
	engine := config.Engine

	if engine.Normalizer.CallTimeout <= 0 {
		return fmt.Errorf("normalizer call timeout must be positive")
	}
	if engine.Normalizer.MaxConcurrency <= 0 {
		return fmt.Errorf("normalizer max concurrency must be positive")
	}

	if engine.Matcher.TopK <= 0 {
		return fmt.Errorf("invalid matcher top_k: %d", engine.Matcher.TopK)
	}
	if !inUnitInterval(engine.Matcher.MinScore) || !inUnitInterval(engine.Matcher.PairFloor) {
		return fmt.Errorf("matcher min_score and pair_floor must be within [0,1]")
	}
	if !inUnitInterval(engine.Matcher.AgeFloor) {
		return fmt.Errorf("matcher age_floor must be within [0,1]")
	}

	u := engine.Urgency
	if !(u.ModerateThreshold > 0 && u.ModerateThreshold < u.UrgentThreshold && u.UrgentThreshold < u.EmergencyThreshold) {
		return fmt.Errorf("urgency thresholds must be positive and strictly increasing: %.2f < %.2f < %.2f",
			u.ModerateThreshold, u.UrgentThreshold, u.EmergencyThreshold)
	}
	if u.YoungMultiplier < 1 || u.ElderlyMultiplier < 1 {
		return fmt.Errorf("age multipliers must not reduce rule weights")
	}

	if engine.Treatment.MaxConditions <= 0 || engine.Treatment.PrimaryCount <= 0 {
		return fmt.Errorf("treatment max_conditions and primary_count must be positive")
	}
	if !inUnitInterval(engine.Uncertainty.LowConfidenceFloor) {
		return fmt.Errorf("low confidence floor must be within [0,1]")
	}
	if engine.Uncertainty.GapSaturation <= 0 {
		return fmt.Errorf("gap saturation must be positive")
	}

	switch config.Embedding.Provider {
	case "local":
	case "openai":
		if config.Embedding.APIKey == "" {
			return fmt.Errorf("embedding api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider: %s", config.Embedding.Provider)
	}
	dimension := config.Embedding.ResolvedDimension()
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive; set embedding.dimension for model %q", config.Embedding.Model)
	}
	if native := domain.NativeDimension(config.Embedding.Provider, config.Embedding.Model); config.Embedding.Provider == "openai" && native > 0 && native != dimension {
		return fmt.Errorf("embedding model %s returns %d-dimensional vectors but embedding.dimension is %d",
			config.Embedding.Model, native, dimension)
	}

	switch config.Knowledge.Source {
	case "seed":
	case "postgres":
		if config.Database.Host == "" || config.Database.Database == "" {
			return fmt.Errorf("database host and name are required for the postgres knowledge source")
		}
	default:
		return fmt.Errorf("unknown knowledge source: %s", config.Knowledge.Source)
	}

	switch config.Audit.Driver {
	case "none":
	case "sqlite":
		if config.Audit.Path == "" {
			return fmt.Errorf("audit path is required for the sqlite driver")
		}
	case "postgres":
		if config.Audit.URL == "" {
			return fmt.Errorf("audit url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown audit driver: %s", config.Audit.Driver)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a postgres URL for the configured database
func (m *Manager) GetDatabaseConnectionString() string {
	return database.URL(m.config.Database)
}

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
