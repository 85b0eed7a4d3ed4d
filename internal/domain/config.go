package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Kestrel configuration.
// It is passed explicitly into each component; nothing reads it from global state.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier selects infrastructure drivers
	Tier Tier `json:"tier"`

	// Scoring engine
	Detection   DetectionConfig   `json:"detection"`
	Integrity   IntegrityConfig   `json:"integrity"`
	Aggregation AggregationConfig `json:"aggregation"`
	Heuristic   HeuristicConfig   `json:"heuristic"`
	Pipeline    PipelineConfig    `json:"pipeline"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// DetectionConfig holds the Baseline Modeler and Anomaly Detector thresholds.
type DetectionConfig struct {
	// MinTransactions below which the baseline is low-confidence.
	MinTransactions int `json:"minTransactions"`

	// StdDevFloorRatio bounds the standard deviation from below as a
	// fraction of the mean magnitude.
	StdDevFloorRatio float64 `json:"stdDevFloorRatio"`

	OutlierStdDevs float64 `json:"outlierStdDevs"`

	// DuplicateWindow is the maximum distance in statement positions between
	// two identical lines; 0 means anywhere in the statement.
	DuplicateWindow       int     `json:"duplicateWindow"`
	DuplicateSeverityStep float64 `json:"duplicateSeverityStep"`

	BalanceEpsilon decimal.Decimal `json:"balanceEpsilon"`

	FrequencyMultiplier float64 `json:"frequencyMultiplier"`
	FrequencyMinBucket  int     `json:"frequencyMinBucket"`

	DigitMinTransactions    int     `json:"digitMinTransactions"`
	DigitChiSquareThreshold float64 `json:"digitChiSquareThreshold"`

	RoundUnit            decimal.Decimal `json:"roundUnit"`
	RoundShareThreshold  float64         `json:"roundShareThreshold"`
	RoundMinTransactions int             `json:"roundMinTransactions"`

	OutOfPeriodSeverity float64 `json:"outOfPeriodSeverity"`

	// ChannelDominanceShare is the share of channelled lines one channel must
	// exceed, counted once at least ChannelMinTransactions lines carry a channel.
	ChannelDominanceShare  float64 `json:"channelDominanceShare"`
	ChannelMinTransactions int     `json:"channelMinTransactions"`
}

// IntegrityConfig holds the Integrity Validator thresholds.
type IntegrityConfig struct {
	MaxRevisions int `json:"maxRevisions"`

	// ModificationGraceHours extends the stated period for the
	// modification timestamp check.
	ModificationGraceHours int `json:"modificationGraceHours"`

	// SuspiciousProducers are case-insensitive substrings of PDF
	// producer/creator strings that indicate an editing tool.
	SuspiciousProducers []string `json:"suspiciousProducers"`

	// ReferenceFingerprints maps a document template to its expected
	// structural fingerprint.
	ReferenceFingerprints map[string]string `json:"referenceFingerprints,omitempty"`
}

// AggregationConfig holds the Verdict Aggregator weights and category bands.
type AggregationConfig struct {
	StatisticalWeight float64 `json:"statisticalWeight"`
	IntegrityWeight   float64 `json:"integrityWeight"`
	HeuristicWeight   float64 `json:"heuristicWeight"`

	// Category bands: score < SuspiciousAt is clean, score >= FraudulentAt is fraudulent.
	SuspiciousAt float64 `json:"suspiciousAt"`
	FraudulentAt float64 `json:"fraudulentAt"`

	// KindWeights scales each anomaly kind inside the statistical channel.
	KindWeights map[AnomalyKind]float64 `json:"kindWeights,omitempty"`
}

// HeuristicConfig holds the external scoring service settings.
type HeuristicConfig struct {
	// Provider is "none", "http" or "gemini".
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"-"`
	Model    string `json:"model"`

	TimeoutMs        int `json:"timeoutMs"`
	MaxRetries       int `json:"maxRetries"`
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`

	// Summary bounds
	MaxSamples         int `json:"maxSamples"`
	MaxNotableFindings int `json:"maxNotableFindings"`

	CacheEnabled bool `json:"cacheEnabled"`
	CacheTTLSecs int  `json:"cacheTtlSecs"`
}

// Timeout returns the hard per-call timeout.
func (c HeuristicConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PipelineConfig holds batch orchestration settings.
type PipelineConfig struct {
	// Concurrency bounds simultaneous heuristic calls across a batch.
	Concurrency int `json:"concurrency"`

	PersistVerdicts bool `json:"persistVerdicts"`
	PublishVerdicts bool `json:"publishVerdicts"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultKindWeights returns the default per-kind weights of the statistical channel.
func DefaultKindWeights() map[AnomalyKind]float64 {
	return map[AnomalyKind]float64{
		AnomalyAmountOutlier:        1.0,
		AnomalyDuplicate:            0.8,
		AnomalyBalanceDiscontinuity: 1.0,
		AnomalyFrequencySpike:       0.6,
		AnomalyRoundNumberBias:      0.5,
		AnomalyDigitDeviation:       0.6,
		AnomalyOutOfPeriod:          0.7,
		AnomalyChannelDominance:     0.4,
		AnomalyRuleMatch:            1.0,
	}
}

// DefaultSuspiciousProducers lists editing tools that should never produce a bank statement.
func DefaultSuspiciousProducers() []string {
	return []string{
		"photoshop",
		"gimp",
		"canva",
		"ilovepdf",
		"sejda",
		"pdf-xchange editor",
		"foxit phantompdf",
		"microsoft word",
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Detection: DetectionConfig{
			MinTransactions:         5,
			StdDevFloorRatio:        0.05,
			OutlierStdDevs:          3,
			DuplicateWindow:         0,
			DuplicateSeverityStep:   0.25,
			BalanceEpsilon:          decimal.New(1, -2),
			FrequencyMultiplier:     4,
			FrequencyMinBucket:      3,
			DigitMinTransactions:    20,
			DigitChiSquareThreshold: 15.51,
			RoundUnit:               decimal.NewFromInt(100),
			RoundShareThreshold:     0.5,
			RoundMinTransactions:    10,
			OutOfPeriodSeverity:     0.6,
			ChannelDominanceShare:   0.9,
			ChannelMinTransactions:  10,
		},
		Integrity: IntegrityConfig{
			MaxRevisions:        1,
			SuspiciousProducers: DefaultSuspiciousProducers(),
		},
		Aggregation: AggregationConfig{
			StatisticalWeight: 0.5,
			IntegrityWeight:   0.3,
			HeuristicWeight:   0.2,
			SuspiciousAt:      0.3,
			FraudulentAt:      0.7,
			KindWeights:       DefaultKindWeights(),
		},
		Heuristic: HeuristicConfig{
			Provider:           "none",
			Model:              "gemini-2.5-flash",
			TimeoutMs:          10000,
			MaxRetries:         2,
			InitialBackoffMs:   200,
			MaxBackoffMs:       2000,
			MaxSamples:         25,
			MaxNotableFindings: 20,
			CacheEnabled:       true,
			CacheTTLSecs:       3600,
		},
		Pipeline: PipelineConfig{
			Concurrency:     4,
			PersistVerdicts: true,
			PublishVerdicts: true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:       CacheMemory,
			MaxEntries: 10000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           CacheTiered,
		MaxEntries:     1000,
		NearTTLSecs:    300,
		RedisAddr:      "localhost:6379",
		RedisKeyPrefix: "kestrel:",
		RedisTimeoutMs: 500,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Pipeline.Concurrency = 8
	return cfg
}

// LoadConfigFile overlays a JSON config file onto base.
func LoadConfigFile(path string, base *Config) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := *base
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the scoring policy for internal consistency.
func (c *Config) Validate() error {
	d := c.Detection
	if d.MinTransactions < 1 {
		return fmt.Errorf("detection.minTransactions must be at least 1")
	}
	if d.OutlierStdDevs <= 0 || d.FrequencyMultiplier <= 0 || d.DigitChiSquareThreshold <= 0 {
		return fmt.Errorf("detection thresholds must be positive")
	}
	if d.DuplicateWindow < 0 {
		return fmt.Errorf("detection.duplicateWindow must not be negative")
	}
	if d.BalanceEpsilon.IsNegative() {
		return fmt.Errorf("detection.balanceEpsilon must not be negative")
	}
	if !d.RoundUnit.IsPositive() {
		return fmt.Errorf("detection.roundUnit must be positive")
	}
	if !inUnit(d.RoundShareThreshold) || d.RoundShareThreshold == 0 {
		return fmt.Errorf("detection.roundShareThreshold must be in (0,1]")
	}
	if !inUnit(d.OutOfPeriodSeverity) {
		return fmt.Errorf("detection.outOfPeriodSeverity must be in [0,1]")
	}
	if !inUnit(d.ChannelDominanceShare) || d.ChannelDominanceShare == 0 {
		return fmt.Errorf("detection.channelDominanceShare must be in (0,1]")
	}
	if d.ChannelMinTransactions < 1 {
		return fmt.Errorf("detection.channelMinTransactions must be at least 1")
	}

	if c.Integrity.MaxRevisions < 0 {
		return fmt.Errorf("integrity.maxRevisions must not be negative")
	}

	a := c.Aggregation
	if a.StatisticalWeight < 0 || a.IntegrityWeight < 0 || a.HeuristicWeight < 0 {
		return fmt.Errorf("aggregation weights must not be negative")
	}
	if a.StatisticalWeight+a.IntegrityWeight == 0 {
		return fmt.Errorf("aggregation: statistical and integrity weights cannot both be zero")
	}
	if !inUnit(a.SuspiciousAt) || !inUnit(a.FraudulentAt) || a.SuspiciousAt > a.FraudulentAt {
		return fmt.Errorf("aggregation bands must satisfy 0 <= suspiciousAt <= fraudulentAt <= 1")
	}
	for kind, w := range a.KindWeights {
		if !inUnit(w) {
			return fmt.Errorf("aggregation.kindWeights[%s] must be in [0,1]", kind)
		}
	}

	h := c.Heuristic
	switch h.Provider {
	case "none", "http", "gemini":
	default:
		return fmt.Errorf("unsupported heuristic provider: %s", h.Provider)
	}
	if h.TimeoutMs <= 0 {
		return fmt.Errorf("heuristic.timeoutMs must be positive")
	}
	if h.MaxRetries < 0 {
		return fmt.Errorf("heuristic.maxRetries must not be negative")
	}

	switch c.Cache.Type {
	case CacheMemory, CacheRedis, CacheTiered:
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Cache.Type)
	}
	if c.Cache.MaxEntries < 0 || c.Cache.NearTTLSecs < 0 || c.Cache.RedisTimeoutMs < 0 {
		return fmt.Errorf("cache sizes and timeouts must not be negative")
	}

	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1")
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
