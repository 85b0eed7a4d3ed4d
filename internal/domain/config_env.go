package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ApplyEnv overrides configuration values from KESTREL_* environment variables.
// getenv is usually os.Getenv; tests pass a map lookup.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	p := envParser{getenv: getenv}

	p.stringVar("KESTREL_HOST", &c.Server.Host)
	p.intVar("KESTREL_PORT", &c.Server.Port)

	p.intVar("KESTREL_MIN_TRANSACTIONS", &c.Detection.MinTransactions)
	p.floatVar("KESTREL_OUTLIER_STDDEVS", &c.Detection.OutlierStdDevs)
	p.intVar("KESTREL_DUPLICATE_WINDOW", &c.Detection.DuplicateWindow)
	p.decimalVar("KESTREL_BALANCE_EPSILON", &c.Detection.BalanceEpsilon)
	p.floatVar("KESTREL_FREQUENCY_MULTIPLIER", &c.Detection.FrequencyMultiplier)
	p.intVar("KESTREL_DIGIT_MIN_TRANSACTIONS", &c.Detection.DigitMinTransactions)
	p.floatVar("KESTREL_DIGIT_CHI_SQUARE_THRESHOLD", &c.Detection.DigitChiSquareThreshold)
	p.floatVar("KESTREL_CHANNEL_DOMINANCE_SHARE", &c.Detection.ChannelDominanceShare)
	p.intVar("KESTREL_CHANNEL_MIN_TRANSACTIONS", &c.Detection.ChannelMinTransactions)

	p.intVar("KESTREL_MAX_REVISIONS", &c.Integrity.MaxRevisions)
	p.intVar("KESTREL_MODIFICATION_GRACE_HOURS", &c.Integrity.ModificationGraceHours)

	p.floatVar("KESTREL_WEIGHT_STATISTICAL", &c.Aggregation.StatisticalWeight)
	p.floatVar("KESTREL_WEIGHT_INTEGRITY", &c.Aggregation.IntegrityWeight)
	p.floatVar("KESTREL_WEIGHT_HEURISTIC", &c.Aggregation.HeuristicWeight)
	p.floatVar("KESTREL_SUSPICIOUS_AT", &c.Aggregation.SuspiciousAt)
	p.floatVar("KESTREL_FRAUDULENT_AT", &c.Aggregation.FraudulentAt)

	p.stringVar("KESTREL_HEURISTIC_PROVIDER", &c.Heuristic.Provider)
	p.stringVar("KESTREL_HEURISTIC_ENDPOINT", &c.Heuristic.Endpoint)
	p.stringVar("KESTREL_HEURISTIC_API_KEY", &c.Heuristic.APIKey)
	p.stringVar("KESTREL_HEURISTIC_MODEL", &c.Heuristic.Model)
	p.intVar("KESTREL_HEURISTIC_TIMEOUT_MS", &c.Heuristic.TimeoutMs)
	p.intVar("KESTREL_HEURISTIC_MAX_RETRIES", &c.Heuristic.MaxRetries)

	p.intVar("KESTREL_CONCURRENCY", &c.Pipeline.Concurrency)

	p.stringVar("KESTREL_SQLITE_PATH", &c.Repository.SQLitePath)
	p.stringVar("KESTREL_POSTGRES_HOST", &c.Repository.PostgresHost)
	p.stringVar("KESTREL_POSTGRES_USER", &c.Repository.PostgresUser)
	p.stringVar("KESTREL_POSTGRES_PASSWORD", &c.Repository.PostgresPassword)
	p.stringVar("KESTREL_POSTGRES_DB", &c.Repository.PostgresDB)
	p.stringVar("KESTREL_CACHE_TYPE", &c.Cache.Type)
	p.stringVar("KESTREL_REDIS_ADDR", &c.Cache.RedisAddr)
	p.stringVar("KESTREL_REDIS_PASSWORD", &c.Cache.RedisPassword)
	p.stringVar("KESTREL_REDIS_KEY_PREFIX", &c.Cache.RedisKeyPrefix)
	p.stringVar("KESTREL_NATS_URL", &c.EventBus.NATSUrl)
	p.stringVar("KESTREL_NATS_QUEUE_GROUP", &c.EventBus.NATSQueueGroup)

	p.stringVar("KESTREL_LOG_LEVEL", &c.Logging.Level)
	p.stringVar("KESTREL_LOG_FORMAT", &c.Logging.Format)

	p.listVar("KESTREL_SUSPICIOUS_PRODUCERS", &c.Integrity.SuspiciousProducers)
	p.listVar("KESTREL_CORS_ORIGINS", &c.Server.AllowedOrigins)

	return p.err
}

// envParser records the first parse failure so ApplyEnv can report it.
type envParser struct {
	getenv func(string) string
	err    error
}

func (p *envParser) stringVar(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

// listVar splits a comma-separated value, dropping empty items.
func (p *envParser) listVar(key string, dst *[]string) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	var items []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}
	*dst = items
}

func (p *envParser) intVar(key string, dst *int) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (p *envParser) floatVar(key string, dst *float64) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = f
}

func (p *envParser) decimalVar(key string, dst *decimal.Decimal) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
