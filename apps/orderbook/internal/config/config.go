package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Chain holds the per-chain polling and RPC settings.
type Chain struct {
	ID                int64
	RpcURLs           []string
	ExchangeAddresses []string
	AggregatorAddress string
	BlockTimeMs       uint64
	PollBatch         uint64
}

type LogConfig struct {
	Level    string
	Encoding string
	Sampling bool
}

type Config struct {
	DbURL       string
	RedisURL    string
	KafkaBroker string
	KafkaTopic  string
	APIPort     int

	Chains []Chain

	PollInterval           time.Duration
	PollRetryDelay         time.Duration
	PollRetryLimit         int
	MaxCatchBlockNumber    uint64
	CatchUpBatchMultiplier uint64
	DispatchConcurrency    int
	IntakeConcurrency      int
	RpcTimeout             time.Duration
	BarrierTimeout         time.Duration
	EventDedupTTL          time.Duration

	DefaultExchangeAddress string
	EIP712DomainVersion    string
	ExpiredSweepCron       string

	Log LogConfig
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Warning: Could not load .env file: %v", err)
	}

	chains, err := loadChains(getEnvList("CHAIN_IDS"))
	if err != nil {
		log.Fatalf("Warning: invalid chain configuration: %v", err)
	}

	return &Config{
		DbURL:       getEnvOrFatal("DB_URL"),
		RedisURL:    getEnvString("REDIS_URL", ""),
		KafkaBroker: getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:  getEnvString("KAFKA_TOPIC", "order-side-effects"),
		APIPort:     getEnvInt("API_PORT", 8080),

		Chains: chains,

		PollInterval:           getEnvDuration("POLL_INTERVAL", 10*time.Second),
		PollRetryDelay:         getEnvDuration("POLL_RETRY_DELAY", 5*time.Second),
		PollRetryLimit:         getEnvInt("POLL_RETRY_LIMIT", 5),
		MaxCatchBlockNumber:    getEnvUint64("EVENT_POLLER_MAX_CATCH_BLOCK_NUMBER", 2000),
		CatchUpBatchMultiplier: getEnvUint64("CATCH_UP_BATCH_MULTIPLIER", 10),
		DispatchConcurrency:    getEnvInt("DISPATCH_CONCURRENCY", 5),
		IntakeConcurrency:      getEnvInt("INTAKE_CONCURRENCY", 5),
		RpcTimeout:             getEnvDuration("RPC_TIMEOUT", 15*time.Second),
		BarrierTimeout:         getEnvDuration("BARRIER_TIMEOUT", 2*time.Minute),
		EventDedupTTL:          getEnvDuration("EVENT_DEDUP_TTL", 30*time.Second),

		DefaultExchangeAddress: strings.ToLower(getEnvString("DEFAULT_EXCHANGE_ADDRESS", "")),
		EIP712DomainVersion:    getEnvString("EIP712_DOMAIN_VERSION", "1.4"),
		ExpiredSweepCron:       getEnvString("EXPIRED_SWEEP_CRON", "0 */5 * * * *"),

		Log: LogConfig{
			Level:    getEnvString("LOG_LEVEL", "info"),
			Encoding: getEnvString("LOG_ENCODING", "json"),
			Sampling: getEnvBool("LOG_SAMPLING", false),
		},
	}
}

// Chain returns the settings for chainID, or false when the chain is not configured.
func (c *Config) Chain(chainID int64) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ID == chainID {
			return ch, true
		}
	}
	return Chain{}, false
}

func loadChains(ids []string) ([]Chain, error) {
	chains := make([]Chain, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q: %w", raw, err)
		}

		rpcURLs := getEnvList(fmt.Sprintf("RPC_URLS_%d", id))
		if len(rpcURLs) == 0 {
			return nil, fmt.Errorf("chain %d has no RPC_URLS_%d", id, id)
		}

		exchanges := getEnvList(fmt.Sprintf("EXCHANGE_ADDRESSES_%d", id))
		for i := range exchanges {
			exchanges[i] = strings.ToLower(exchanges[i])
		}

		chains = append(chains, Chain{
			ID:                id,
			RpcURLs:           rpcURLs,
			ExchangeAddresses: exchanges,
			AggregatorAddress: strings.ToLower(getEnvString(fmt.Sprintf("AGGREGATOR_ADDRESS_%d", id), "")),
			BlockTimeMs:       getEnvUint64(fmt.Sprintf("BLOCK_TIME_MS_%d", id), 12000),
			PollBatch:         getEnvUint64(fmt.Sprintf("POLL_BATCH_%d", id), 100),
		})
	}
	return chains, nil
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("Warning: environment variable %s not set", key)

	return ""
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
