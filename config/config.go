// Package config builds the runtime configuration from environment
// variables, with sane defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnv          = "development"
	defaultDataDir      = "data"
	defaultLogBackend   = "file"
	defaultSegmentSize  = 16 << 20
	defaultKafkaBrokers = "localhost:9092"
	defaultEventTopic   = "matcher-events"
	defaultSettleTopic  = "matcher-settlements"

	defaultAcceptTimeout    = 3 * time.Second
	defaultCatchUpTimeout   = time.Minute
	defaultSnapshotEvery    = 1000
	defaultSnapshotInterval = time.Minute
	defaultExpiryInterval   = 5 * time.Second
	defaultDepthLevels      = 50
	defaultSettleInterval   = 250 * time.Millisecond

	defaultFeeMode = "dynamic"
	defaultBaseFee = 300_000
)

// Config keeps the runtime configuration for the matcher.
type Config struct {
	Env     string
	Storage StorageConfig
	Log     LogConfig
	Kafka   KafkaConfig
	Engine  EngineConfig
	Fee     FeeConfig
}

// StorageConfig holds the on-disk layout.
type StorageConfig struct {
	// DataDir is the root; the KV store, the outbox, and the file log
	// each get a subdirectory under it.
	DataDir string
}

func (s StorageConfig) StoreDir() string  { return s.DataDir + "/store" }
func (s StorageConfig) OutboxDir() string { return s.DataDir + "/outbox" }
func (s StorageConfig) LogDir() string    { return s.DataDir + "/log" }

// LogConfig selects the event-log backend.
type LogConfig struct {
	// Backend is "file" or "kafka".
	Backend     string
	SegmentSize int64
}

// KafkaConfig holds broker addresses and topics for the kafka-backed
// event log and the settlement broadcaster.
type KafkaConfig struct {
	Brokers        []string
	EventTopic     string
	SettleTopic    string
	SettleInterval time.Duration
}

// EngineConfig holds matching-core knobs.
type EngineConfig struct {
	AcceptTimeout    time.Duration
	CatchUpTimeout   time.Duration
	SnapshotEvery    int
	SnapshotInterval time.Duration
	ExpiryInterval   time.Duration
	DepthLevels      int
}

// FeeConfig selects the fee mode. Mode is "dynamic", "fixed", or "percent".
type FeeConfig struct {
	Mode    string
	BaseFee int64
	// Fixed mode.
	Asset  string
	MinFee int64
	// Percent mode.
	AssetType string
	Percent   decimal.Decimal
}

// Load builds Config from environment variables.
func Load() (*Config, error) {
	segSize, err := getInt64("LOG_SEGMENT_SIZE", defaultSegmentSize)
	if err != nil {
		return nil, err
	}
	baseFee, err := getInt64("FEE_BASE", defaultBaseFee)
	if err != nil {
		return nil, err
	}
	minFee, err := getInt64("FEE_MIN", 0)
	if err != nil {
		return nil, err
	}
	snapEvery, err := getInt("SNAPSHOT_EVERY", defaultSnapshotEvery)
	if err != nil {
		return nil, err
	}
	depthLevels, err := getInt("DEPTH_LEVELS", defaultDepthLevels)
	if err != nil {
		return nil, err
	}

	acceptTimeout, err := getDuration("ACCEPT_TIMEOUT", defaultAcceptTimeout)
	if err != nil {
		return nil, err
	}
	catchUpTimeout, err := getDuration("CATCHUP_TIMEOUT", defaultCatchUpTimeout)
	if err != nil {
		return nil, err
	}
	snapInterval, err := getDuration("SNAPSHOT_INTERVAL", defaultSnapshotInterval)
	if err != nil {
		return nil, err
	}
	expiryInterval, err := getDuration("EXPIRY_INTERVAL", defaultExpiryInterval)
	if err != nil {
		return nil, err
	}
	settleInterval, err := getDuration("SETTLE_INTERVAL", defaultSettleInterval)
	if err != nil {
		return nil, err
	}

	percent := decimal.Zero
	if raw := os.Getenv("FEE_PERCENT"); raw != "" {
		percent, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse FEE_PERCENT value %q: %w", raw, err)
		}
	}

	return &Config{
		Env: getString("APP_ENV", defaultEnv),
		Storage: StorageConfig{
			DataDir: getString("DATA_DIR", defaultDataDir),
		},
		Log: LogConfig{
			Backend:     getString("LOG_BACKEND", defaultLogBackend),
			SegmentSize: segSize,
		},
		Kafka: KafkaConfig{
			Brokers:        strings.Split(getString("KAFKA_BROKERS", defaultKafkaBrokers), ","),
			EventTopic:     getString("KAFKA_EVENT_TOPIC", defaultEventTopic),
			SettleTopic:    getString("KAFKA_SETTLE_TOPIC", defaultSettleTopic),
			SettleInterval: settleInterval,
		},
		Engine: EngineConfig{
			AcceptTimeout:    acceptTimeout,
			CatchUpTimeout:   catchUpTimeout,
			SnapshotEvery:    snapEvery,
			SnapshotInterval: snapInterval,
			ExpiryInterval:   expiryInterval,
			DepthLevels:      depthLevels,
		},
		Fee: FeeConfig{
			Mode:      getString("FEE_MODE", defaultFeeMode),
			BaseFee:   baseFee,
			Asset:     os.Getenv("FEE_ASSET"),
			MinFee:    minFee,
			AssetType: getString("FEE_ASSET_TYPE", "amount"),
			Percent:   percent,
		},
	}, nil
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int64: %w", key, value, err)
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to duration: %w", key, value, err)
	}
	return parsed, nil
}
