// Package config resolves the engine's runtime configuration from
// environment variables, the way the rest of the stack's services do.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"vecengine/internal/common"
	"vecengine/internal/wal"
)

// Config is the complete configuration for a vecengine process: one data
// directory holding all collections, a shared WAL, and the per-operation
// deadlines and limits the manager enforces.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	WAL     WALConfig     `json:"wal"`
	Limits  LimitsConfig  `json:"limits"`
	Feed    FeedConfig    `json:"feed"`
}

// FeedConfig configures the optional NATS replication-feed publisher. An
// empty NatsAddress leaves the feed disabled.
type FeedConfig struct {
	NatsAddress string `json:"nats_address"`
	Subject     string `json:"subject"`
}

// ServerConfig configures the data root shared by every collection.
type ServerConfig struct {
	DataDir string `json:"data_dir"`
}

// StorageConfig configures segment growth for newly opened collections.
type StorageConfig struct {
	SegmentInitialBytes int64 `json:"segment_initial_bytes"`
	SegmentGrowthBytes  int64 `json:"segment_growth_bytes"`
}

// WALConfig mirrors internal/wal.Config's JSON-facing fields.
type WALConfig struct {
	SyncPolicy          string `json:"sync_mode"`
	FlushThresholdBytes int    `json:"flush_threshold_bytes"`
	FlushIntervalMs     int    `json:"flush_interval_ms"`
	MaxBufferedBytes    int64  `json:"max_buffered_bytes"`
}

// LimitsConfig carries the ambient deadlines and collection/vector ceilings
// the manager enforces on every operation.
type LimitsConfig struct {
	InsertTimeoutMs          int   `json:"insert_timeout_ms"`
	BatchInsertTimeoutMs     int   `json:"batch_insert_timeout_ms"`
	QueryTimeoutMs           int   `json:"query_timeout_ms"`
	SoftDeleteRetentionHours int   `json:"soft_delete_retention_hours"`
	MaxCollections           int   `json:"max_collections"`
	MaxVectorsPerCollection  int64 `json:"max_vectors_per_collection"`
}

// Load resolves configuration from environment variables, falling back to
// the documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			DataDir: getEnvString("VECENGINE_DATA_DIR", "./data"),
		},
		Storage: StorageConfig{
			SegmentInitialBytes: getEnvInt64("VECENGINE_SEGMENT_INITIAL_BYTES", 1024*1024),
			SegmentGrowthBytes:  getEnvInt64("VECENGINE_SEGMENT_GROWTH_BYTES", 64*1024*1024),
		},
		WAL: WALConfig{
			SyncPolicy:          getEnvString("VECENGINE_WAL_SYNC_MODE", "batch"),
			FlushThresholdBytes: getEnvInt("VECENGINE_WAL_FLUSH_THRESHOLD_BYTES", 256*1024),
			FlushIntervalMs:     getEnvInt("VECENGINE_WAL_FLUSH_INTERVAL_MS", 100),
			MaxBufferedBytes:    getEnvInt64("VECENGINE_WAL_MAX_BUFFERED_BYTES", 8*1024*1024),
		},
		Limits: LimitsConfig{
			InsertTimeoutMs:          getEnvInt("VECENGINE_INSERT_TIMEOUT_MS", 30000),
			BatchInsertTimeoutMs:     getEnvInt("VECENGINE_BATCH_INSERT_TIMEOUT_MS", 60000),
			QueryTimeoutMs:           getEnvInt("VECENGINE_QUERY_TIMEOUT_MS", 30000),
			SoftDeleteRetentionHours: getEnvInt("VECENGINE_SOFT_DELETE_RETENTION_HOURS", 24),
			MaxCollections:           getEnvInt("VECENGINE_MAX_COLLECTIONS", 100),
			MaxVectorsPerCollection:  getEnvInt64("VECENGINE_MAX_VECTORS_PER_COLLECTION", 10_000_000),
		},
		Feed: FeedConfig{
			NatsAddress: getEnvString("VECENGINE_NATS_ADDRESS", ""),
			Subject:     getEnvString("VECENGINE_NATS_SUBJECT", "vecengine.ops"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToWALConfig converts to internal/wal.Config, anchored at dataDir.
func (c *Config) ToWALConfig(dataDir string) wal.Config {
	return wal.Config{
		DataDir:             dataDir,
		SyncPolicy:          wal.ParseSyncPolicy(c.WAL.SyncPolicy),
		FlushThresholdBytes: c.WAL.FlushThresholdBytes,
		FlushIntervalMs:     c.WAL.FlushIntervalMs,
		MaxBufferedBytes:    c.WAL.MaxBufferedBytes,
	}
}

// Validate checks the fields the manager relies on being well-formed.
func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.Limits.MaxCollections <= 0 {
		return fmt.Errorf("config: max_collections must be positive")
	}
	if !common.Contains([]string{"none", "batch", "every_write"}, c.WAL.SyncPolicy) {
		return fmt.Errorf("config: invalid wal.sync_mode %q", c.WAL.SyncPolicy)
	}
	return nil
}

// String returns a pretty-printed JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
