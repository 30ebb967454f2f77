/**
 * Storage Manager for the OCR gateway
 *
 * Builds the quota store selected by configuration and owns the
 * connections it opened.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/ocr-gateway/internal/config"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"github.com/redis/go-redis/v9"
)

// StorageManager holds the quota store and the connections behind it
type StorageManager struct {
	quotaStore quota.Store
	redis      redis.UniversalClient
	postgres   *PostgresQuotaStore
	logger     *logging.Logger
}

// StorageConfig selects and configures the backing stores
type StorageConfig struct {
	QuotaStore  string // memory, redis or postgres
	RedisURL    string
	DatabaseURL string
	Logger      *logging.Logger
}

// NewStorageManager opens the stores named in cfg. Redis is connected
// whenever a URL is given, since the job queue shares it.
func NewStorageManager(ctx context.Context, cfg *StorageConfig) (*StorageManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	sm := &StorageManager{logger: logger}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		sm.redis = client
	}

	switch cfg.QuotaStore {
	case "", config.QuotaStoreMemory:
		sm.quotaStore = NewMemoryQuotaStore()
		logger.Warn("Using in-memory quota store; usage is lost on restart and not shared across replicas")

	case config.QuotaStoreRedis:
		if sm.redis == nil {
			return nil, fmt.Errorf("redis quota store requires REDIS_URL")
		}
		sm.quotaStore = NewRedisQuotaStore(sm.redis)

	case config.QuotaStorePostgres:
		pg, err := NewPostgresQuotaStore(cfg.DatabaseURL)
		if err != nil {
			sm.Close()
			return nil, fmt.Errorf("failed to initialize PostgreSQL quota store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			sm.Close()
			return nil, err
		}
		sm.postgres = pg
		sm.quotaStore = pg

	default:
		sm.Close()
		return nil, fmt.Errorf("unknown quota store %q", cfg.QuotaStore)
	}

	logger.Info("Storage initialized", "quotaStore", cfg.QuotaStore, "redis", sm.redis != nil)
	return sm, nil
}

// NewStorageManagerWith wires pre-built stores, mainly for tests
func NewStorageManagerWith(store quota.Store, client redis.UniversalClient) *StorageManager {
	return &StorageManager{quotaStore: store, redis: client, logger: logging.NewNopLogger()}
}

// QuotaStore returns the selected quota store
func (sm *StorageManager) QuotaStore() quota.Store {
	return sm.quotaStore
}

// Redis returns the shared client, or nil when Redis is not configured
func (sm *StorageManager) Redis() redis.UniversalClient {
	return sm.redis
}

// Health checks every opened connection
func (sm *StorageManager) Health(ctx context.Context) map[string]string {
	status := map[string]string{}
	if sm.redis != nil {
		status["redis"] = "ok"
		if err := sm.redis.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
		}
	}
	if sm.postgres != nil {
		status["postgres"] = "ok"
		if err := sm.postgres.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
		}
	}
	return status
}

// Close closes the connections opened by NewStorageManager
func (sm *StorageManager) Close() error {
	var firstErr error
	if sm.postgres != nil {
		if err := sm.postgres.Close(); err != nil {
			firstErr = err
		}
		sm.postgres = nil
	}
	if sm.redis != nil {
		if err := sm.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		sm.redis = nil
	}
	return firstErr
}
