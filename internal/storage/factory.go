// Package storage selects the queue-state backend: Redis when reachable,
// falling back to a local JSON file otherwise.
package storage

import (
	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/storage/file"
	"github.com/oyi77/naver-smartstore-sub000/internal/storage/redis"
)

// NewStateStore returns the Redis state store when the configured instance
// answers a ping, otherwise the file fallback. The orchestrator does not
// care which backend it got.
func NewStateStore(config *common.StateConfig, logger arbor.ILogger) interfaces.StateStore {
	if config.RedisAddr != "" {
		store, err := redis.NewStateStore(config, logger)
		if err == nil {
			return store
		}
		logger.Warn().Err(err).Str("addr", config.RedisAddr).Msg("Redis unavailable, using file fallback for queue state")
	}
	return file.NewStateStore(config.FallbackFile, logger)
}
