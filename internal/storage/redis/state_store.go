package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// StateStore persists orchestrator state in Redis: a hash of job records
// keyed by job id and an ordered list holding the queue.
type StateStore struct {
	client  *redis.Client
	jobsKey string
	listKey string
	logger  arbor.ILogger
}

// NewStateStore connects to Redis and verifies the connection with a ping.
func NewStateStore(config *common.StateConfig, logger arbor.ILogger) (*StateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "smartstore"
	}

	logger.Info().Str("addr", config.RedisAddr).Str("prefix", prefix).Msg("Redis state store connected")

	return &StateStore{
		client:  client,
		jobsKey: prefix + ":jobs",
		listKey: prefix + ":queue",
		logger:  logger,
	}, nil
}

// SaveJob upserts a single job record into the jobs hash.
func (s *StateStore) SaveJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := s.client.HSet(ctx, s.jobsKey, job.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// SaveState writes the full jobs map and queue order in one pipeline so the
// persisted view is never a half-written mix of old and new state.
func (s *StateStore) SaveState(ctx context.Context, jobs map[string]*models.Job, queue []string) error {
	pipe := s.client.TxPipeline()

	if len(jobs) > 0 {
		fields := make(map[string]interface{}, len(jobs))
		for id, job := range jobs {
			data, err := json.Marshal(job)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", id).Msg("Skipping unmarshalable job in state write")
				continue
			}
			fields[id] = data
		}
		if len(fields) > 0 {
			pipe.HSet(ctx, s.jobsKey, fields)
		}
	}

	pipe.Del(ctx, s.listKey)
	if len(queue) > 0 {
		ids := make([]interface{}, len(queue))
		for i, id := range queue {
			ids[i] = id
		}
		pipe.RPush(ctx, s.listKey, ids...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	return nil
}

// Load reads all persisted jobs and the queue order. Each hash entry is
// parsed independently; malformed entries are logged and skipped.
func (s *StateStore) Load(ctx context.Context) (map[string]*models.Job, []string, error) {
	entries, err := s.client.HGetAll(ctx, s.jobsKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load jobs hash: %w", err)
	}

	jobs := make(map[string]*models.Job, len(entries))
	for id, raw := range entries {
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Ignoring malformed job record")
			continue
		}
		jobs[id] = &job
	}

	queue, err := s.client.LRange(ctx, s.listKey, 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load queue list: %w", err)
	}

	return jobs, queue, nil
}

// DeleteJobs removes job records from the jobs hash.
func (s *StateStore) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.jobsKey, ids...).Err(); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *StateStore) Close() error {
	return s.client.Close()
}

var _ interfaces.StateStore = (*StateStore)(nil)
