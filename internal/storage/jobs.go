/**
 * Redis job store for asynchronous OCR
 *
 * Job records live under "ocr:jobs:<id>" as JSON with a TTL. Every status
 * change is published on "ocr:jobs:events" for streaming clients.
 */

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "ocr:jobs:"
	JobEventTopic = "ocr:jobs:events"
)

// ErrJobNotFound is returned for unknown or expired jobs
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the lifecycle state of an async job
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobRecord is the stored state of one async OCR job
type JobRecord struct {
	JobID        string               `json:"jobId"`
	Status       JobStatus            `json:"status"`
	AttachmentID string               `json:"attachmentId"`
	Name         string               `json:"name"`
	Type         string               `json:"type"`
	Result       *processor.OCRResult `json:"result,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// JobEvent is published on every status change
type JobEvent struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	Timestamp string `json:"timestamp"`
}

// RedisJobStore persists async job records
type RedisJobStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisJobStore creates a job store. A non-positive ttl defaults to 24h.
func NewRedisJobStore(client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *RedisJobStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RedisJobStore{client: client, ttl: ttl, logger: logger}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// Save writes the record and publishes its status
func (s *RedisJobStore) Save(ctx context.Context, rec *JobRecord) error {
	if rec == nil || rec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", rec.JobID, err)
	}
	if err := s.client.Set(ctx, jobKey(rec.JobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", rec.JobID, err)
	}

	event, _ := json.Marshal(JobEvent{
		Event:     fmt.Sprintf("job:%s", rec.Status),
		JobID:     rec.JobID,
		Timestamp: now.Format(time.RFC3339),
	})
	if err := s.client.Publish(ctx, JobEventTopic, event).Err(); err != nil {
		s.logger.Warn("Failed to publish job event", "jobId", rec.JobID, "status", rec.Status, "error", err)
	}
	return nil
}

// Get loads a job record
func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", jobID, err)
	}
	return &rec, nil
}
