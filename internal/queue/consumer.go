/**
 * Queue Consumer for asynchronous OCR jobs
 *
 * Consumes "ocr:document" tasks from Redis via Asynq, runs them through
 * the OCR manager and stores the outcome in the job store.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-gateway/internal/errors"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/adverant/nexus/ocr-gateway/internal/storage"
	"github.com/hibiken/asynq"
)

// TaskProcessDocument is the Asynq task type for one attachment
const TaskProcessDocument = "ocr:document"

const (
	defaultProcessingTimeout = 5 * time.Minute

	resultSaveAttempts = 4
	resultSaveBackoff  = 500 * time.Millisecond
)

// DocumentTask is the task payload
type DocumentTask struct {
	JobID      string                   `json:"jobId"`
	Attachment processor.FileAttachment `json:"attachment"`
}

// DocumentProcessor is the part of the OCR manager the consumer needs
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, att *processor.FileAttachment) *processor.OCRResult
}

// JobStore persists job records
type JobStore interface {
	Save(ctx context.Context, rec *storage.JobRecord) error
	Get(ctx context.Context, jobID string) (*storage.JobRecord, error)
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor DocumentProcessor
	jobs      JobStore
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         DocumentProcessor
	Jobs              JobStore
	ProcessingTimeout time.Duration
	SaveBackoff       time.Duration // first delay between result write attempts
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("Jobs is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	c := &Consumer{
		processor: cfg.Processor,
		jobs:      cfg.Jobs,
		config:    cfg,
		logger:    logger,
	}

	c.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// 5s, 10s, 20s ... capped at a minute
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger: newAsynqLogger(logger.With("asynq")),
		},
	)

	c.mux = asynq.NewServeMux()
	c.mux.HandleFunc(TaskProcessDocument, c.handleProcessDocument)

	return c, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleProcessDocument processes one OCR job. OCR failures are terminal
// job states, not task errors. A job already in a terminal state is not
// processed again, and once OCR has run the task is never retried, so a
// billed primary call happens at most once per job.
func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	var payload DocumentTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("job ID missing from payload: %w", asynq.SkipRetry)
	}

	att := payload.Attachment
	rec := &storage.JobRecord{
		JobID:        payload.JobID,
		Status:       storage.JobProcessing,
		AttachmentID: att.ID,
		Name:         att.Name,
		Type:         att.Type,
	}
	if existing, err := c.jobs.Get(ctx, payload.JobID); err == nil {
		if existing.Status != storage.JobProcessing {
			c.logger.Info("OCR job already finished, skipping", "jobId", payload.JobID, "status", existing.Status)
			return nil
		}
		rec.CreatedAt = existing.CreatedAt
	}

	c.logger.Info("Processing OCR job", "jobId", payload.JobID, "name", att.Name, "size", ocrerrors.FormatFileSize(att.Size))

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	start := time.Now()
	result := c.processor.ProcessDocument(processCtx, &att)
	duration := time.Since(start)

	rec.Result = result
	if result.Failed() {
		rec.Status = storage.JobFailed
		rec.Error = result.Error
		if processCtx.Err() == context.DeadlineExceeded {
			timeoutErr := ocrerrors.NewBackendTimeoutError(att.ID, string(result.Method), c.config.ProcessingTimeout, processCtx.Err())
			rec.Error = timeoutErr.Message
		}
		c.logger.Warn("OCR job failed", "jobId", payload.JobID, "duration", duration, "error", rec.Error)
	} else {
		rec.Status = storage.JobCompleted
		c.logger.Info("OCR job completed", "jobId", payload.JobID, "duration", duration,
			"method", result.Method, "confidence", result.Confidence)
	}

	if err := c.saveResult(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("Failed to store OCR job result", "jobId", payload.JobID, "attempts", resultSaveAttempts, "error", err)
		return fmt.Errorf("%w: %w", ocrerrors.NewPersistenceError("job result", err), asynq.SkipRetry)
	}
	return nil
}

// saveResult retries the final write in place; retrying the task instead
// would run OCR again
func (c *Consumer) saveResult(ctx context.Context, rec *storage.JobRecord) error {
	var err error
	for attempt := 0; attempt < resultSaveAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.saveBackoff() * time.Duration(1<<uint(attempt-1)))
		}
		if err = c.jobs.Save(ctx, rec); err == nil {
			return nil
		}
		c.logger.Warn("Job result write failed", "jobId", rec.JobID, "attempt", attempt+1, "error", err)
	}
	return err
}

func (c *Consumer) saveBackoff() time.Duration {
	if c.config.SaveBackoff > 0 {
		return c.config.SaveBackoff
	}
	return resultSaveBackoff
}
