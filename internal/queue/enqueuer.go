package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-gateway/internal/errors"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/adverant/nexus/ocr-gateway/internal/storage"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// DefaultQueueName is the Asynq queue for OCR tasks
const DefaultQueueName = "ocr"

// taskClient is the subset of *asynq.Client the enqueuer uses
type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Enqueuer submits OCR jobs
type Enqueuer struct {
	client    taskClient
	jobs      JobStore
	queueName string
	retention time.Duration
	maxRetry  int
	logger    *logging.Logger
}

// EnqueuerConfig holds enqueuer configuration
type EnqueuerConfig struct {
	RedisURL  string
	QueueName string
	Jobs      JobStore
	Retention time.Duration // how long Asynq keeps finished tasks
	MaxRetry  int
	Logger    *logging.Logger
}

// NewEnqueuer creates an enqueuer backed by Asynq
func NewEnqueuer(cfg *EnqueuerConfig) (*Enqueuer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return newEnqueuer(asynq.NewClient(redisOpt), cfg)
}

func newEnqueuer(client taskClient, cfg *EnqueuerConfig) (*Enqueuer, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("Jobs is required")
	}
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = DefaultQueueName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	maxRetry := cfg.MaxRetry
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Enqueuer{
		client:    client,
		jobs:      cfg.Jobs,
		queueName: queueName,
		retention: cfg.Retention,
		maxRetry:  maxRetry,
		logger:    logger,
	}, nil
}

// Enqueue records a processing job and submits it. The returned record
// is the interim state until a consumer stores the result.
func (e *Enqueuer) Enqueue(ctx context.Context, att *processor.FileAttachment) (*storage.JobRecord, error) {
	if att == nil {
		return nil, fmt.Errorf("attachment is required")
	}

	jobID := uuid.NewString()
	payload, err := json.Marshal(DocumentTask{JobID: jobID, Attachment: *att})
	if err != nil {
		return nil, ocrerrors.NewQueueError(jobID, err)
	}

	rec := &storage.JobRecord{
		JobID:        jobID,
		Status:       storage.JobProcessing,
		AttachmentID: att.ID,
		Name:         att.Name,
		Type:         att.Type,
	}
	if err := e.jobs.Save(ctx, rec); err != nil {
		return nil, ocrerrors.NewQueueError(jobID, err)
	}

	opts := []asynq.Option{
		asynq.Queue(e.queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(e.maxRetry),
	}
	if e.retention > 0 {
		opts = append(opts, asynq.Retention(e.retention))
	}

	task := asynq.NewTask(TaskProcessDocument, payload)
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		rec.Status = storage.JobFailed
		rec.Error = "failed to enqueue OCR job"
		if saveErr := e.jobs.Save(context.WithoutCancel(ctx), rec); saveErr != nil {
			e.logger.Error("Failed to mark job failed", "jobId", jobID, "error", saveErr)
		}
		return nil, ocrerrors.NewQueueError(jobID, err)
	}

	e.logger.Info("OCR job enqueued", "jobId", jobID, "name", att.Name, "queue", e.queueName)
	return rec, nil
}

// Status returns the stored record for a job
func (e *Enqueuer) Status(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	return e.jobs.Get(ctx, jobID)
}

// Close closes the Asynq client
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// asynqLogger routes Asynq's logs through the service logger
type asynqLogger struct {
	logger *logging.Logger
}

func newAsynqLogger(l *logging.Logger) *asynqLogger {
	return &asynqLogger{logger: l}
}

func (a *asynqLogger) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }

func (a *asynqLogger) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
