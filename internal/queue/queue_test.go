package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-gateway/internal/errors"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/adverant/nexus/ocr-gateway/internal/storage"
	"github.com/hibiken/asynq"
)

type memJobs struct {
	mu      sync.Mutex
	records map[string]storage.JobRecord
	history []storage.JobStatus
	saveErr error
	failN   int // fail this many saves before succeeding
	saves   int
}

func newMemJobs() *memJobs {
	return &memJobs{records: make(map[string]storage.JobRecord)}
}

func (m *memJobs) Save(ctx context.Context, rec *storage.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.failN > 0 {
		m.failN--
		return errors.New("connection reset")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.records[rec.JobID] = *rec
	m.history = append(m.history, rec.Status)
	return nil
}

func (m *memJobs) Get(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return &rec, nil
}

type fakeProcessor struct {
	result *processor.OCRResult
	wait   bool
	seen   string
	calls  int
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, att *processor.FileAttachment) *processor.OCRResult {
	f.calls++
	f.seen = att.ID
	if f.wait {
		<-ctx.Done()
	}
	return f.result
}

type fakeClient struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "x"}, nil
}

func (f *fakeClient) Close() error { return nil }

func newTestConsumer(p DocumentProcessor, jobs JobStore, timeout time.Duration) *Consumer {
	return &Consumer{
		processor: p,
		jobs:      jobs,
		config:    &ConsumerConfig{ProcessingTimeout: timeout, QueueName: DefaultQueueName, Concurrency: 1, SaveBackoff: time.Millisecond},
		logger:    logging.NewNopLogger(),
	}
}

func taskFor(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(DocumentTask{
		JobID:      jobID,
		Attachment: processor.FileAttachment{ID: "a1", Name: "scan.png", Type: "image/png", Data: "aGVsbG8=", Size: 5},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(TaskProcessDocument, payload)
}

func TestHandleProcessDocumentCompletes(t *testing.T) {
	jobs := newMemJobs()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	jobs.records["job-1"] = storage.JobRecord{JobID: "job-1", Status: storage.JobProcessing, CreatedAt: created}

	p := &fakeProcessor{result: &processor.OCRResult{Text: "Bonjour", Method: processor.MethodPrimary, Confidence: 92}}
	c := newTestConsumer(p, jobs, time.Second)

	if err := c.handleProcessDocument(context.Background(), taskFor(t, "job-1")); err != nil {
		t.Fatalf("handleProcessDocument() error = %v", err)
	}
	rec, _ := jobs.Get(context.Background(), "job-1")
	if rec.Status != storage.JobCompleted || rec.Result == nil || rec.Result.Text != "Bonjour" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("creation time should be preserved, got %v", rec.CreatedAt)
	}
	if p.seen != "a1" {
		t.Fatalf("processor saw %q", p.seen)
	}
}

func TestHandleProcessDocumentRecordsFailure(t *testing.T) {
	jobs := newMemJobs()
	p := &fakeProcessor{result: &processor.OCRResult{Method: processor.MethodFallback, Error: "All OCR backends failed: boom"}}
	c := newTestConsumer(p, jobs, time.Second)

	if err := c.handleProcessDocument(context.Background(), taskFor(t, "job-2")); err != nil {
		t.Fatalf("OCR failure must not fail the task: %v", err)
	}
	rec, _ := jobs.Get(context.Background(), "job-2")
	if rec.Status != storage.JobFailed || rec.Error != "All OCR backends failed: boom" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestHandleProcessDocumentTimeout(t *testing.T) {
	jobs := newMemJobs()
	p := &fakeProcessor{wait: true, result: &processor.OCRResult{Method: processor.MethodFallback, Error: "context deadline exceeded"}}
	c := newTestConsumer(p, jobs, 10*time.Millisecond)

	if err := c.handleProcessDocument(context.Background(), taskFor(t, "job-3")); err != nil {
		t.Fatalf("handleProcessDocument() error = %v", err)
	}
	rec, _ := jobs.Get(context.Background(), "job-3")
	if rec.Status != storage.JobFailed || rec.Error == "" || rec.Error == "context deadline exceeded" {
		t.Fatalf("expected a timeout message, got %+v", rec)
	}
}

func TestHandleProcessDocumentBadPayloadSkipsRetry(t *testing.T) {
	c := newTestConsumer(&fakeProcessor{}, newMemJobs(), time.Second)

	err := c.handleProcessDocument(context.Background(), asynq.NewTask(TaskProcessDocument, []byte("{not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	err = c.handleProcessDocument(context.Background(), asynq.NewTask(TaskProcessDocument, []byte(`{"attachment":{}}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("missing job ID should skip retry, got %v", err)
	}
}

func TestHandleProcessDocumentStoreFailureDoesNotRerunOCR(t *testing.T) {
	jobs := newMemJobs()
	jobs.saveErr = errors.New("redis down")
	p := &fakeProcessor{result: &processor.OCRResult{Text: "ok", Method: processor.MethodPrimary, Confidence: 90}}
	c := newTestConsumer(p, jobs, time.Second)

	err := c.handleProcessDocument(context.Background(), taskFor(t, "job-4"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("a task whose OCR already ran must not be retried, got %v", err)
	}
	if !ocrerrors.IsCode(err, ocrerrors.ErrorPersistenceFailed) {
		t.Fatalf("expected persistence error code, got %v", err)
	}
	if p.calls != 1 || jobs.saves != resultSaveAttempts {
		t.Fatalf("calls=%d saves=%d, want 1 and %d", p.calls, jobs.saves, resultSaveAttempts)
	}
}

func TestHandleProcessDocumentRetriesResultWrite(t *testing.T) {
	jobs := newMemJobs()
	jobs.failN = 2
	p := &fakeProcessor{result: &processor.OCRResult{Text: "ok", Method: processor.MethodPrimary, Confidence: 90}}
	c := newTestConsumer(p, jobs, time.Second)

	if err := c.handleProcessDocument(context.Background(), taskFor(t, "job-5")); err != nil {
		t.Fatalf("handleProcessDocument() error = %v", err)
	}
	rec, _ := jobs.Get(context.Background(), "job-5")
	if rec.Status != storage.JobCompleted || p.calls != 1 {
		t.Fatalf("status=%s calls=%d", rec.Status, p.calls)
	}
}

func TestHandleProcessDocumentSkipsFinishedJob(t *testing.T) {
	jobs := newMemJobs()
	jobs.records["job-6"] = storage.JobRecord{JobID: "job-6", Status: storage.JobCompleted,
		Result: &processor.OCRResult{Text: "déjà fait", Method: processor.MethodPrimary, Confidence: 95}}
	p := &fakeProcessor{result: &processor.OCRResult{Text: "again", Method: processor.MethodPrimary}}
	c := newTestConsumer(p, jobs, time.Second)

	if err := c.handleProcessDocument(context.Background(), taskFor(t, "job-6")); err != nil {
		t.Fatalf("handleProcessDocument() error = %v", err)
	}
	rec, _ := jobs.Get(context.Background(), "job-6")
	if p.calls != 0 || rec.Result.Text != "déjà fait" {
		t.Fatalf("finished job must not be processed again: calls=%d result=%+v", p.calls, rec.Result)
	}
}

func TestEnqueueSavesProcessingRecord(t *testing.T) {
	jobs := newMemJobs()
	client := &fakeClient{}
	e, err := newEnqueuer(client, &EnqueuerConfig{Jobs: jobs, Retention: time.Hour})
	if err != nil {
		t.Fatalf("newEnqueuer() error = %v", err)
	}

	att := &processor.FileAttachment{ID: "a1", Name: "doc.pdf", Type: "application/pdf", Data: "JVBERi0="}
	rec, err := e.Enqueue(context.Background(), att)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if rec.JobID == "" || rec.Status != storage.JobProcessing {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(client.tasks) != 1 || client.tasks[0].Type() != TaskProcessDocument {
		t.Fatalf("expected one %s task", TaskProcessDocument)
	}

	var payload DocumentTask
	if err := json.Unmarshal(client.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.JobID != rec.JobID || payload.Attachment.ID != "a1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(client.opts[0]) != 4 {
		t.Fatalf("expected queue, task ID, retry and retention options, got %d", len(client.opts[0]))
	}

	stored, err := e.Status(context.Background(), rec.JobID)
	if err != nil || stored.Status != storage.JobProcessing {
		t.Fatalf("Status() = %+v, %v", stored, err)
	}
}

func TestEnqueueFailureMarksJobFailed(t *testing.T) {
	jobs := newMemJobs()
	e, _ := newEnqueuer(&fakeClient{err: errors.New("connection refused")}, &EnqueuerConfig{Jobs: jobs})

	_, err := e.Enqueue(context.Background(), &processor.FileAttachment{ID: "a1", Data: "eA=="})
	if !ocrerrors.IsCode(err, ocrerrors.ErrorQueueFailed) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if len(jobs.history) != 2 || jobs.history[1] != storage.JobFailed {
		t.Fatalf("job should move to failed, history %v", jobs.history)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	if _, err := NewConsumer(&ConsumerConfig{}); err == nil {
		t.Fatalf("missing Redis URL should fail")
	}
	if _, err := NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379"}); err == nil {
		t.Fatalf("missing processor should fail")
	}
}
