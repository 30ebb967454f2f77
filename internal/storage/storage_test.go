package storage

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestMemoryQuotaStoreRollsOver(t *testing.T) {
	store := NewMemoryQuotaStore()
	ctx := context.Background()

	if rec, _ := store.Add(ctx, "global", "2024-01", 5); rec.Used != 5 {
		t.Fatalf("used = %d, want 5", rec.Used)
	}
	if rec, _ := store.Add(ctx, "global", "2024-01", 2); rec.Used != 7 {
		t.Fatalf("used = %d, want 7", rec.Used)
	}
	if rec, _ := store.Add(ctx, "global", "2024-02", 1); rec.Used != 1 || rec.Month != "2024-02" {
		t.Fatalf("new month should restart the counter, got %+v", rec)
	}
}

func TestRedisQuotaStoreAdd(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisQuotaStore(client)
	ctx := context.Background()

	rec, err := store.Load(ctx, "global")
	if err != nil || rec != (quota.Record{}) {
		t.Fatalf("empty store: rec=%+v err=%v", rec, err)
	}

	for i := 1; i <= 3; i++ {
		rec, err = store.Add(ctx, "global", "2024-03", 1)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if rec.Used != i {
			t.Fatalf("used = %d, want %d", rec.Used, i)
		}
	}

	if got := mr.HGet("ocr:quota:global", "month"); got != "2024-03" {
		t.Fatalf("stored month = %q", got)
	}
	if ttl := mr.TTL("ocr:quota:global"); ttl <= 0 {
		t.Fatalf("quota key should expire, ttl = %v", ttl)
	}

	rec, err = store.Add(ctx, "global", "2024-04", 2)
	if err != nil || rec.Used != 2 || rec.Month != "2024-04" {
		t.Fatalf("rollover: rec=%+v err=%v", rec, err)
	}
	loaded, _ := store.Load(ctx, "global")
	if loaded != rec {
		t.Fatalf("Load() = %+v, want %+v", loaded, rec)
	}
}

func TestRedisQuotaStoreConcurrentAdds(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisQuotaStore(client)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Add(ctx, "global", "2024-06", 1); err != nil {
				t.Errorf("Add() error = %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Load(ctx, "global")
	if err != nil || rec.Used != n {
		t.Fatalf("rec=%+v err=%v, want used=%d", rec, err, n)
	}
}

func TestRedisQuotaStoreSave(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisQuotaStore(client)
	ctx := context.Background()

	if _, err := store.Add(ctx, "team-a", "2024-07", 9); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Save(ctx, "team-a", quota.Record{Month: "2024-07", Used: 0}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec, _ := store.Load(ctx, "team-a")
	if rec.Used != 0 || rec.Month != "2024-07" {
		t.Fatalf("unexpected record after save %+v", rec)
	}
}

func TestRedisQuotaStoreWithTracker(t *testing.T) {
	_, client := newTestRedis(t)
	clock := func() time.Time { return time.Date(2024, time.May, 2, 9, 0, 0, 0, time.UTC) }
	tr, err := quota.NewTracker(&quota.TrackerConfig{Store: NewRedisQuotaStore(client), MonthlyLimit: 10, Clock: clock})
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		tr.RecordUsage(ctx, 1)
	}
	if tr.ShouldUsePrimary(ctx) {
		t.Fatalf("9/10 is past the buffer")
	}
	if usage := tr.CurrentUsage(ctx); usage.Used != 9 || usage.Remaining != 1 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func newMockStore(t *testing.T) (*PostgresQuotaStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresQuotaStoreFromDB(db), mock
}

func TestPostgresQuotaStoreAdd(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_quota_usage")).
		WithArgs("global", "2024-05", 1).
		WillReturnRows(sqlmock.NewRows([]string{"month", "used"}).AddRow("2024-05", 4))

	rec, err := store.Add(context.Background(), "global", "2024-05", 1)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if rec.Month != "2024-05" || rec.Used != 4 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresQuotaStoreLoadMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT month, used FROM ocr_quota_usage WHERE scope = $1")).
		WithArgs("global").
		WillReturnRows(sqlmock.NewRows([]string{"month", "used"}))

	rec, err := store.Load(context.Background(), "global")
	if err != nil || rec != (quota.Record{}) {
		t.Fatalf("missing row should read as zero, rec=%+v err=%v", rec, err)
	}
}

func TestPostgresQuotaStoreSaveAndSchema(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ocr_quota_usage")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ocr_quota_usage")).
		WithArgs("global", "2024-08", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := store.Save(ctx, "global", quota.Record{Month: "2024-08", Used: -3}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresQuotaStoreSurfacesErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_quota_usage")).
		WillReturnError(errors.New("connection reset"))

	if _, err := store.Add(context.Background(), "global", "2024-05", 1); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRedisJobStoreRoundTripAndEvents(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisJobStore(client, time.Hour, nil)
	ctx := context.Background()

	sub := client.Subscribe(ctx, JobEventTopic)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rec := &JobRecord{JobID: "job-1", Status: JobProcessing, AttachmentID: "a1", Name: "a.pdf", Type: "application/pdf"}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload == "" || !regexp.MustCompile(`"event":"job:processing"`).MatchString(msg.Payload) {
			t.Fatalf("unexpected event %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no job event published")
	}

	rec.Status = JobCompleted
	rec.Result = &processor.OCRResult{Text: "bonjour", Method: processor.MethodFallback, Confidence: 80}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != JobCompleted || got.Result == nil || got.Result.Text != "bonjour" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected record %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestStorageManagerSelectsStore(t *testing.T) {
	mr, _ := newTestRedis(t)
	ctx := context.Background()

	sm, err := NewStorageManager(ctx, &StorageConfig{QuotaStore: "redis", RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewStorageManager() error = %v", err)
	}
	defer sm.Close()
	if _, ok := sm.QuotaStore().(*RedisQuotaStore); !ok {
		t.Fatalf("expected redis store, got %T", sm.QuotaStore())
	}
	if sm.Health(ctx)["redis"] != "ok" {
		t.Fatalf("unexpected health %v", sm.Health(ctx))
	}

	if _, err := NewStorageManager(ctx, &StorageConfig{QuotaStore: "redis"}); err == nil {
		t.Fatalf("redis store without URL should fail")
	}
	if _, err := NewStorageManager(ctx, &StorageConfig{QuotaStore: "etcd"}); err == nil {
		t.Fatalf("unknown store should fail")
	}

	mem, err := NewStorageManager(ctx, &StorageConfig{})
	if err != nil {
		t.Fatalf("NewStorageManager() error = %v", err)
	}
	if _, ok := mem.QuotaStore().(*MemoryQuotaStore); !ok {
		t.Fatalf("expected memory store, got %T", mem.QuotaStore())
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
