package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/models"
)

type stubStore struct {
	mu    sync.Mutex
	logs  map[string]*PredictionLog
	saves int
	finds int
}

func newStubStore() *stubStore {
	return &stubStore{logs: make(map[string]*PredictionLog)}
}

func (s *stubStore) Save(_ context.Context, log *PredictionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.logs[log.RequestID] = log
	return nil
}

func (s *stubStore) FindByRequestID(_ context.Context, requestID, owner string) (*PredictionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	log, ok := s.logs[requestID]
	if !ok || (owner != "" && log.Owner != owner) {
		return nil, ErrNotFound
	}
	return log, nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

type stubCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	failures int
	gets     int
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string][]byte)}
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return timeoutErr{}
	}
	c.values[key] = value
	return nil
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.values[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

func newTestRecorder(store Store, cache Cache) *Recorder {
	r := NewRecorder(store, cache, zap.NewNop())
	r.initialBackoff = time.Millisecond
	return r
}

var sample = models.PredictionResult{
	Food:            "banana",
	Freshness:       models.SemiFresh,
	Confidence:      0.66,
	Detected:        true,
	InferenceTimeMS: 12.25,
}

func TestRecordThenGetFromCache(t *testing.T) {
	store, cache := newStubStore(), newStubCache()
	r := newTestRecorder(store, cache)

	r.Record(context.Background(), "req-1", "", "Heuristic", []byte("image"), sample)

	rec, err := r.Get(context.Background(), "req-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Result != sample || rec.ClassifierMode != "Heuristic" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.ImageSHA256) != 64 {
		t.Fatalf("expected hex sha256, got %q", rec.ImageSHA256)
	}
	if store.saves != 1 || store.finds != 0 {
		t.Fatalf("expected cache hit without database read, saves=%d finds=%d", store.saves, store.finds)
	}
}

func TestGetFallsBackToStore(t *testing.T) {
	store, cache := newStubStore(), newStubCache()
	_ = store.Save(context.Background(), &PredictionLog{RequestID: "req-2", Food: "apple", Freshness: "fresh", Detected: true})
	r := newTestRecorder(store, cache)

	rec, err := r.Get(context.Background(), "req-2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Result.Food != "apple" || rec.Result.Freshness != models.Fresh {
		t.Fatalf("unexpected record %+v", rec)
	}
	if cache.gets != 1 {
		t.Fatalf("expected a single cache read for a miss, got %d", cache.gets)
	}
}

func TestGetMissing(t *testing.T) {
	r := newTestRecorder(newStubStore(), newStubCache())
	if _, err := r.Get(context.Background(), "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordRetriesTransientCacheErrors(t *testing.T) {
	cache := newStubCache()
	cache.failures = 2
	r := newTestRecorder(nil, cache)

	r.Record(context.Background(), "req-3", "", "", nil, sample)
	if _, ok := cache.values[cacheKey("req-3")]; !ok {
		t.Fatal("expected value cached after retries")
	}
}

func TestDisabledRecorder(t *testing.T) {
	r := NewRecorder(nil, nil, zap.NewNop())
	if r.Enabled() {
		t.Fatal("expected recorder disabled without backends")
	}
	r.Record(context.Background(), "req", "", "", nil, sample)
	if _, err := r.Get(context.Background(), "req", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetScopedToOwner(t *testing.T) {
	store, cache := newStubStore(), newStubCache()
	r := newTestRecorder(store, cache)
	r.Record(context.Background(), "req-4", "alice", "Learned", []byte("image"), sample)

	if _, err := r.Get(context.Background(), "req-4", "alice"); err != nil {
		t.Fatalf("owner should read own prediction: %v", err)
	}
	if _, err := r.Get(context.Background(), "req-4", "mallory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from cache for another subject, got %v", err)
	}

	dbOnly := newTestRecorder(store, nil)
	if _, err := dbOnly.Get(context.Background(), "req-4", "mallory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from store for another subject, got %v", err)
	}
	rec, err := dbOnly.Get(context.Background(), "req-4", "alice")
	if err != nil || rec.Owner != "alice" {
		t.Fatalf("expected owner round trip through store, got %+v, %v", rec, err)
	}
}

func TestRecordStopsRetryingWhenContextEnds(t *testing.T) {
	cache := newStubCache()
	cache.failures = 10
	r := NewRecorder(nil, cache, zap.NewNop())
	r.initialBackoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	r.Record(ctx, "req-5", "", "", nil, sample)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("record ignored its deadline, took %v", elapsed)
	}
}
