// Package telemetry measures request latency and keeps process-wide counters.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/models"
)

// Stopwatch times one request from normalizer entry to composer exit.
type Stopwatch struct {
	start time.Time
	last  time.Time
	T     models.ProcessingTimings
}

func Start(requestID string) *Stopwatch {
	now := time.Now()
	return &Stopwatch{start: now, last: now, T: models.ProcessingTimings{RequestID: requestID}}
}

// Lap returns the time since the previous lap, or since Start.
func (s *Stopwatch) Lap() time.Duration {
	now := time.Now()
	d := now.Sub(s.last)
	s.last = now
	return d
}

// Elapsed returns the wall clock since Start. It is never negative.
func (s *Stopwatch) Elapsed() time.Duration {
	d := time.Since(s.start)
	if d < 0 {
		return 0
	}
	return d
}

// Milliseconds converts d to fractional milliseconds without rounding.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// LogTimings writes the per-stage breakdown at debug level.
func LogTimings(logger *zap.Logger, t *models.ProcessingTimings) {
	logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("normalize", t.Normalize),
		zap.Duration("detect", t.Detect),
		zap.Duration("classify", t.Classify),
		zap.Duration("compose", t.Compose),
		zap.Duration("total", t.Total),
	)
}

// Counters aggregates prediction outcomes.
type Counters struct {
	mu          sync.RWMutex
	requests    int64
	failures    int64
	detected    int64
	timeouts    int64
	totalTime   time.Duration
	byFreshness map[models.Freshness]int64
	byMode      map[string]int64
}

// Summary is a snapshot of Counters.
type Summary struct {
	TotalRequests    int64            `json:"total_requests"`
	FailedRequests   int64            `json:"failed_requests"`
	TimedOut         int64            `json:"timed_out"`
	DetectedRequests int64            `json:"detected_requests"`
	DetectionRate    float64          `json:"detection_rate"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
	ByFreshness      map[string]int64 `json:"by_freshness"`
	ByClassifierMode map[string]int64 `json:"by_classifier_mode"`
}

func NewCounters() *Counters {
	return &Counters{
		byFreshness: make(map[models.Freshness]int64),
		byMode:      make(map[string]int64),
	}
}

// Observe records a completed prediction. mode is empty when no classifier ran.
func (c *Counters) Observe(res models.PredictionResult, mode string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.totalTime += elapsed
	if res.Detected {
		c.detected++
	}
	c.byFreshness[res.Freshness]++
	if mode != "" {
		c.byMode[mode]++
	}
}

func (c *Counters) Failure(timeout bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.failures++
	if timeout {
		c.timeouts++
	}
}

func (c *Counters) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		TotalRequests:    c.requests,
		FailedRequests:   c.failures,
		TimedOut:         c.timeouts,
		DetectedRequests: c.detected,
		ByFreshness:      make(map[string]int64, len(c.byFreshness)),
		ByClassifierMode: make(map[string]int64, len(c.byMode)),
	}
	for k, v := range c.byFreshness {
		s.ByFreshness[string(k)] = v
	}
	for k, v := range c.byMode {
		s.ByClassifierMode[k] = v
	}

	if ok := c.requests - c.failures; ok > 0 {
		s.DetectionRate = float64(c.detected) / float64(ok)
		s.AverageLatencyMs = Milliseconds(c.totalTime) / float64(ok)
	}
	return s
}
