package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/logging"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

const cacheTTL = 10 * time.Minute

// Store is the persistence the recorder writes through.
type Store interface {
	Save(ctx context.Context, log *PredictionLog) error
	FindByRequestID(ctx context.Context, requestID, owner string) (*PredictionLog, error)
}

// Record is the stored view of one prediction.
type Record struct {
	RequestID      string                  `json:"request_id" msgpack:"request_id"`
	Owner          string                  `json:"-" msgpack:"owner"`
	Result         models.PredictionResult `json:"result" msgpack:"result"`
	ClassifierMode string                  `json:"classifier_mode,omitempty" msgpack:"classifier_mode"`
	ImageSHA256    string                  `json:"image_sha256" msgpack:"image_sha256"`
	CreatedAt      time.Time               `json:"created_at" msgpack:"created_at"`
}

// Recorder persists predictions and serves them back. Either backend may be
// nil; recording never fails a prediction.
type Recorder struct {
	store          Store
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewRecorder(store Store, cache Cache, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:          store,
		cache:          cache,
		logger:         logger.Named("history"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (r *Recorder) Enabled() bool {
	return r != nil && (r.store != nil || r.cache != nil)
}

// Record stores res under requestID. requestID must be server generated;
// owner is the authenticated subject, empty when auth is off.
func (r *Recorder) Record(ctx context.Context, requestID, owner, classifierMode string, image []byte, res models.PredictionResult) {
	if !r.Enabled() {
		return
	}
	opLogger := logging.WithOperation(r.logger, "history.record", requestID)

	sum := sha256.Sum256(image)
	rec := Record{
		RequestID:      requestID,
		Owner:          owner,
		Result:         res,
		ClassifierMode: classifierMode,
		ImageSHA256:    hex.EncodeToString(sum[:]),
		CreatedAt:      time.Now().UTC(),
	}

	if r.store != nil {
		if err := r.store.Save(ctx, toLog(rec)); err != nil {
			opLogger.Warn("failed to persist prediction", zap.Error(err))
		}
	}

	if r.cache != nil {
		payload, err := msgpack.Marshal(&rec)
		if err != nil {
			opLogger.Warn("failed to encode prediction", zap.Error(err))
			return
		}
		if err := r.cacheCall(ctx, requestID, "cache.set.prediction", func() error {
			return r.cache.Set(ctx, cacheKey(requestID), payload, cacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}
}

// Get returns the stored prediction, reading the cache before the database.
// With a non-empty owner, predictions recorded for another subject are
// reported as ErrNotFound.
func (r *Recorder) Get(ctx context.Context, requestID, owner string) (*Record, error) {
	if !r.Enabled() {
		return nil, ErrNotFound
	}

	if r.cache != nil {
		var payload []byte
		err := r.cacheCall(ctx, requestID, "cache.get.prediction", func() error {
			value, err := r.cache.Get(ctx, cacheKey(requestID))
			if err != nil {
				return err
			}
			payload = value
			return nil
		})
		switch {
		case err == nil:
			var rec Record
			decodeErr := msgpack.Unmarshal(payload, &rec)
			if decodeErr == nil {
				if owner != "" && rec.Owner != owner {
					return nil, ErrNotFound
				}
				return &rec, nil
			}
			logging.WithOperation(r.logger, "history.get", requestID).Warn("failed to decode cached prediction", zap.Error(decodeErr))
		case !errors.Is(err, redis.Nil):
			logging.WithOperation(r.logger, "history.get", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if r.store == nil {
		return nil, ErrNotFound
	}
	log, err := r.store.FindByRequestID(ctx, requestID, owner)
	if err != nil {
		return nil, logging.NewOperationError("history.get", requestID, err)
	}
	rec := fromLog(log)
	return &rec, nil
}

// cacheCall runs fn against Redis, retrying timeouts with doubling backoff.
// Misses and other errors return straight away.
func (r *Recorder) cacheCall(ctx context.Context, requestID, operation string, fn func() error) error {
	delay := r.initialBackoff
	attempt := 1
	for {
		err := fn()
		switch {
		case err == nil:
			return nil
		case attempt >= r.retryAttempts || !retryable(err):
			return logging.NewOperationError(operation, requestID, err)
		}

		r.logger.Debug("retrying redis call",
			zap.String("operation", operation),
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return logging.NewOperationError(operation, requestID, ctx.Err())
		case <-wait.C:
		}
		delay = min(2*delay, r.maxBackoff)
		attempt++
	}
}

// retryable reports timeouts, whether from the context or the network.
func retryable(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("prediction:%s", requestID)
}

func toLog(rec Record) *PredictionLog {
	return &PredictionLog{
		RequestID:       rec.RequestID,
		Owner:           rec.Owner,
		Food:            rec.Result.Food,
		Freshness:       string(rec.Result.Freshness),
		Confidence:      rec.Result.Confidence,
		Detected:        rec.Result.Detected,
		InferenceTimeMS: rec.Result.InferenceTimeMS,
		ClassifierMode:  rec.ClassifierMode,
		ImageSHA256:     rec.ImageSHA256,
		CreatedAt:       rec.CreatedAt,
	}
}

func fromLog(log *PredictionLog) Record {
	return Record{
		RequestID: log.RequestID,
		Owner:     log.Owner,
		Result: models.PredictionResult{
			Food:            log.Food,
			Freshness:       models.Freshness(log.Freshness),
			Confidence:      log.Confidence,
			Detected:        log.Detected,
			InferenceTimeMS: log.InferenceTimeMS,
		},
		ClassifierMode: log.ClassifierMode,
		ImageSHA256:    log.ImageSHA256,
		CreatedAt:      log.CreatedAt,
	}
}
