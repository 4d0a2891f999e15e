// Package pipeline turns uploaded image bytes into a freshness verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/classification"
	"github.com/Tutortoise/food-freshness-service/internal/detection"
	"github.com/Tutortoise/food-freshness-service/internal/imageproc"
	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/logging"
	"github.com/Tutortoise/food-freshness-service/internal/models"
	"github.com/Tutortoise/food-freshness-service/internal/registry"
	"github.com/Tutortoise/food-freshness-service/internal/telemetry"
)

var (
	ErrInferenceFailure = errors.New("inference failure")
	ErrTimeout          = errors.New("inference timed out")
)

// ModelSource is the part of the registry the pipeline uses.
type ModelSource interface {
	detection.Source
	Classifier(ctx context.Context) classification.Classifier
	Ready() registry.Readiness
	PoolStats() map[string]inference.PoolStats
}

type Options struct {
	Workers    int
	Timeout    time.Duration
	CropMargin float64
	Detection  detection.Policy
}

type Pipeline struct {
	normalizer *imageproc.Normalizer
	models     ModelSource
	detector   *detection.Stage
	sem        chan struct{}
	timeout    time.Duration
	cropMargin float64
	counters   *telemetry.Counters
	logger     *zap.Logger
}

// Metrics is the /metrics payload.
type Metrics struct {
	Pipeline      telemetry.Summary              `json:"pipeline"`
	Workers       int                            `json:"workers"`
	BusyWorkers   int                            `json:"busy_workers"`
	SessionPools  map[string]inference.PoolStats `json:"session_pools"`
	ReadinessInfo registry.Readiness             `json:"readiness"`
}

func New(normalizer *imageproc.Normalizer, source ModelSource, opts Options, logger *zap.Logger) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger = logger.Named("pipeline")
	return &Pipeline{
		normalizer: normalizer,
		models:     source,
		detector:   detection.NewStage(source, opts.Detection, logger),
		sem:        make(chan struct{}, workers),
		timeout:    opts.Timeout,
		cropMargin: opts.CropMargin,
		counters:   telemetry.NewCounters(),
		logger:     logger,
	}
}

// Predict runs one image through normalize, detect, classify and compose on
// the worker pool. When the timeout passes first it returns ErrTimeout; the
// abandoned run finishes in the background and its result is dropped.
func (p *Pipeline) Predict(ctx context.Context, data []byte, mime string) (models.PredictionResult, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(p.logger, "pipeline.predict", requestID)

	deadline := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
	case <-deadline.Done():
		return models.PredictionResult{}, p.abandon(ctx, deadline, requestID, opLogger)
	}

	type outcome struct {
		res  models.PredictionResult
		mode string
		err  error
	}
	done := make(chan outcome, 1)

	// The job ignores caller cancellation but keeps the boundary deadline, so
	// waiting for a session never outlives the request.
	runCtx := context.WithoutCancel(ctx)
	cancelRun := context.CancelFunc(func() {})
	if dl, ok := deadline.Deadline(); ok {
		runCtx, cancelRun = context.WithDeadline(runCtx, dl)
	}

	go func() {
		defer func() { <-p.sem }()
		defer cancelRun()
		res, mode, err := p.run(runCtx, requestID, data, mime)
		done <- outcome{res: res, mode: mode, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			p.counters.Failure(errors.Is(o.err, ErrTimeout))
			return models.PredictionResult{}, p.fail(requestID, o.err, opLogger)
		}
		p.counters.Observe(o.res, o.mode, time.Duration(o.res.InferenceTimeMS*float64(time.Millisecond)))
		return o.res, nil
	case <-deadline.Done():
		return models.PredictionResult{}, p.abandon(ctx, deadline, requestID, opLogger)
	}
}

func (p *Pipeline) run(ctx context.Context, requestID string, data []byte, mime string) (models.PredictionResult, string, error) {
	sw := telemetry.Start(requestID)

	frame, err := p.normalizer.Normalize(data, mime)
	sw.T.Normalize = sw.Lap()
	if err != nil {
		return models.PredictionResult{}, "", err
	}

	det, err := p.detector.Detect(ctx, frame)
	sw.T.Detect = sw.Lap()
	if err != nil {
		return models.PredictionResult{}, "", stageError("detect", err)
	}

	var out *models.Outcome
	var mode string
	if primary, ok := det.PrimaryDetection(); ok {
		region, err := frame.Crop(primary.Box, p.cropMargin)
		if err != nil {
			return models.PredictionResult{}, "", fmt.Errorf("%w: crop %+v: %v", ErrInferenceFailure, primary.Box, err)
		}

		clf := p.models.Classifier(ctx)
		o, err := clf.Classify(ctx, region)
		if errors.Is(err, inference.ErrPoolClosed) {
			clf = p.models.Classifier(ctx)
			o, err = clf.Classify(ctx, region)
		}
		if err != nil {
			return models.PredictionResult{}, "", stageError("classify", err)
		}
		if !o.Freshness.Valid() || o.Freshness == models.Unknown {
			return models.PredictionResult{}, "", fmt.Errorf("%w: classifier returned %q", ErrInferenceFailure, o.Freshness)
		}
		out, mode = &o, clf.Mode().String()

		p.logger.Debug("classified primary detection",
			zap.String("request_id", requestID),
			zap.String("food", primary.Label),
			zap.Float32("detector_confidence", primary.Confidence),
			zap.Bool("heuristic", o.Heuristic))
	}
	sw.T.Classify = sw.Lap()

	res := compose(det, out, sw.Elapsed())
	sw.T.Compose = sw.Lap()
	sw.T.Total = sw.Elapsed()
	telemetry.LogTimings(p.logger, &sw.T)

	return res, mode, nil
}

// stageError separates running out of time while queued for a session from a
// failed forward pass.
func stageError(stage string, err error) error {
	if errors.Is(err, inference.ErrAcquireTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrInferenceFailure, stage, err)
}

func (p *Pipeline) abandon(parent, deadline context.Context, requestID string, opLogger *zap.Logger) error {
	if parent.Err() != nil {
		p.counters.Failure(false)
		return logging.NewOperationError("pipeline.predict", requestID, parent.Err())
	}
	p.counters.Failure(true)
	opLogger.Warn("prediction timed out", zap.Duration("timeout", p.timeout), zap.Error(deadline.Err()))
	return logging.NewOperationError("pipeline.predict", requestID, ErrTimeout)
}

func (p *Pipeline) fail(requestID string, err error, opLogger *zap.Logger) error {
	wrapped := logging.NewOperationError("pipeline.predict", requestID, err)
	switch {
	case errors.Is(err, imageproc.ErrPayloadTooLarge), errors.Is(err, imageproc.ErrUnsupportedMediaType):
		opLogger.Info("rejected upload", zap.Error(err))
	case errors.Is(err, ErrTimeout):
		opLogger.Warn("prediction timed out waiting for a session", zap.Error(err))
	default:
		opLogger.Error("prediction failed", zap.Error(wrapped))
	}
	return wrapped
}

// Ready reports model readiness for health probes.
func (p *Pipeline) Ready() registry.Readiness {
	return p.models.Ready()
}

func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		Pipeline:      p.counters.Summary(),
		Workers:       cap(p.sem),
		BusyWorkers:   len(p.sem),
		SessionPools:  p.models.PoolStats(),
		ReadinessInfo: p.models.Ready(),
	}
}

// MaxUploadBytes is the normalizer's size limit, for transports that cap
// request bodies before reading them.
func (p *Pipeline) MaxUploadBytes() int64 {
	return p.normalizer.MaxBytes()
}
