// Package registry loads the detector and classifier at most once and hands
// out shared, read-only handles.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/classification"
	"github.com/Tutortoise/food-freshness-service/internal/detection"
	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

var ErrModelUnavailable = models.ErrModelUnavailable

type DetectorHandle interface {
	detection.Model
	Stats() inference.PoolStats
	Close() error
}

type ClassifierHandle interface {
	classification.Classifier
	Stats() inference.PoolStats
	Close() error
}

// Loader opens model files. The ONNX implementation is the production one.
type Loader interface {
	InitRuntime() error
	OpenDetector(ctx context.Context, path string) (DetectorHandle, error)
	OpenClassifier(ctx context.Context, path, metadataPath string) (ClassifierHandle, error)
	Shutdown() error
}

type Options struct {
	DetectorPath           string
	DetectorDownloadURL    string
	DetectorAutoDownload   bool
	ClassifierPath         string
	ClassifierMetadataPath string
	Device                 string
	Heuristic              classification.Thresholds
	HTTPClient             *http.Client
}

// Readiness reports which models are serving.
type Readiness struct {
	DetectorReady  bool                 `json:"detector_ready"`
	ClassifierMode string               `json:"classifier_mode,omitempty"`
	Loaded         bool                 `json:"loaded"`
	Device         inference.DeviceInfo `json:"device"`
}

type Registry struct {
	opts   Options
	loader Loader
	logger *zap.Logger

	rtMu      sync.Mutex
	rtChecked bool
	rtErr     error

	detMu       sync.Mutex
	detLoaded   bool
	detector    DetectorHandle
	detectorErr error

	clsMu      sync.Mutex
	clsLoaded  bool
	learned    ClassifierHandle
	heuristic  *classification.Heuristic
	classifier classification.Classifier
}

func New(opts Options, loader Loader, logger *zap.Logger) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Registry{
		opts:      opts,
		loader:    loader,
		logger:    logger.Named("registry"),
		heuristic: classification.NewHeuristic(opts.Heuristic),
	}
}

// Detector returns the loaded detector, loading it on first use. Concurrent
// first callers wait for a single load.
func (r *Registry) Detector(ctx context.Context) (detection.Model, error) {
	r.detMu.Lock()
	defer r.detMu.Unlock()

	if !r.detLoaded {
		r.detector, r.detectorErr = r.loadDetector(ctx)
		r.detLoaded = true
		if r.detectorErr != nil {
			r.logger.Warn("detector unavailable, requests will report no detection", zap.Error(r.detectorErr))
		}
	}
	if r.detectorErr != nil {
		return nil, r.detectorErr
	}
	return r.detector, nil
}

// Classifier returns the trained classifier or, when it cannot be loaded,
// the colour heuristic. It never fails.
func (r *Registry) Classifier(ctx context.Context) classification.Classifier {
	r.clsMu.Lock()
	defer r.clsMu.Unlock()

	if !r.clsLoaded {
		r.learned = r.loadClassifier(ctx)
		if r.learned != nil {
			r.classifier = r.learned
		} else {
			r.classifier = r.heuristic
		}
		r.clsLoaded = true
		r.logger.Info("classifier ready", zap.Stringer("mode", r.classifier.Mode()))
	}
	return r.classifier
}

// Warm loads both models eagerly.
func (r *Registry) Warm(ctx context.Context) Readiness {
	_, _ = r.Detector(ctx)
	r.Classifier(ctx)
	return r.Ready()
}

// Reload drops both handles and loads again. Sessions checked out by
// in-flight requests are torn down when they are released.
func (r *Registry) Reload(ctx context.Context) Readiness {
	r.detMu.Lock()
	old := r.detector
	r.detector, r.detectorErr, r.detLoaded = nil, nil, false
	r.detMu.Unlock()
	closeHandle(old, r.logger, "detector")

	r.clsMu.Lock()
	oldCls := r.learned
	r.learned, r.classifier, r.clsLoaded = nil, nil, false
	r.clsMu.Unlock()
	closeHandle(oldCls, r.logger, "classifier")

	r.logger.Info("reloading models")
	return r.Warm(ctx)
}

func (r *Registry) Close() error {
	r.detMu.Lock()
	closeHandle(r.detector, r.logger, "detector")
	r.detector, r.detLoaded = nil, false
	r.detectorErr = nil
	r.detMu.Unlock()

	r.clsMu.Lock()
	closeHandle(r.learned, r.logger, "classifier")
	r.learned, r.classifier, r.clsLoaded = nil, nil, false
	r.clsMu.Unlock()

	r.rtMu.Lock()
	defer r.rtMu.Unlock()
	if r.rtChecked && r.rtErr == nil {
		r.rtChecked = false
		return r.loader.Shutdown()
	}
	return nil
}

// Ready reports the current state without triggering loads.
func (r *Registry) Ready() Readiness {
	r.detMu.Lock()
	detReady := r.detLoaded && r.detectorErr == nil && r.detector != nil
	detLoaded := r.detLoaded
	r.detMu.Unlock()

	r.clsMu.Lock()
	var mode string
	if r.clsLoaded {
		mode = r.classifier.Mode().String()
	}
	clsLoaded := r.clsLoaded
	r.clsMu.Unlock()

	return Readiness{
		DetectorReady:  detReady,
		ClassifierMode: mode,
		Loaded:         detLoaded && clsLoaded,
		Device:         inference.Describe(r.opts.Device),
	}
}

// PoolStats returns session pool counters for the loaded ONNX models.
func (r *Registry) PoolStats() map[string]inference.PoolStats {
	stats := make(map[string]inference.PoolStats, 2)

	r.detMu.Lock()
	if r.detector != nil {
		stats["detector"] = r.detector.Stats()
	}
	r.detMu.Unlock()

	r.clsMu.Lock()
	if r.learned != nil {
		stats["classifier"] = r.learned.Stats()
	}
	r.clsMu.Unlock()

	return stats
}

func (r *Registry) runtime() error {
	r.rtMu.Lock()
	defer r.rtMu.Unlock()

	if !r.rtChecked {
		r.rtErr = r.loader.InitRuntime()
		r.rtChecked = true
		if r.rtErr != nil {
			r.logger.Warn("inference runtime unavailable", zap.Error(r.rtErr))
		}
	}
	return r.rtErr
}

func (r *Registry) loadDetector(ctx context.Context) (DetectorHandle, error) {
	path := r.opts.DetectorPath
	if path == "" {
		return nil, fmt.Errorf("%w: no detector path configured", ErrModelUnavailable)
	}

	if !fileExists(path) {
		if !r.opts.DetectorAutoDownload || r.opts.DetectorDownloadURL == "" {
			return nil, fmt.Errorf("%w: detector weights not found at %s", ErrModelUnavailable, path)
		}
		r.logger.Info("downloading detector weights",
			zap.String("url", r.opts.DetectorDownloadURL), zap.String("path", path))
		if err := download(ctx, r.opts.HTTPClient, r.opts.DetectorDownloadURL, path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
	}

	if err := r.runtime(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	handle, err := r.loader.OpenDetector(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrModelUnavailable, path, err)
	}
	r.logger.Info("detector loaded", zap.String("path", path))
	return handle, nil
}

func (r *Registry) loadClassifier(ctx context.Context) ClassifierHandle {
	path := r.opts.ClassifierPath
	if path == "" || !fileExists(path) {
		r.logger.Info("classifier weights not found, using colour heuristic", zap.String("path", path))
		return nil
	}
	if err := r.runtime(); err != nil {
		return nil
	}

	handle, err := r.loader.OpenClassifier(ctx, path, r.opts.ClassifierMetadataPath)
	if err != nil {
		r.logger.Warn("classifier failed to load, using colour heuristic",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	return handle
}

func closeHandle(h interface{ Close() error }, logger *zap.Logger, name string) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		logger.Warn("failed to close model", zap.String("model", name), zap.Error(err))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
