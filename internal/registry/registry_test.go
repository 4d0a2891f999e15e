package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/classification"
	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

type fakeDetector struct{ closed atomic.Bool }

func (d *fakeDetector) Infer(context.Context, *models.Frame) ([]models.Detection, error) {
	return nil, nil
}
func (d *fakeDetector) Stats() inference.PoolStats { return inference.PoolStats{Size: 1} }
func (d *fakeDetector) Close() error               { d.closed.Store(true); return nil }

type fakeClassifier struct{ closed atomic.Bool }

func (c *fakeClassifier) Mode() classification.Mode { return classification.ModeLearned }
func (c *fakeClassifier) Classify(context.Context, *models.Frame) (models.Outcome, error) {
	return models.Outcome{Freshness: models.Fresh, Confidence: 0.9}, nil
}
func (c *fakeClassifier) Stats() inference.PoolStats { return inference.PoolStats{Size: 1} }
func (c *fakeClassifier) Close() error               { c.closed.Store(true); return nil }

type fakeLoader struct {
	runtimeErr    error
	classifierErr error
	delay         time.Duration

	runtimeCalls    atomic.Int32
	detectorCalls   atomic.Int32
	classifierCalls atomic.Int32
	shutdownCalls   atomic.Int32
	lastDetector    *fakeDetector
	mu              sync.Mutex
}

func (l *fakeLoader) InitRuntime() error {
	l.runtimeCalls.Add(1)
	return l.runtimeErr
}

func (l *fakeLoader) OpenDetector(context.Context, string) (DetectorHandle, error) {
	l.detectorCalls.Add(1)
	time.Sleep(l.delay)
	d := &fakeDetector{}
	l.mu.Lock()
	l.lastDetector = d
	l.mu.Unlock()
	return d, nil
}

func (l *fakeLoader) OpenClassifier(context.Context, string, string) (ClassifierHandle, error) {
	l.classifierCalls.Add(1)
	if l.classifierErr != nil {
		return nil, l.classifierErr
	}
	return &fakeClassifier{}, nil
}

func (l *fakeLoader) Shutdown() error {
	l.shutdownCalls.Add(1)
	return nil
}

func writeWeights(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("onnx"), 0o600); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return path
}

func TestMissingWeightsDegrade(t *testing.T) {
	loader := &fakeLoader{}
	dir := t.TempDir()
	reg := New(Options{
		DetectorPath:   filepath.Join(dir, "yolov8n.onnx"),
		ClassifierPath: filepath.Join(dir, "freshness.onnx"),
		Heuristic:      classification.DefaultThresholds(),
	}, loader, zap.NewNop())

	if _, err := reg.Detector(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if mode := reg.Classifier(context.Background()).Mode(); mode != classification.ModeHeuristic {
		t.Fatalf("expected heuristic classifier, got %s", mode)
	}
	if loader.detectorCalls.Load() != 0 || loader.classifierCalls.Load() != 0 {
		t.Fatal("loader must not be called for missing files")
	}

	ready := reg.Ready()
	if ready.DetectorReady || ready.ClassifierMode != "Heuristic" || !ready.Loaded {
		t.Fatalf("unexpected readiness %+v", ready)
	}
}

func TestRuntimeFailureDegradesBothModels(t *testing.T) {
	loader := &fakeLoader{runtimeErr: inference.ErrRuntimeUnavailable}
	reg := New(Options{
		DetectorPath:   writeWeights(t, "det.onnx"),
		ClassifierPath: writeWeights(t, "cls.onnx"),
	}, loader, zap.NewNop())

	ready := reg.Warm(context.Background())
	if ready.DetectorReady || ready.ClassifierMode != "Heuristic" {
		t.Fatalf("unexpected readiness %+v", ready)
	}
	if loader.runtimeCalls.Load() != 1 {
		t.Fatalf("expected runtime init attempted once, got %d", loader.runtimeCalls.Load())
	}
}

func TestClassifierLoadErrorFallsBack(t *testing.T) {
	loader := &fakeLoader{classifierErr: errors.New("bad graph")}
	reg := New(Options{ClassifierPath: writeWeights(t, "cls.onnx")}, loader, zap.NewNop())

	if mode := reg.Classifier(context.Background()).Mode(); mode != classification.ModeHeuristic {
		t.Fatalf("expected heuristic fallback, got %s", mode)
	}
}

func TestConcurrentFirstCallsLoadOnce(t *testing.T) {
	loader := &fakeLoader{delay: 20 * time.Millisecond}
	reg := New(Options{
		DetectorPath:   writeWeights(t, "det.onnx"),
		ClassifierPath: writeWeights(t, "cls.onnx"),
	}, loader, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Detector(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if reg.Classifier(context.Background()).Mode() != classification.ModeLearned {
				t.Errorf("expected learned classifier")
			}
		}()
	}
	wg.Wait()

	if n := loader.detectorCalls.Load(); n != 1 {
		t.Fatalf("expected one detector load, got %d", n)
	}
	if n := loader.classifierCalls.Load(); n != 1 {
		t.Fatalf("expected one classifier load, got %d", n)
	}
	if stats := reg.PoolStats(); len(stats) != 2 {
		t.Fatalf("expected stats for both models, got %v", stats)
	}
}

func TestReloadReplacesHandles(t *testing.T) {
	loader := &fakeLoader{}
	reg := New(Options{DetectorPath: writeWeights(t, "det.onnx")}, loader, zap.NewNop())

	reg.Warm(context.Background())
	first := loader.lastDetector

	ready := reg.Reload(context.Background())
	if !ready.DetectorReady {
		t.Fatalf("expected detector ready after reload, got %+v", ready)
	}
	if !first.closed.Load() {
		t.Fatal("expected previous detector to be closed")
	}
	if loader.detectorCalls.Load() != 2 {
		t.Fatalf("expected two detector loads, got %d", loader.detectorCalls.Load())
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !loader.lastDetector.closed.Load() || loader.shutdownCalls.Load() != 1 {
		t.Fatal("expected close to tear down detector and runtime")
	}
}

func TestAutoDownloadIsOptIn(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "weights", "yolov8n.onnx")

	off := New(Options{DetectorPath: path, DetectorDownloadURL: srv.URL}, &fakeLoader{}, zap.NewNop())
	if _, err := off.Detector(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected unavailable without opt-in, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("download must not happen without opt-in")
	}

	on := New(Options{DetectorPath: path, DetectorDownloadURL: srv.URL, DetectorAutoDownload: true}, &fakeLoader{}, zap.NewNop())
	if _, err := on.Detector(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "weights" {
		t.Fatalf("expected downloaded weights, got %q, %v", data, err)
	}
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "yolov8n.onnx")
	if err := download(context.Background(), srv.Client(), srv.URL, path); err == nil {
		t.Fatal("expected error for 404")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
}
