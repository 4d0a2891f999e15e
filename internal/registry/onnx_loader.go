package registry

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/classification"
	"github.com/Tutortoise/food-freshness-service/internal/detection"
	"github.com/Tutortoise/food-freshness-service/internal/inference"
)

// ONNXLoader opens models as pooled ONNX Runtime sessions.
type ONNXLoader struct {
	LibraryPath string
	Device      string
	PoolSize    int
	Policy      detection.Policy
	Logger      *zap.Logger
}

func (l *ONNXLoader) InitRuntime() error {
	if err := inference.InitEnvironment(l.LibraryPath); err != nil {
		return err
	}
	l.Logger.Info("onnx runtime initialised",
		zap.String("device", l.Device),
		zap.Strings("cpu_features", inference.CPUFeatures()))
	return nil
}

func (l *ONNXLoader) Shutdown() error {
	return inference.DestroyEnvironment()
}

func (l *ONNXLoader) OpenDetector(ctx context.Context, path string) (DetectorHandle, error) {
	geo := detection.Geometry{InputSize: l.Policy.InputSize, NumClasses: len(l.Policy.ClassNames)}
	spec := inference.SessionSpec{
		ModelPath:   path,
		InputName:   "images",
		OutputName:  "output0",
		InputShape:  geo.InputShape(),
		OutputShape: geo.OutputShape(),
		Device:      l.Device,
		Threads:     l.threads(),
	}

	pool, err := l.openPool(ctx, spec)
	if err != nil {
		return nil, err
	}
	return detection.NewONNXModel(pool, l.Policy), nil
}

func (l *ONNXLoader) OpenClassifier(ctx context.Context, path, metadataPath string) (ClassifierHandle, error) {
	meta, err := classification.LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	spec := inference.SessionSpec{
		ModelPath:   path,
		InputName:   meta.InputName,
		OutputName:  meta.OutputName,
		InputShape:  meta.InputShape(),
		OutputShape: meta.OutputShape(),
		Device:      l.Device,
		Threads:     l.threads(),
	}

	pool, err := l.openPool(ctx, spec)
	if err != nil {
		return nil, err
	}
	c, err := classification.NewONNXClassifier(pool, meta)
	if err != nil {
		pool.Destroy()
		return nil, err
	}
	return c, nil
}

func (l *ONNXLoader) openPool(ctx context.Context, spec inference.SessionSpec) (*inference.SessionPool, error) {
	pool, err := inference.NewSessionPool(l.PoolSize, func() (inference.Session, error) {
		return inference.NewModelSession(spec, l.Logger)
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", spec.ModelPath, err)
	}
	if err := pool.WarmUp(ctx); err != nil {
		pool.Destroy()
		return nil, fmt.Errorf("warm up %s: %w", spec.ModelPath, err)
	}
	return pool, nil
}

// threads splits the cores between the sessions of one pool.
func (l *ONNXLoader) threads() int {
	size := l.PoolSize
	if size <= 0 {
		size = inference.DefaultPoolSize
	}
	return max(1, runtime.NumCPU()/size)
}
