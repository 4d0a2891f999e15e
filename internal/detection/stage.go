// Package detection locates food objects in a frame and picks the one the
// freshness verdict is about.
package detection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

// Model returns raw candidates in output order, boxes clamped to the frame.
type Model interface {
	Infer(ctx context.Context, frame *models.Frame) ([]models.Detection, error)
}

// Source hands out the loaded detector. It returns an error wrapping
// models.ErrModelUnavailable when there is none.
type Source interface {
	Detector(ctx context.Context) (Model, error)
}

type Policy struct {
	MinConfidence float32  `yaml:"min_confidence"`
	IoUThreshold  float32  `yaml:"iou_threshold"`
	InputSize     int      `yaml:"input_size"`
	FoodLabels    []string `yaml:"food_labels"`
	ClassNames    []string `yaml:"class_names"`
}

func DefaultPolicy() Policy {
	return Policy{
		MinConfidence: 0.25,
		IoUThreshold:  0.7,
		InputSize:     640,
		FoodLabels:    append([]string(nil), DefaultFoodLabels...),
		ClassNames:    append([]string(nil), COCOClasses...),
	}
}

func (p Policy) Validate() error {
	var errs []error
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detection.min_confidence must be within [0,1], got %v", p.MinConfidence))
	}
	if p.IoUThreshold <= 0 || p.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.iou_threshold must be within (0,1], got %v", p.IoUThreshold))
	}
	if p.InputSize <= 0 || p.InputSize%32 != 0 {
		errs = append(errs, fmt.Errorf("detection.input_size must be a positive multiple of 32, got %d", p.InputSize))
	}
	if len(p.FoodLabels) == 0 {
		errs = append(errs, errors.New("detection.food_labels must not be empty"))
	}
	if len(p.ClassNames) == 0 {
		errs = append(errs, errors.New("detection.class_names must not be empty"))
	}
	return errors.Join(errs...)
}

// Result holds the accepted food detections. Primary indexes Detections, or
// is -1 when nothing was accepted.
type Result struct {
	Detections []models.Detection
	Primary    int
}

func (r Result) PrimaryDetection() (models.Detection, bool) {
	if r.Primary < 0 || r.Primary >= len(r.Detections) {
		return models.Detection{}, false
	}
	return r.Detections[r.Primary], true
}

type Stage struct {
	source Source
	policy Policy
	allow  AllowList
	logger *zap.Logger
}

func NewStage(source Source, policy Policy, logger *zap.Logger) *Stage {
	return &Stage{
		source: source,
		policy: policy,
		allow:  NewAllowList(policy.FoodLabels),
		logger: logger.Named("detection"),
	}
}

// Detect runs the detector and filters to food. A missing detector yields an
// empty result rather than an error.
func (s *Stage) Detect(ctx context.Context, frame *models.Frame) (Result, error) {
	empty := Result{Primary: -1}

	var candidates []models.Detection
	// A reload can close the pool under an in-flight request; the source
	// then hands out the replacement.
	for attempt := 1; ; attempt++ {
		model, err := s.source.Detector(ctx)
		if err != nil {
			if errors.Is(err, models.ErrModelUnavailable) {
				return empty, nil
			}
			return empty, err
		}

		candidates, err = model.Infer(ctx, frame)
		if err == nil {
			break
		}
		if attempt == 1 && errors.Is(err, inference.ErrPoolClosed) {
			s.logger.Debug("detector replaced mid-request, retrying")
			continue
		}
		return empty, fmt.Errorf("detector inference: %w", err)
	}

	accepted := make([]models.Detection, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence < s.policy.MinConfidence {
			continue
		}
		if !s.allow.Contains(c.Label) {
			continue
		}
		if c.Box.Empty() {
			continue
		}
		c.Box = c.Box.Clamp(frame.Width, frame.Height)
		if c.Box.Empty() {
			continue
		}
		c.Label = NormalizeLabel(c.Label)
		accepted = append(accepted, c)
	}

	s.logger.Debug("detector candidates filtered",
		zap.Int("candidates", len(candidates)), zap.Int("accepted", len(accepted)))

	return Result{Detections: accepted, Primary: SelectPrimary(accepted)}, nil
}

// SelectPrimary picks the highest confidence, then the larger box, then the
// earliest in output order. It returns -1 for an empty slice.
func SelectPrimary(dets []models.Detection) int {
	best := -1
	for i, d := range dets {
		if best < 0 {
			best = i
			continue
		}
		b := dets[best]
		switch {
		case d.Confidence > b.Confidence:
			best = i
		case d.Confidence == b.Confidence && d.Box.Area() > b.Box.Area():
			best = i
		}
	}
	return best
}
