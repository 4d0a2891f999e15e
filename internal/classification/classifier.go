// Package classification assigns a freshness class to a cropped food region.
package classification

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tutortoise/food-freshness-service/internal/models"
)

type Mode int

const (
	ModeLearned Mode = iota
	ModeHeuristic
)

func (m Mode) String() string {
	switch m {
	case ModeLearned:
		return "Learned"
	case ModeHeuristic:
		return "Heuristic"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Classifier is implemented by the trained model and the colour fallback.
type Classifier interface {
	Mode() Mode
	Classify(ctx context.Context, region *models.Frame) (models.Outcome, error)
}

// Thresholds drive the colour heuristic. Hue is in degrees, saturation and
// value in [0,1].
type Thresholds struct {
	FreshMin      float64 `yaml:"fresh_min"`
	SpoiledMax    float64 `yaml:"spoiled_max"`
	BrownHueMin   float64 `yaml:"brown_hue_min"`
	BrownHueMax   float64 `yaml:"brown_hue_max"`
	BrownValueMax float64 `yaml:"brown_value_max"`
	BrownSatMin   float64 `yaml:"brown_sat_min"`
	GreySatMax    float64 `yaml:"grey_sat_max"`
	DarkValueMax  float64 `yaml:"dark_value_max"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FreshMin:      0.50,
		SpoiledMax:    0.25,
		BrownHueMin:   10,
		BrownHueMax:   50,
		BrownValueMax: 0.60,
		BrownSatMin:   0.20,
		GreySatMax:    0.20,
		DarkValueMax:  0.15,
	}
}

func (t Thresholds) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("heuristic.%s must be within [0,1], got %v", name, v))
		}
	}
	unit("fresh_min", t.FreshMin)
	unit("spoiled_max", t.SpoiledMax)
	unit("brown_value_max", t.BrownValueMax)
	unit("brown_sat_min", t.BrownSatMin)
	unit("grey_sat_max", t.GreySatMax)
	unit("dark_value_max", t.DarkValueMax)

	if t.SpoiledMax <= 0 || t.SpoiledMax >= t.FreshMin || t.FreshMin >= 1 {
		errs = append(errs, fmt.Errorf("heuristic thresholds need 0 < spoiled_max < fresh_min < 1, got %v and %v", t.SpoiledMax, t.FreshMin))
	}
	if t.BrownHueMin < 0 || t.BrownHueMax > 360 || t.BrownHueMin > t.BrownHueMax {
		errs = append(errs, fmt.Errorf("heuristic brown hue range [%v,%v] is invalid", t.BrownHueMin, t.BrownHueMax))
	}
	return errors.Join(errs...)
}
