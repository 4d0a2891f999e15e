package classification

import (
	"context"

	"github.com/Tutortoise/food-freshness-service/internal/models"
)

const (
	confidenceFloor = 0.40
	confidenceCeil  = 0.95
)

// Heuristic scores vividness against browning, greying and darkening. It
// has no randomness: the same pixels always give the same outcome.
type Heuristic struct {
	th Thresholds
}

func NewHeuristic(th Thresholds) *Heuristic {
	return &Heuristic{th: th}
}

func (h *Heuristic) Mode() Mode {
	return ModeHeuristic
}

func (h *Heuristic) Classify(_ context.Context, region *models.Frame) (models.Outcome, error) {
	if err := region.Validate(); err != nil {
		return models.Outcome{}, err
	}
	return h.classify(h.Score(region)), nil
}

// Score is meanSaturation * (1 - spoilRatio), in [0,1].
func (h *Heuristic) Score(region *models.Frame) float64 {
	var satSum float64
	var spoiled int
	n := region.Width * region.Height

	for i := 0; i < len(region.Pix); i += 3 {
		hue, sat, val := hsv(region.Pix[i], region.Pix[i+1], region.Pix[i+2])
		satSum += sat
		if h.spoiledPixel(hue, sat, val) {
			spoiled++
		}
	}

	meanSat := satSum / float64(n)
	spoilRatio := float64(spoiled) / float64(n)
	return meanSat * (1 - spoilRatio)
}

func (h *Heuristic) spoiledPixel(hue, sat, val float64) bool {
	browned := hue >= h.th.BrownHueMin && hue <= h.th.BrownHueMax &&
		val < h.th.BrownValueMax && sat >= h.th.BrownSatMin
	grey := sat < h.th.GreySatMax
	dark := val < h.th.DarkValueMax
	return browned || grey || dark
}

func (h *Heuristic) classify(score float64) models.Outcome {
	fresh, spoiled := h.th.FreshMin, h.th.SpoiledMax

	var class models.Freshness
	var d float64
	switch {
	case score >= fresh:
		class = models.Fresh
		d = (score - fresh) / (1 - fresh)
	case score >= spoiled:
		class = models.SemiFresh
		d = min(score-spoiled, fresh-score) / ((fresh - spoiled) / 2)
	default:
		class = models.Spoiled
		d = (spoiled - score) / spoiled
	}

	conf := confidenceFloor + (confidenceCeil-confidenceFloor)*d
	conf = max(confidenceFloor, min(confidenceCeil, conf))

	return models.Outcome{Freshness: class, Confidence: float32(conf), Heuristic: true}
}

// hsv returns hue in degrees and saturation, value in [0,1].
func hsv(r8, g8, b8 uint8) (h, s, v float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	mx := max(r, g, b)
	mn := min(r, g, b)
	delta := mx - mn

	v = mx
	if mx > 0 {
		s = delta / mx
	}
	if delta == 0 {
		return 0, s, v
	}

	switch mx {
	case r:
		h = 60 * ((g - b) / delta)
		if h < 0 {
			h += 360
		}
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	return h, s, v
}
