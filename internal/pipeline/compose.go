package pipeline

import (
	"math"
	"time"

	"github.com/Tutortoise/food-freshness-service/internal/detection"
	"github.com/Tutortoise/food-freshness-service/internal/models"
	"github.com/Tutortoise/food-freshness-service/internal/telemetry"
)

// compose builds the response. Without a primary detection (or without an
// outcome for it) the result is the fixed not-detected shape.
func compose(det detection.Result, outcome *models.Outcome, elapsed time.Duration) models.PredictionResult {
	res := models.PredictionResult{
		Food:            models.NotDetected,
		Freshness:       models.Unknown,
		InferenceTimeMS: telemetry.Milliseconds(max(elapsed, 0)),
	}

	primary, ok := det.PrimaryDetection()
	if !ok || outcome == nil {
		return res
	}

	res.Detected = true
	res.Food = primary.Label
	res.Freshness = outcome.Freshness
	res.Confidence = clampConfidence(outcome.Confidence)
	return res
}

func clampConfidence(c float32) float32 {
	if math.IsNaN(float64(c)) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
