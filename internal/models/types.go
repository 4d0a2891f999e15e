package models

import "time"

type Freshness string

const (
	Fresh     Freshness = "fresh"
	SemiFresh Freshness = "semi-fresh"
	Spoiled   Freshness = "spoiled"
	Unknown   Freshness = "unknown"
)

// NotDetected is the food value reported when no food object was found.
const NotDetected = "not_detected"

// FreshnessClasses is the classifier output order.
var FreshnessClasses = []Freshness{Fresh, SemiFresh, Spoiled}

// Valid reports whether f is one of the four response literals.
func (f Freshness) Valid() bool {
	switch f {
	case Fresh, SemiFresh, Spoiled, Unknown:
		return true
	}
	return false
}

// Box is a pixel rectangle with its origin at the top-left corner.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (b Box) Area() int {
	return b.W * b.H
}

// Empty reports whether the box covers no pixels.
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Clamp limits the box to a width x height frame. A box with a non-positive
// side clamps to zero size.
func (b Box) Clamp(width, height int) Box {
	x1, y1 := clampInt(b.X, 0, width), clampInt(b.Y, 0, height)
	x2, y2 := clampInt(b.X+b.W, 0, width), clampInt(b.Y+b.H, 0, height)
	return Box{X: x1, Y: y1, W: max(x2-x1, 0), H: max(y2-y1, 0)}
}

type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Outcome is the result of classifying one cropped region. Heuristic is set
// when the colour fallback produced it.
type Outcome struct {
	Freshness  Freshness
	Confidence float32
	Heuristic  bool
}

// PredictionResult is the response body of a prediction. It is passed by value.
type PredictionResult struct {
	Food            string    `json:"food"`
	Freshness       Freshness `json:"freshness"`
	Confidence      float32   `json:"confidence"`
	Detected        bool      `json:"detected"`
	InferenceTimeMS float64   `json:"inference_time_ms"`
}

type ProcessingTimings struct {
	RequestID string
	Normalize time.Duration
	Detect    time.Duration
	Classify  time.Duration
	Compose   time.Duration
	Total     time.Duration
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
