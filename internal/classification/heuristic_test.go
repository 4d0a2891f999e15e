package classification

import (
	"context"
	"testing"

	"github.com/Tutortoise/food-freshness-service/internal/models"
)

func uniformFrame(w, h int, r, g, b uint8) *models.Frame {
	f := &models.Frame{Width: w, Height: h, Pix: make([]uint8, w*h*3)}
	for i := 0; i < len(f.Pix); i += 3 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = r, g, b
	}
	return f
}

func TestHeuristicReferenceColours(t *testing.T) {
	h := NewHeuristic(DefaultThresholds())

	cases := []struct {
		name    string
		r, g, b uint8
		want    models.Freshness
	}{
		{"green", 0, 160, 0, models.Fresh},
		{"grey", 128, 128, 128, models.Spoiled},
		{"brown", 139, 69, 19, models.Spoiled},
		{"black", 5, 5, 5, models.Spoiled},
		{"pale green", 100, 140, 100, models.SemiFresh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := h.Classify(context.Background(), uniformFrame(8, 8, tc.r, tc.g, tc.b))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Freshness != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, out.Freshness)
			}
			if out.Confidence < 0.40 || out.Confidence > 0.95 {
				t.Fatalf("confidence %v outside [0.40, 0.95]", out.Confidence)
			}
			if !out.Heuristic {
				t.Fatal("expected heuristic flag")
			}
		})
	}
}

func TestHeuristicConfidenceAtExtremes(t *testing.T) {
	h := NewHeuristic(DefaultThresholds())

	green, _ := h.Classify(context.Background(), uniformFrame(4, 4, 0, 160, 0))
	if green.Confidence != 0.95 {
		t.Fatalf("expected 0.95 for saturated green, got %v", green.Confidence)
	}
	grey, _ := h.Classify(context.Background(), uniformFrame(4, 4, 128, 128, 128))
	if grey.Confidence != 0.95 {
		t.Fatalf("expected 0.95 for flat grey, got %v", grey.Confidence)
	}
}

func TestHeuristicIsDeterministic(t *testing.T) {
	h := NewHeuristic(DefaultThresholds())
	frame := &models.Frame{Width: 16, Height: 16, Pix: make([]uint8, 16*16*3)}
	for i := range frame.Pix {
		frame.Pix[i] = uint8(i * 37)
	}

	first, _ := h.Classify(context.Background(), frame)
	for i := 0; i < 10; i++ {
		next, _ := h.Classify(context.Background(), frame)
		if next != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, next, first)
		}
	}
}

func TestHeuristicConfidenceNearBoundaryIsLow(t *testing.T) {
	h := NewHeuristic(DefaultThresholds())
	out := h.classify(0.5)
	if out.Freshness != models.Fresh || out.Confidence != 0.40 {
		t.Fatalf("expected fresh at the floor, got %+v", out)
	}
	out = h.classify(0.375)
	if out.Freshness != models.SemiFresh || out.Confidence != 0.95 {
		t.Fatalf("expected semi-fresh centre at the ceiling, got %+v", out)
	}
}

func TestHeuristicRejectsInvalidRegion(t *testing.T) {
	h := NewHeuristic(DefaultThresholds())
	if _, err := h.Classify(context.Background(), &models.Frame{}); err == nil {
		t.Fatal("expected error for empty region")
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	th := DefaultThresholds()
	th.SpoiledMax = 0.6
	if err := th.Validate(); err == nil {
		t.Fatal("expected error when spoiled_max exceeds fresh_min")
	}
}

func TestModeString(t *testing.T) {
	if ModeLearned.String() != "Learned" || ModeHeuristic.String() != "Heuristic" {
		t.Fatalf("unexpected mode names %s %s", ModeLearned, ModeHeuristic)
	}
}
