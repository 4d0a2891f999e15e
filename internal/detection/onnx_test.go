package detection

import (
	"context"
	"math"
	"testing"

	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

// 32x32 input: 16 + 4 + 1 anchors.
var testGeo = Geometry{InputSize: 32, NumClasses: 2}

type yoloOutput struct {
	geo  Geometry
	data []float32
}

func newYOLOOutput(geo Geometry) *yoloOutput {
	return &yoloOutput{geo: geo, data: make([]float32, (4+geo.NumClasses)*geo.Anchors())}
}

func (o *yoloOutput) set(anchor int, cx, cy, w, h float32, scores ...float32) {
	n := o.geo.Anchors()
	o.data[anchor] = cx
	o.data[n+anchor] = cy
	o.data[2*n+anchor] = w
	o.data[3*n+anchor] = h
	for c, s := range scores {
		o.data[(4+c)*n+anchor] = s
	}
}

func TestGeometry(t *testing.T) {
	if got := (Geometry{InputSize: 640, NumClasses: 80}).Anchors(); got != 8400 {
		t.Fatalf("expected 8400 anchors at 640, got %d", got)
	}
	if got := testGeo.Anchors(); got != 21 {
		t.Fatalf("expected 21 anchors at 32, got %d", got)
	}
}

func TestDecodePredictionsScalesAndPicksClass(t *testing.T) {
	out := newYOLOOutput(testGeo)
	out.set(3, 16, 16, 8, 8, 0.1, 0.9)
	out.set(7, 4, 4, 4, 4, 0.05, 0.02)

	cands, err := decodePredictions(out.data, testGeo, 0.25, 64, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected one candidate above threshold, got %d", len(cands))
	}
	c := cands[0]
	if c.class != 1 || c.anchor != 3 {
		t.Fatalf("unexpected candidate %+v", c)
	}
	if math.Abs(float64(c.confidence)-0.9) > 1e-6 {
		t.Fatalf("unexpected confidence %v", c.confidence)
	}
	want := models.Box{X: 24, Y: 12, W: 16, H: 8}
	if c.box != want {
		t.Fatalf("expected %+v, got %+v", want, c.box)
	}
}

func TestDecodePredictionsRejectsWrongLength(t *testing.T) {
	if _, err := decodePredictions(make([]float32, 10), testGeo, 0.25, 32, 32); err == nil {
		t.Fatal("expected length error")
	}
}

func TestNonMaxSuppressionPerClass(t *testing.T) {
	cands := []candidate{
		{anchor: 0, class: 0, confidence: 0.6, box: models.Box{X: 0, Y: 0, W: 10, H: 10}},
		{anchor: 1, class: 0, confidence: 0.9, box: models.Box{X: 1, Y: 0, W: 10, H: 10}},
		{anchor: 2, class: 1, confidence: 0.8, box: models.Box{X: 0, Y: 0, W: 10, H: 10}},
		{anchor: 3, class: 0, confidence: 0.7, box: models.Box{X: 50, Y: 50, W: 10, H: 10}},
	}

	kept := nonMaxSuppression(cands, 0.7)
	if len(kept) != 3 {
		t.Fatalf("expected 3 boxes after suppression, got %d", len(kept))
	}
	order := []int{1, 2, 3}
	for i, c := range kept {
		if c.anchor != order[i] {
			t.Fatalf("unexpected order %+v", kept)
		}
	}
}

func TestCalculateIOU(t *testing.T) {
	a := models.Box{X: 0, Y: 0, W: 10, H: 10}
	if got := calculateIOU(a, a); got != 1 {
		t.Fatalf("expected 1 for identical boxes, got %v", got)
	}
	if got := calculateIOU(a, models.Box{X: 20, Y: 20, W: 5, H: 5}); got != 0 {
		t.Fatalf("expected 0 for disjoint boxes, got %v", got)
	}
	if got := calculateIOU(a, models.Box{X: 5, Y: 0, W: 10, H: 10}); math.Abs(got-50.0/150.0) > 1e-9 {
		t.Fatalf("unexpected overlap %v", got)
	}
}

type yoloSession struct {
	in, out []float32
	result  []float32
}

func (s *yoloSession) Run() error             { copy(s.out, s.result); return nil }
func (s *yoloSession) InputData() []float32  { return s.in }
func (s *yoloSession) OutputData() []float32 { return s.out }
func (s *yoloSession) Destroy()              {}

func TestONNXModelInfer(t *testing.T) {
	out := newYOLOOutput(testGeo)
	out.set(0, 16, 16, 16, 16, 0.0, 0.8)

	session := &yoloSession{
		in:     make([]float32, 3*32*32),
		out:    make([]float32, len(out.data)),
		result: out.data,
	}
	pool, err := inference.NewSessionPool(1, func() (inference.Session, error) { return session, nil })
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Destroy()

	policy := DefaultPolicy()
	policy.InputSize = 32
	policy.ClassNames = []string{"person", "apple"}
	model := NewONNXModel(pool, policy)

	frame := &models.Frame{Width: 64, Height: 64, Pix: make([]uint8, 64*64*3)}
	dets, err := model.Infer(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != "apple" {
		t.Fatalf("unexpected detections %+v", dets)
	}
	if dets[0].Box != (models.Box{X: 16, Y: 16, W: 32, H: 32}) {
		t.Fatalf("unexpected box %+v", dets[0].Box)
	}
	if stats := model.Stats(); stats.InUse != 0 || stats.TotalReleased != 1 {
		t.Fatalf("expected session returned to pool, got %+v", stats)
	}
}
