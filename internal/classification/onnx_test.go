package classification

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

type stubSession struct {
	in, out []float32
	logits  []float32
	runErr  error
	runs    int
}

func (s *stubSession) Run() error {
	s.runs++
	if s.runErr != nil {
		return s.runErr
	}
	copy(s.out, s.logits)
	return nil
}

func (s *stubSession) InputData() []float32  { return s.in }
func (s *stubSession) OutputData() []float32 { return s.out }
func (s *stubSession) Destroy()              {}

func newStubClassifier(t *testing.T, meta Metadata, session *stubSession) *ONNXClassifier {
	t.Helper()
	session.in = make([]float32, 3*meta.ImageSize*meta.ImageSize)
	session.out = make([]float32, len(meta.Classes))

	pool, err := inference.NewSessionPool(1, func() (inference.Session, error) { return session, nil })
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Destroy)

	c, err := NewONNXClassifier(pool, meta)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	return c
}

func TestONNXClassifierSoftmaxArgmax(t *testing.T) {
	meta := DefaultMetadata()
	meta.ImageSize = 8
	session := &stubSession{logits: []float32{0.1, 3.0, 0.2}}
	c := newStubClassifier(t, meta, session)

	out, err := c.Classify(context.Background(), uniformFrame(20, 10, 10, 200, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Freshness != models.SemiFresh {
		t.Fatalf("expected semi-fresh, got %s", out.Freshness)
	}

	e := []float64{math.Exp(0.1), math.Exp(3.0), math.Exp(0.2)}
	want := e[1] / (e[0] + e[1] + e[2])
	if math.Abs(float64(out.Confidence)-want) > 1e-5 {
		t.Fatalf("expected confidence %v, got %v", want, out.Confidence)
	}
	if out.Heuristic {
		t.Fatal("learned outcome must not carry the heuristic flag")
	}
	if c.Mode() != ModeLearned {
		t.Fatalf("unexpected mode %s", c.Mode())
	}
}

func TestONNXClassifierProbabilitiesPassThrough(t *testing.T) {
	meta := DefaultMetadata()
	meta.ImageSize = 4
	meta.OutputsProbabilities = true
	session := &stubSession{logits: []float32{0.1, 0.2, 0.7}}
	c := newStubClassifier(t, meta, session)

	out, err := c.Classify(context.Background(), uniformFrame(4, 4, 1, 2, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Freshness != models.Spoiled || out.Confidence != 0.7 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestONNXClassifierRunFailure(t *testing.T) {
	meta := DefaultMetadata()
	meta.ImageSize = 4
	session := &stubSession{runErr: errors.New("kernel crashed")}
	c := newStubClassifier(t, meta, session)

	if _, err := c.Classify(context.Background(), uniformFrame(4, 4, 1, 2, 3)); err == nil {
		t.Fatal("expected inference error")
	}
	if stats := c.Stats(); stats.Live != 0 {
		t.Fatalf("expected failed session to be discarded, live=%d", stats.Live)
	}
}

func TestLoadMetadata(t *testing.T) {
	meta, err := LoadMetadata("")
	if err != nil || meta.ImageSize != 224 || len(meta.Classes) != 3 {
		t.Fatalf("unexpected defaults %+v, %v", meta, err)
	}

	path := filepath.Join(t.TempDir(), "meta.json")
	body := `{"classes":["Fresh","semi_fresh","rotten"],"image_size":128}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	meta, err = LoadMetadata(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.ImageSize != 128 || meta.InputName != "input" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"classes":["ripe","mouldy"]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadMetadata(bad); err == nil {
		t.Fatal("expected error for unknown class names")
	}
}
