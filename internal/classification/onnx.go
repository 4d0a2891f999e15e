package classification

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/nfnt/resize"

	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

// Metadata describes the exported classifier. It is read from an optional
// JSON sidecar next to the weights.
type Metadata struct {
	Classes              []string `json:"classes"`
	ImageSize            int      `json:"image_size"`
	InputName            string   `json:"input_name"`
	OutputName           string   `json:"output_name"`
	OutputsProbabilities bool     `json:"outputs_probabilities"`
}

func DefaultMetadata() Metadata {
	classes := make([]string, len(models.FreshnessClasses))
	for i, c := range models.FreshnessClasses {
		classes[i] = string(c)
	}
	return Metadata{
		Classes:    classes,
		ImageSize:  224,
		InputName:  "input",
		OutputName: "output",
	}
}

// LoadMetadata reads path over the defaults. An empty path returns the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if _, err := meta.freshnessClasses(); err != nil {
		return Metadata{}, err
	}
	if meta.ImageSize <= 0 {
		return Metadata{}, fmt.Errorf("metadata image_size must be positive, got %d", meta.ImageSize)
	}
	return meta, nil
}

func (m Metadata) InputShape() []int64 {
	return []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
}

func (m Metadata) OutputShape() []int64 {
	return []int64{1, int64(len(m.Classes))}
}

func (m Metadata) freshnessClasses() ([]models.Freshness, error) {
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("metadata lists no classes")
	}
	out := make([]models.Freshness, len(m.Classes))
	for i, name := range m.Classes {
		f, ok := parseFreshness(name)
		if !ok {
			return nil, fmt.Errorf("metadata class %q is not a freshness class", name)
		}
		out[i] = f
	}
	return out, nil
}

func parseFreshness(name string) (models.Freshness, bool) {
	key := strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(strings.TrimSpace(name)))
	switch key {
	case "fresh":
		return models.Fresh, true
	case "semi-fresh", "semifresh":
		return models.SemiFresh, true
	case "spoiled", "rotten", "stale":
		return models.Spoiled, true
	}
	return "", false
}

// ONNXClassifier runs the trained freshness network on pooled sessions.
type ONNXClassifier struct {
	pool    *inference.SessionPool
	meta    Metadata
	classes []models.Freshness
	prep    *inference.Preprocessor
}

func NewONNXClassifier(pool *inference.SessionPool, meta Metadata) (*ONNXClassifier, error) {
	classes, err := meta.freshnessClasses()
	if err != nil {
		return nil, err
	}
	return &ONNXClassifier{
		pool:    pool,
		meta:    meta,
		classes: classes,
		prep:    inference.NewPreprocessor(meta.ImageSize, meta.ImageSize, inference.ImageNet),
	}, nil
}

func (c *ONNXClassifier) Mode() Mode {
	return ModeLearned
}

func (c *ONNXClassifier) Classify(ctx context.Context, region *models.Frame) (models.Outcome, error) {
	if err := region.Validate(); err != nil {
		return models.Outcome{}, err
	}

	size := uint(c.meta.ImageSize)
	resized := resize.Resize(size, size, region.NRGBA(), resize.Bilinear)

	session, err := c.pool.Acquire(ctx)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("acquire classifier session: %w", err)
	}

	c.prep.Process(resized, session.InputData())
	if err := session.Run(); err != nil {
		c.pool.Discard(session, err)
		return models.Outcome{}, fmt.Errorf("classifier inference: %w", err)
	}

	out := session.OutputData()
	if len(out) < len(c.classes) {
		c.pool.Release(session)
		return models.Outcome{}, fmt.Errorf("classifier output has %d values, want %d", len(out), len(c.classes))
	}
	scores := make([]float32, len(c.classes))
	copy(scores, out)
	c.pool.Release(session)

	if !c.meta.OutputsProbabilities {
		scores = softmax(scores)
	}
	idx := argmax(scores)

	return models.Outcome{Freshness: c.classes[idx], Confidence: scores[idx]}, nil
}

func (c *ONNXClassifier) Stats() inference.PoolStats {
	return c.pool.Stats()
}

func (c *ONNXClassifier) Close() error {
	c.pool.Destroy()
	return nil
}

func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
