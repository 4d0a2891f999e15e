package detection

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/food-freshness-service/internal/inference"
	"github.com/Tutortoise/food-freshness-service/internal/models"
)

// Geometry is the tensor layout of a YOLOv8 export: input [1,3,S,S] and
// output [1, 4+C, N] with N anchors across strides 8, 16 and 32.
type Geometry struct {
	InputSize  int
	NumClasses int
}

func (g Geometry) Anchors() int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := g.InputSize / stride
		n += side * side
	}
	return n
}

func (g Geometry) InputShape() []int64 {
	return []int64{1, 3, int64(g.InputSize), int64(g.InputSize)}
}

func (g Geometry) OutputShape() []int64 {
	return []int64{1, int64(4 + g.NumClasses), int64(g.Anchors())}
}

// ONNXModel runs a YOLOv8 detector on pooled sessions.
type ONNXModel struct {
	pool       *inference.SessionPool
	geo        Geometry
	classNames []string
	minConf    float32
	iou        float32
	prep       *inference.Preprocessor
}

func NewONNXModel(pool *inference.SessionPool, policy Policy) *ONNXModel {
	geo := Geometry{InputSize: policy.InputSize, NumClasses: len(policy.ClassNames)}
	return &ONNXModel{
		pool:       pool,
		geo:        geo,
		classNames: policy.ClassNames,
		minConf:    policy.MinConfidence,
		iou:        policy.IoUThreshold,
		prep:       inference.NewPreprocessor(geo.InputSize, geo.InputSize, inference.UnitScale),
	}
}

func (m *ONNXModel) Infer(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	resized := imaging.Resize(frame.NRGBA(), m.geo.InputSize, m.geo.InputSize, imaging.Linear)

	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire detector session: %w", err)
	}

	m.prep.Process(resized, session.InputData())
	if err := session.Run(); err != nil {
		m.pool.Discard(session, err)
		return nil, fmt.Errorf("model inference: %w", err)
	}

	candidates, err := decodePredictions(session.OutputData(), m.geo, m.minConf, frame.Width, frame.Height)
	m.pool.Release(session)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}

	kept := nonMaxSuppression(candidates, m.iou)
	out := make([]models.Detection, len(kept))
	for i, c := range kept {
		out[i] = models.Detection{Label: m.className(c.class), Confidence: c.confidence, Box: c.box}
	}
	return out, nil
}

func (m *ONNXModel) className(idx int) string {
	if idx >= 0 && idx < len(m.classNames) {
		return m.classNames[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

func (m *ONNXModel) Stats() inference.PoolStats {
	return m.pool.Stats()
}

func (m *ONNXModel) Close() error {
	m.pool.Destroy()
	return nil
}

type candidate struct {
	anchor     int
	class      int
	confidence float32
	box        models.Box
}

// decodePredictions scans the anchors in chunks across workers. Chunks are
// reassembled in anchor order so ties resolve the same way on every run.
func decodePredictions(predictions []float32, geo Geometry, threshold float32, frameW, frameH int) ([]candidate, error) {
	numAnchors := geo.Anchors()
	expected := (4 + geo.NumClasses) * numAnchors
	if len(predictions) != expected {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), expected)
	}

	const chunkSize = 512
	numChunks := (numAnchors + chunkSize - 1) / chunkSize
	chunks := make([][]candidate, numChunks)

	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numChunks)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range jobs {
				start := chunk * chunkSize
				end := min(start+chunkSize, numAnchors)

				var local []candidate
				for i := start; i < end; i++ {
					class, confidence := 0, predictions[4*numAnchors+i]
					for c := 1; c < geo.NumClasses; c++ {
						if v := predictions[(4+c)*numAnchors+i]; v > confidence {
							class, confidence = c, v
						}
					}
					if confidence < threshold {
						continue
					}
					box := calculateBox(
						predictions[i],
						predictions[numAnchors+i],
						predictions[2*numAnchors+i],
						predictions[3*numAnchors+i],
						geo.InputSize, frameW, frameH,
					)
					if box.Area() <= 0 {
						continue
					}
					local = append(local, candidate{anchor: i, class: class, confidence: confidence, box: box})
				}
				chunks[chunk] = local
			}
		}()
	}

	for i := 0; i < numChunks; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var out []candidate
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// calculateBox converts a centre-xywh box in input pixels to a frame box.
func calculateBox(cx, cy, w, h float32, inputSize, frameW, frameH int) models.Box {
	scaleX := float32(frameW) / float32(inputSize)
	scaleY := float32(frameH) / float32(inputSize)

	x1 := (cx - w/2) * scaleX
	y1 := (cy - h/2) * scaleY
	x2 := (cx + w/2) * scaleX
	y2 := (cy + h/2) * scaleY

	box := models.Box{X: int(x1), Y: int(y1), W: int(x2) - int(x1), H: int(y2) - int(y1)}
	return box.Clamp(frameW, frameH)
}

// nonMaxSuppression keeps the best box of each overlapping same-class group.
// The result is ordered by confidence, anchor order breaking ties.
func nonMaxSuppression(cands []candidate, threshold float32) []candidate {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].confidence > sorted[j].confidence
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]candidate, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].class != sorted[i].class {
				continue
			}
			if calculateIOU(sorted[i].box, sorted[j].box) > float64(threshold) {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(a, b models.Box) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := float64((x2 - x1) * (y2 - y1))
	union := float64(a.Area()+b.Area()) - intersection
	return intersection / union
}
