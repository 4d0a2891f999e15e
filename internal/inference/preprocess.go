package inference

import (
	"image"
	"runtime"
	"sync"
)

// Normalization is applied per channel after scaling to [0,1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

var (
	// UnitScale leaves values in [0,1].
	UnitScale = Normalization{Std: [3]float32{1, 1, 1}}
	// ImageNet is the torchvision mean/std.
	ImageNet = Normalization{
		Mean: [3]float32{0.485, 0.456, 0.406},
		Std:  [3]float32{0.229, 0.224, 0.225},
	}
)

// Preprocessor writes a width x height image into a planar CHW float tensor.
type Preprocessor struct {
	width, height int
	norm          Normalization
	numWorkers    int
}

func NewPreprocessor(width, height int, norm Normalization) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		norm:       norm,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

// Size is the number of floats Process writes.
func (p *Preprocessor) Size() int {
	return 3 * p.width * p.height
}

// Process fills dst from img, which must already be width x height. Rows are
// split across workers.
func (p *Preprocessor) Process(img image.Image, dst []float32) {
	channelSize := p.width * p.height
	workers := p.numWorkers
	if workers > p.height {
		workers = p.height
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := p.height / workers

	var lut [3][256]float32
	for c := 0; c < 3; c++ {
		for v := 0; v < 256; v++ {
			lut[c][v] = (float32(v)/255.0 - p.norm.Mean[c]) / p.norm.Std[c]
		}
	}

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, dst, channelSize, &lut, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRows(img image.Image, dst []float32, channelSize int, lut *[3][256]float32, start, end int) {
	switch src := img.(type) {
	case *image.NRGBA:
		p.processPix(src.Pix, src.Stride, dst, channelSize, lut, start, end)
	case *image.RGBA:
		p.processPix(src.Pix, src.Stride, dst, channelSize, lut, start, end)
	default:
		b := img.Bounds()
		for y := start; y < end; y++ {
			offset := y * p.width
			for x := 0; x < p.width; x++ {
				i := offset + x
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				dst[i] = lut[0][r>>8]
				dst[channelSize+i] = lut[1][g>>8]
				dst[channelSize*2+i] = lut[2][bl>>8]
			}
		}
	}
}

func (p *Preprocessor) processPix(pix []uint8, stride int, dst []float32, channelSize int, lut *[3][256]float32, start, end int) {
	for y := start; y < end; y++ {
		row := pix[y*stride:]
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			s := x * 4
			dst[i] = lut[0][row[s]]
			dst[channelSize+i] = lut[1][row[s+1]]
			dst[channelSize*2+i] = lut[2][row[s+2]]
		}
	}
}
