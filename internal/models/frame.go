package models

import (
	"errors"
	"image"
	"image/color"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is a decoded image in packed RGB order, three bytes per pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewFrame converts img to a Frame, dropping alpha.
func NewFrame(img image.Image) (*Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrInvalidFrame
	}

	f := &Frame{Width: w, Height: h, Pix: make([]uint8, w*h*3)}

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
			dst := f.Pix[y*w*3 : (y+1)*w*3]
			for x := 0; x < w; x++ {
				dst[x*3] = src[x*4]
				dst[x*3+1] = src[x*4+1]
				dst[x*3+2] = src[x*4+2]
			}
		}
		return f, nil
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*w + x) * 3
			f.Pix[i] = c.R
			f.Pix[i+1] = c.G
			f.Pix[i+2] = c.B
		}
	}
	return f, nil
}

func (f *Frame) Validate() error {
	if f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Pix) != f.Width*f.Height*3 {
		return ErrInvalidFrame
	}
	return nil
}

// RGB returns the pixel at (x, y).
func (f *Frame) RGB(x, y int) (r, g, b uint8) {
	i := (y*f.Width + x) * 3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

func (f *Frame) ColorModel() color.Model {
	return color.RGBAModel
}

func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

func (f *Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	r, g, b := f.RGB(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// NRGBA copies the frame into an opaque *image.NRGBA.
func (f *Frame) NRGBA() *image.NRGBA {
	img := image.NewNRGBA(f.Bounds())
	for i, j := 0, 0; i < len(f.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// Crop copies the region under box, grown by margin (a fraction of the box
// size on each side) and clamped to the frame edges.
func (f *Frame) Crop(box Box, margin float64) (*Frame, error) {
	padX := int(float64(box.W) * margin)
	padY := int(float64(box.H) * margin)
	r := Box{X: box.X - padX, Y: box.Y - padY, W: box.W + 2*padX, H: box.H + 2*padY}.Clamp(f.Width, f.Height)
	if r.Empty() {
		return nil, ErrInvalidFrame
	}

	out := &Frame{Width: r.W, Height: r.H, Pix: make([]uint8, r.W*r.H*3)}
	for y := 0; y < r.H; y++ {
		src := ((r.Y+y)*f.Width + r.X) * 3
		copy(out.Pix[y*r.W*3:(y+1)*r.W*3], f.Pix[src:src+r.W*3])
	}
	return out, nil
}
