package recognition

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Channels is the number of colour channels in an aligned crop (RGB).
const Channels = 3

// Normalization maps an 8-bit channel value p to (p-Mean)/Std.
type Normalization struct {
	Mean float64 `yaml:"mean" json:"mean"`
	Std  float64 `yaml:"std" json:"std"`
}

// DefaultNormalization maps [0,255] onto [-1,1].
func DefaultNormalization() Normalization {
	return Normalization{Mean: 127.5, Std: 127.5}
}

// Apply normalizes a single 8-bit channel value.
func (n Normalization) Apply(p uint8) float32 {
	return float32((float64(p) - n.Mean) / n.Std)
}

// Invert maps a normalized value back to an 8-bit channel value.
func (n Normalization) Invert(v float32) uint8 {
	p := float64(v)*n.Std + n.Mean
	return uint8(math.Max(0, math.Min(255, math.Round(p))))
}

// AlignedCrop is a fixed-size, normalized, upright RGB face tensor in HWC
// layout. It is immutable once constructed.
type AlignedCrop struct {
	width  int
	height int
	norm   Normalization
	data   []float32
}

// NewAlignedCrop wraps an HWC RGB tensor. The data slice is owned by the
// crop after the call.
func NewAlignedCrop(width, height int, norm Normalization, data []float32) (*AlignedCrop, error) {
	if width <= 0 || height <= 0 {
		return nil, &ExtractionError{Kind: ErrMalformedCrop, Detail: fmt.Sprintf("invalid size %dx%d", width, height)}
	}
	if len(data) != width*height*Channels {
		return nil, &ExtractionError{
			Kind:   ErrMalformedCrop,
			Detail: fmt.Sprintf("tensor has %d values, want %d", len(data), width*height*Channels),
		}
	}
	return &AlignedCrop{width: width, height: height, norm: norm, data: data}, nil
}

// CropFromImage normalizes an RGB image of any size into a crop of the
// same dimensions.
func CropFromImage(img image.Image, norm Normalization) *AlignedCrop {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 0, w*h*Channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			data = append(data, norm.Apply(c.R), norm.Apply(c.G), norm.Apply(c.B))
		}
	}
	return &AlignedCrop{width: w, height: h, norm: norm, data: data}
}

// Width returns the crop width in pixels.
func (c *AlignedCrop) Width() int { return c.width }

// Height returns the crop height in pixels.
func (c *AlignedCrop) Height() int { return c.height }

// Normalization returns the mapping used to build the tensor.
func (c *AlignedCrop) Normalization() Normalization { return c.norm }

// At returns the normalized RGB triple at (x, y).
func (c *AlignedCrop) At(x, y int) [Channels]float32 {
	i := (y*c.width + x) * Channels
	return [Channels]float32{c.data[i], c.data[i+1], c.data[i+2]}
}

// Tensor returns a copy of the HWC tensor.
func (c *AlignedCrop) Tensor() []float32 {
	out := make([]float32, len(c.data))
	copy(out, c.data)
	return out
}

// Image renders the crop back to 8-bit pixels.
func (c *AlignedCrop) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			px := c.At(x, y)
			img.SetRGBA(x, y, color.RGBA{
				R: c.norm.Invert(px[0]),
				G: c.norm.Invert(px[1]),
				B: c.norm.Invert(px[2]),
				A: 255,
			})
		}
	}
	return img
}
