// Package align turns a detected face region into an upright, fixed-size,
// normalized crop ready for embedding extraction.
//
// The frame is rotated about the face box centre so the line between the
// eyes becomes horizontal, the box is padded and clamped to the frame, and
// the result is bilinearly resampled to the model input size.
package align

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// Alignment failure kinds. Match them with errors.Is.
var (
	ErrMissingFrame     = errors.New("missing frame")
	ErrInvalidRegion    = errors.New("invalid face region")
	ErrDegenerateRegion = errors.New("degenerate face region")
)

// AlignmentError describes why a region could not be aligned.
type AlignmentError struct {
	Kind   error
	Region image.Rectangle
	Detail string
}

func (e *AlignmentError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v %v", e.Kind, e.Region)
	}
	return fmt.Sprintf("%v %v: %s", e.Kind, e.Region, e.Detail)
}

func (e *AlignmentError) Unwrap() error { return e.Kind }

// Point is a sub-pixel image coordinate (Y grows downwards).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FaceRegion is a detector result. Box.Max is exclusive. Eye centres are
// optional; without both of them the crop is not rotated.
type FaceRegion struct {
	Box      image.Rectangle
	LeftEye  *Point
	RightEye *Point
}

// Validate checks that the box has positive width and height.
func (r FaceRegion) Validate() error {
	if r.Box.Dx() <= 0 || r.Box.Dy() <= 0 {
		return &AlignmentError{Kind: ErrInvalidRegion, Region: r.Box, Detail: "box must have positive width and height"}
	}
	return nil
}

// EyeLineAngle returns the tilt of the eye line in radians. Eyes are
// ordered by X first, so the result lies in (-pi/2, pi/2]. It is zero when
// either eye is missing.
func (r FaceRegion) EyeLineAngle() float64 {
	if r.LeftEye == nil || r.RightEye == nil {
		return 0
	}
	left, right := *r.LeftEye, *r.RightEye
	if right.X < left.X {
		left, right = right, left
	}
	return math.Atan2(right.Y-left.Y, right.X-left.X)
}

// Config holds the aligner parameters.
type Config struct {
	Width   int
	Height  int
	Padding float64
	Norm    recognition.Normalization
}

// DefaultConfig returns a 112x112 crop with 15% padding.
func DefaultConfig() Config {
	return Config{
		Width:   112,
		Height:  112,
		Padding: 0.15,
		Norm:    recognition.DefaultNormalization(),
	}
}

// Aligner produces aligned crops. It is stateless and safe for concurrent use.
type Aligner struct {
	cfg Config
}

// New creates an Aligner. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Aligner {
	def := DefaultConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.Padding < 0 {
		cfg.Padding = 0
	}
	if cfg.Norm.Std == 0 {
		cfg.Norm = def.Norm
	}
	return &Aligner{cfg: cfg}
}

// Config returns the effective configuration.
func (a *Aligner) Config() Config {
	return a.cfg
}

// OutputSize is the size of every crop Align returns.
func (a *Aligner) OutputSize() (int, int) {
	return a.cfg.Width, a.cfg.Height
}

// Align rotates, crops, resizes and normalizes the face in frame.
func (a *Aligner) Align(frame image.Image, region FaceRegion) (*recognition.AlignedCrop, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, &AlignmentError{Kind: ErrMissingFrame, Region: region.Box}
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}

	bounds := frame.Bounds()
	box := region.Box
	if box.Intersect(bounds).Empty() {
		return nil, &AlignmentError{Kind: ErrDegenerateRegion, Region: box, Detail: "box lies outside the frame"}
	}

	padX := int(math.Round(a.cfg.Padding * float64(box.Dx())))
	padY := int(math.Round(a.cfg.Padding * float64(box.Dy())))
	crop := image.Rect(box.Min.X-padX, box.Min.Y-padY, box.Max.X+padX, box.Max.Y+padY).Intersect(bounds)
	if crop.Empty() {
		return nil, &AlignmentError{Kind: ErrDegenerateRegion, Region: box, Detail: "padded crop is empty"}
	}

	upright := rotateAbout(frame, crop, boxCentre(box), region.EyeLineAngle())

	out := image.NewRGBA(image.Rect(0, 0, a.cfg.Width, a.cfg.Height))
	draw.BiLinear.Scale(out, out.Bounds(), upright, upright.Bounds(), draw.Src, nil)

	return recognition.CropFromImage(out, a.cfg.Norm), nil
}

func boxCentre(box image.Rectangle) Point {
	return Point{
		X: float64(box.Min.X+box.Max.X) / 2,
		Y: float64(box.Min.Y+box.Max.Y) / 2,
	}
}

// rotateAbout renders the area rect of frame rotated by -angle about c.
// Pixels that map outside the frame stay black.
func rotateAbout(frame image.Image, rect image.Rectangle, c Point, angle float64) *image.RGBA {
	dst := image.NewRGBA(rect)
	if angle == 0 {
		draw.Draw(dst, rect, frame, rect.Min, draw.Src)
		return dst
	}

	cos, sin := math.Cos(angle), math.Sin(angle)
	// src -> dst: p' = R(-angle)(p - c) + c
	s2d := f64.Aff3{
		cos, sin, c.X - (cos*c.X + sin*c.Y),
		-sin, cos, c.Y - (-sin*c.X + cos*c.Y),
	}
	draw.BiLinear.Transform(dst, s2d, frame, frame.Bounds(), draw.Src, nil)
	return dst
}
