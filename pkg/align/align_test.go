package align

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// syntheticFace renders a light frame with two dark "eyes" placed on a line
// tilted by theta (radians, Y down) around (cx, cy).
func syntheticFace(theta float64) (*image.RGBA, FaceRegion) {
	const (
		size   = 400
		cx, cy = 200.0, 200.0
		half   = 40.0
		radius = 6.0
	)

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}

	left := Point{X: cx - half*math.Cos(theta), Y: cy - half*math.Sin(theta)}
	right := Point{X: cx + half*math.Cos(theta), Y: cy + half*math.Sin(theta)}
	for _, eye := range []Point{left, right} {
		for y := int(eye.Y - radius - 1); y <= int(eye.Y+radius+1); y++ {
			for x := int(eye.X - radius - 1); x <= int(eye.X+radius+1); x++ {
				dx, dy := float64(x)+0.5-eye.X, float64(y)+0.5-eye.Y
				if dx*dx+dy*dy <= radius*radius {
					img.SetRGBA(x, y, color.RGBA{R: 20, G: 20, B: 20, A: 255})
				}
			}
		}
	}

	return img, FaceRegion{
		Box:      image.Rect(120, 120, 280, 280),
		LeftEye:  &left,
		RightEye: &right,
	}
}

// residualTilt locates the dark blobs in each half of the crop and returns
// the angle of the line between their centroids in degrees.
func residualTilt(t *testing.T, crop *recognition.AlignedCrop) float64 {
	t.Helper()

	type acc struct{ x, y, n float64 }
	var halves [2]acc
	for y := 0; y < crop.Height(); y++ {
		for x := 0; x < crop.Width(); x++ {
			if crop.At(x, y)[0] > -0.5 {
				continue
			}
			h := 0
			if x >= crop.Width()/2 {
				h = 1
			}
			halves[h].x += float64(x)
			halves[h].y += float64(y)
			halves[h].n++
		}
	}
	if halves[0].n == 0 || halves[1].n == 0 {
		t.Fatalf("eyes not found in crop (left=%v right=%v)", halves[0].n, halves[1].n)
	}

	lx, ly := halves[0].x/halves[0].n, halves[0].y/halves[0].n
	rx, ry := halves[1].x/halves[1].n, halves[1].y/halves[1].n
	return math.Atan2(ry-ly, rx-lx) * 180 / math.Pi
}

func TestAlign_RemovesEyeLineTilt(t *testing.T) {
	aligner := New(DefaultConfig())

	for _, deg := range []float64{-25, -12, 0, 8, 20, 30} {
		theta := deg * math.Pi / 180
		frame, region := syntheticFace(theta)

		crop, err := aligner.Align(frame, region)
		if err != nil {
			t.Fatalf("theta=%v: Align failed: %v", deg, err)
		}

		if tilt := residualTilt(t, crop); math.Abs(tilt) > 2 {
			t.Errorf("theta=%v: residual tilt %.2f deg, want < 2", deg, tilt)
		}
	}
}

func TestAlign_EyeOrderDoesNotMatter(t *testing.T) {
	frame, region := syntheticFace(15 * math.Pi / 180)
	region.LeftEye, region.RightEye = region.RightEye, region.LeftEye

	crop, err := New(DefaultConfig()).Align(frame, region)
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if tilt := residualTilt(t, crop); math.Abs(tilt) > 2 {
		t.Errorf("residual tilt %.2f deg with swapped eyes", tilt)
	}
}

func TestAlign_OutputShape(t *testing.T) {
	frame, region := syntheticFace(0)
	region.LeftEye, region.RightEye = nil, nil

	crop, err := New(Config{Width: 150, Height: 150, Padding: 0.15}).Align(frame, region)
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if crop.Width() != 150 || crop.Height() != 150 {
		t.Errorf("crop size = %dx%d, want 150x150", crop.Width(), crop.Height())
	}
	if n := len(crop.Tensor()); n != 150*150*recognition.Channels {
		t.Errorf("tensor length = %d", n)
	}

	for _, v := range crop.Tensor() {
		if v < -1 || v > 1 {
			t.Fatalf("value %v outside [-1,1]", v)
		}
	}
}

func TestAlign_Errors(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))

	tests := []struct {
		name    string
		frame   image.Image
		box     image.Rectangle
		wantErr error
	}{
		{"nil frame", nil, image.Rect(10, 10, 50, 50), ErrMissingFrame},
		{"empty frame", image.NewRGBA(image.Rectangle{}), image.Rect(10, 10, 50, 50), ErrMissingFrame},
		{"inverted box", frame, image.Rectangle{Min: image.Pt(50, 50), Max: image.Pt(10, 10)}, ErrInvalidRegion},
		{"zero-width box", frame, image.Rectangle{Min: image.Pt(10, 10), Max: image.Pt(10, 50)}, ErrInvalidRegion},
		{"box right of frame", frame, image.Rect(150, 10, 200, 60), ErrDegenerateRegion},
		{"box above frame", frame, image.Rect(10, -80, 60, -30), ErrDegenerateRegion},
	}

	aligner := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop, err := aligner.Align(tt.frame, FaceRegion{Box: tt.box})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Align() error = %v, want %v", err, tt.wantErr)
			}
			if crop != nil {
				t.Error("expected nil crop on error")
			}
			var aerr *AlignmentError
			if !errors.As(err, &aerr) {
				t.Errorf("expected *AlignmentError, got %T", err)
			}
		})
	}
}

func TestAlign_ClampsToFrame(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))

	// Box hangs off the bottom-right corner; the visible part is still usable.
	crop, err := New(DefaultConfig()).Align(frame, FaceRegion{Box: image.Rect(70, 70, 130, 130)})
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if crop.Width() != 112 {
		t.Errorf("crop width = %d", crop.Width())
	}
}

func TestEyeLineAngle(t *testing.T) {
	tests := []struct {
		name  string
		left  *Point
		right *Point
		want  float64
	}{
		{"level", &Point{10, 50}, &Point{60, 50}, 0},
		{"right eye lower", &Point{10, 50}, &Point{60, 100}, math.Pi / 4},
		{"swapped", &Point{60, 100}, &Point{10, 50}, math.Pi / 4},
		{"missing eye", &Point{10, 50}, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := FaceRegion{Box: image.Rect(0, 0, 10, 10), LeftEye: tt.left, RightEye: tt.right}
			if got := r.EyeLineAngle(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EyeLineAngle() = %v, want %v", got, tt.want)
			}
		})
	}
}
