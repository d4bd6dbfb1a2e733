// Package camera provides frame sources and the pump that feeds them into
// a verification session.
//
// The kiosk UI host owns the physical camera and its face detector. What
// reaches this package are encoded frames paired with detector metadata,
// either uploaded over the API or replayed from a recorded directory.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"time"

	"github.com/MrCodeEU/facegate/pkg/verify"
)

// Frame represents a single camera frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "jpeg", "png"
	Timestamp time.Time
	// Detection is the detector result for this frame; nil means no face.
	Detection *verify.Detection

	img image.Image
}

// Source produces frames in capture order. Next returns io.EOF after the
// last frame.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// ErrNoFrame is returned when frame data is missing.
var ErrNoFrame = errors.New("no frame data")

// ErrUnsupportedFormat is returned for frames that cannot be decoded.
var ErrUnsupportedFormat = errors.New("unsupported frame format")

// maxFramePixels rejects absurd frame sizes before decoding.
const maxFramePixels = 4096 * 4096

// Decode parses an encoded JPEG or PNG frame.
func Decode(data []byte) (*Frame, image.Image, error) {
	if len(data) == 0 {
		return nil, nil, ErrNoFrame
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width*cfg.Height > maxFramePixels {
		return nil, nil, fmt.Errorf("%w: %dx%d frame too large", ErrUnsupportedFormat, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	frame := &Frame{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
		Timestamp: time.Now(),
		img:       img,
	}
	return frame, img, nil
}

// ToImage decodes the frame data. Frames built by Decode return the
// already decoded image.
func (f *Frame) ToImage() (image.Image, error) {
	if f.img != nil {
		return f.img, nil
	}
	if len(f.Data) == 0 {
		return nil, ErrNoFrame
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return img, nil
}
