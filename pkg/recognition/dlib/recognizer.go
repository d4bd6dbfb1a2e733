// Package dlib provides the dlib (go-face) recognition backend.
// It serves both as an embedding extractor for aligned crops and as the
// face detector used by the CLI when enrolling from still images.
package dlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
)

const (
	// Dimension is the length of a dlib ResNet face descriptor.
	Dimension = 128
	// InputSize is the chip size the dlib ResNet model was trained on.
	InputSize = 150
)

// ErrNoFaceDetected is returned when no face is found in an image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when more than one face is found.
var ErrMultipleFaces = errors.New("multiple faces detected")

// FaceEngine is the subset of *face.Recognizer the backend relies on.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	RecognizeSingle(imgData []byte) (*face.Face, error)
	Close()
}

// Face is a detection with the region the aligner needs.
type Face struct {
	Region     align.FaceRegion
	Descriptor recognition.Embedding
}

// Recognizer implements recognition.Extractor on top of dlib.
type Recognizer struct {
	engine    FaceEngine
	modelPath string
	loaded    bool
	mu        sync.RWMutex
	factory   func(path string) (FaceEngine, error)
}

// NewRecognizer creates an unloaded Recognizer.
func NewRecognizer() *Recognizer {
	return &Recognizer{
		factory: func(path string) (FaceEngine, error) {
			return face.NewRecognizer(path)
		},
	}
}

// LoadModels loads the dlib models from the specified directory.
// The directory should contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat
func (r *Recognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	log := logging.Component("recognition")
	log.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	log.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *Recognizer) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// Dimension returns the descriptor length.
func (r *Recognizer) Dimension() int { return Dimension }

// InputSize returns the expected crop size.
func (r *Recognizer) InputSize() (int, int) { return InputSize, InputSize }

// Extract computes the descriptor of an aligned crop.
func (r *Recognizer) Extract(ctx context.Context, crop *recognition.AlignedCrop) (recognition.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if crop == nil {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrMalformedCrop, Backend: "dlib", Detail: "nil crop"}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrModelUnavailable, Backend: "dlib", Detail: "models not loaded"}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop.Image(), &jpeg.Options{Quality: 95}); err != nil {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrMalformedCrop, Backend: "dlib", Err: err}
	}

	f, err := r.engine.RecognizeSingle(buf.Bytes())
	if err != nil {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrMalformedCrop, Backend: "dlib", Err: err}
	}
	if f == nil {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrNoFaceInCrop, Backend: "dlib"}
	}

	return descriptorToEmbedding(f.Descriptor), nil
}

// DetectFaces detects all faces in an encoded image.
func (r *Recognizer) DetectFaces(imageData []byte) ([]Face, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrModelUnavailable, Backend: "dlib", Detail: "models not loaded"}
	}

	faces, err := r.engine.Recognize(imageData)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		result[i] = Face{
			Region:     regionFromShapes(f.Rectangle, f.Shapes),
			Descriptor: descriptorToEmbedding(f.Descriptor),
		}
	}

	logging.Component("recognition").Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// DetectSingleFace detects exactly one face in the image.
func (r *Recognizer) DetectSingleFace(imageData []byte) (*Face, error) {
	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, err
	}
	if len(faces) > 1 {
		return nil, ErrMultipleFaces
	}
	return &faces[0], nil
}

func descriptorToEmbedding(d face.Descriptor) recognition.Embedding {
	out := make(recognition.Embedding, len(d))
	copy(out, d[:])
	return out
}

// regionFromShapes derives eye centres from the 5-point landmark model:
// points 0-1 and 2-3 are the corners of each eye, 4 is the nose.
func regionFromShapes(rect image.Rectangle, shapes []image.Point) align.FaceRegion {
	region := align.FaceRegion{Box: rect}
	if len(shapes) < 4 {
		return region
	}

	a := midpoint(shapes[0], shapes[1])
	b := midpoint(shapes[2], shapes[3])
	if a.X > b.X {
		a, b = b, a
	}
	region.LeftEye = &a
	region.RightEye = &b
	return region
}

func midpoint(p, q image.Point) align.Point {
	return align.Point{
		X: float64(p.X+q.X) / 2,
		Y: float64(p.Y+q.Y) / 2,
	}
}
