// Package recognition defines the embedding extraction contract: aligned
// face crops in, fixed-length identity vectors out.
//
// Backends never degrade silently. A missing or unloaded model is reported
// as ErrModelUnavailable and callers decide whether to block verification.
package recognition

import (
	"context"
	"errors"
	"fmt"
)

// Extraction failure kinds. Match them with errors.Is.
var (
	ErrModelUnavailable = errors.New("embedding model unavailable")
	ErrMalformedCrop    = errors.New("malformed crop")
	ErrNoFaceInCrop     = errors.New("no face found in crop")
)

// ExtractionError carries the failure kind plus backend detail.
type ExtractionError struct {
	Kind    error
	Backend string
	Detail  string
	Err     error
}

func (e *ExtractionError) Error() string {
	msg := e.Kind.Error()
	if e.Backend != "" {
		msg = e.Backend + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *ExtractionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Extractor turns an aligned crop into an embedding.
type Extractor interface {
	Extract(ctx context.Context, crop *AlignedCrop) (Embedding, error)
	// Dimension is the fixed length of every returned embedding.
	Dimension() int
	// InputSize is the crop size the model expects.
	InputSize() (width, height int)
}

// Loader is implemented by extractors whose model is loaded at runtime.
type Loader interface {
	IsLoaded() bool
}

// Available reports whether an extractor can serve requests right now.
// Extractors without a load step are always available.
func Available(x Extractor) bool {
	if l, ok := x.(Loader); ok {
		return l.IsLoaded()
	}
	return true
}

// Validate checks an extractor result against the declared contract.
// An all-zero vector is what a degraded model produces, so it is reported
// as ErrModelUnavailable rather than passed on to scoring.
func Validate(emb Embedding, dim int) error {
	if len(emb) != dim {
		return &ExtractionError{
			Kind:   ErrMalformedCrop,
			Detail: fmt.Sprintf("embedding has %d values, want %d", len(emb), dim),
		}
	}
	if emb.IsZero() {
		return &ExtractionError{Kind: ErrModelUnavailable, Detail: "extractor returned a zero vector"}
	}
	return nil
}

// CheckInputSize reports ErrMalformedCrop when a width x height crop is not
// what x declares. Extractors declaring a non-positive size accept any.
func CheckInputSize(x Extractor, width, height int) error {
	w, h := x.InputSize()
	if w <= 0 || h <= 0 || (w == width && h == height) {
		return nil
	}
	return &ExtractionError{
		Kind:   ErrMalformedCrop,
		Detail: fmt.Sprintf("crop is %dx%d, extractor expects %dx%d", width, height, w, h),
	}
}

// ExtractValidated checks the crop size, runs the extractor and validates
// its output.
func ExtractValidated(ctx context.Context, x Extractor, crop *AlignedCrop) (Embedding, error) {
	if crop == nil {
		return nil, &ExtractionError{Kind: ErrMalformedCrop, Detail: "nil crop"}
	}
	if err := CheckInputSize(x, crop.Width(), crop.Height()); err != nil {
		return nil, err
	}
	emb, err := x.Extract(ctx, crop)
	if err != nil {
		return nil, err
	}
	if err := Validate(emb, x.Dimension()); err != nil {
		return nil, err
	}
	return emb, nil
}
