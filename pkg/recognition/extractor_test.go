package recognition

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type MockExtractor struct {
	ExtractFunc func(ctx context.Context, crop *AlignedCrop) (Embedding, error)
	Dim         int
	Loaded      bool

	// Width and Height are the declared input size; zero accepts any crop.
	Width, Height int
}

func (m *MockExtractor) Extract(ctx context.Context, crop *AlignedCrop) (Embedding, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, crop)
	}
	return make(Embedding, m.Dim), nil
}

func (m *MockExtractor) Dimension() int        { return m.Dim }
func (m *MockExtractor) InputSize() (int, int) { return m.Width, m.Height }
func (m *MockExtractor) IsLoaded() bool        { return m.Loaded }

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		emb     Embedding
		dim     int
		wantErr error
	}{
		{"valid", Embedding{0.1, 0.2}, 2, nil},
		{"zero vector", Embedding{0, 0}, 2, ErrModelUnavailable},
		{"wrong length", Embedding{0.1}, 2, ErrMalformedCrop},
		{"empty", nil, 2, ErrMalformedCrop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.emb, tt.dim)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtractValidated_DegradedModel(t *testing.T) {
	// A model that silently returns zeros must never reach scoring.
	x := &MockExtractor{Dim: 4, Loaded: true}
	crop, _ := NewAlignedCrop(1, 1, DefaultNormalization(), []float32{0, 0, 0})

	emb, err := ExtractValidated(context.Background(), x, crop)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if emb != nil {
		t.Error("expected nil embedding on error")
	}
}

func TestExtractValidated_InputSize(t *testing.T) {
	var calls int
	x := &MockExtractor{
		Dim:    2,
		Loaded: true,
		Width:  2,
		Height: 2,
		ExtractFunc: func(ctx context.Context, crop *AlignedCrop) (Embedding, error) {
			calls++
			return Embedding{0.6, 0.8}, nil
		},
	}

	tests := []struct {
		name          string
		width, height int
		wantErr       error
	}{
		{"declared size", 2, 2, nil},
		{"too wide", 3, 2, ErrMalformedCrop},
		{"model default instead of declared", 112, 112, ErrMalformedCrop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls = 0
			crop, err := NewAlignedCrop(tt.width, tt.height, DefaultNormalization(), make([]float32, tt.width*tt.height*Channels))
			if err != nil {
				t.Fatalf("NewAlignedCrop: %v", err)
			}
			_, err = ExtractValidated(context.Background(), x, crop)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExtractValidated() = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && calls != 0 {
				t.Error("extractor ran on a crop of the wrong size")
			}
		})
	}
}

func TestExtractValidated_PassesErrors(t *testing.T) {
	boom := errors.New("boom")
	x := &MockExtractor{
		Dim: 2,
		ExtractFunc: func(ctx context.Context, crop *AlignedCrop) (Embedding, error) {
			return nil, &ExtractionError{Kind: ErrNoFaceInCrop, Backend: "mock", Err: boom}
		},
	}
	crop, _ := NewAlignedCrop(1, 1, DefaultNormalization(), []float32{0, 0, 0})

	_, err := ExtractValidated(context.Background(), x, crop)
	if !errors.Is(err, ErrNoFaceInCrop) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped kind and cause, got %v", err)
	}

	var xerr *ExtractionError
	if !errors.As(err, &xerr) || xerr.Backend != "mock" {
		t.Errorf("expected *ExtractionError from mock backend, got %#v", err)
	}
	if !strings.HasPrefix(err.Error(), "mock: no face found in crop") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestExtractValidated_NilCrop(t *testing.T) {
	_, err := ExtractValidated(context.Background(), &MockExtractor{Dim: 2}, nil)
	if !errors.Is(err, ErrMalformedCrop) {
		t.Errorf("expected ErrMalformedCrop, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	if Available(&MockExtractor{Loaded: false}) {
		t.Error("unloaded extractor reported available")
	}
	if !Available(&MockExtractor{Loaded: true}) {
		t.Error("loaded extractor reported unavailable")
	}
	if !Available(NewRemoteExtractor(RemoteConfig{URL: "http://localhost"})) {
		t.Error("extractor without load step should be available")
	}
}
