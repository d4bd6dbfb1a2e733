package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/similarity"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

func TestOrchestrator_StartErrors(t *testing.T) {
	storeDown := errors.New("connection refused")

	tests := []struct {
		name      string
		extractor *MockExtractor
		aligner   Aligner
		store     *MockStore
		key       string
		wantErr   []error
	}{
		{
			name:      "model unavailable",
			extractor: &MockExtractor{Unloaded: true},
			store:     newMockStore(&storage.IdentityRecord{Key: "alice"}),
			key:       "alice",
			wantErr:   []error{recognition.ErrModelUnavailable},
		},
		{
			name:      "unknown identity",
			extractor: &MockExtractor{},
			store:     newMockStore(),
			key:       "nobody",
			wantErr:   []error{storage.ErrIdentityNotFound},
		},
		{
			name:      "store unreachable",
			extractor: &MockExtractor{},
			store: &MockStore{GetFunc: func(ctx context.Context, key string) (*storage.IdentityRecord, error) {
				return nil, storeDown
			}},
			key:     "alice",
			wantErr: []error{ErrLoadTarget, storeDown},
		},
		{
			name:      "enrolled with another model",
			extractor: &MockExtractor{},
			store:     newMockStore(&storage.IdentityRecord{Key: "old", Embedding: make(recognition.Embedding, 128)}),
			key:       "old",
			wantErr:   []error{ErrEmbeddingMismatch},
		},
		{
			name:      "aligner sized for another model",
			extractor: &MockExtractor{},
			aligner:   align.New(align.Config{Width: 112, Height: 112}),
			store:     newMockStore(&storage.IdentityRecord{Key: "alice", Embedding: enrolled()}),
			key:       "alice",
			wantErr:   []error{ErrInputSizeMismatch, recognition.ErrMalformedCrop},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var aligner Aligner = &MockAligner{}
			if tt.aligner != nil {
				aligner = tt.aligner
			}
			o := New(tt.extractor, aligner, similarity.DefaultScorer(), tt.store, testOptions())
			s, err := o.Start(context.Background(), tt.key)
			if err == nil {
				s.Close()
				t.Fatal("Start succeeded, want error")
			}
			for _, want := range tt.wantErr {
				if !errors.Is(err, want) {
					t.Errorf("error %v does not match %v", err, want)
				}
			}
			if o.Active() != nil {
				t.Error("failed start left an active session")
			}
		})
	}
}

func TestOrchestrator_StartReplacesActiveSession(t *testing.T) {
	store := newMockStore(
		&storage.IdentityRecord{Key: "alice", Embedding: enrolled()},
		&storage.IdentityRecord{Key: "bob", Embedding: enrolled()},
	)
	o := newTestOrchestrator(&MockExtractor{}, store, testOptions())

	first, err := o.Start(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := o.Start(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Close()

	if o.Active() != second {
		t.Error("second session is not active")
	}
	if first.ID() == second.ID() {
		t.Error("session IDs must be unique")
	}

	// The first session's updates channel is closed once drained.
	done := make(chan struct{})
	go func() {
		for range first.Updates() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replaced session was not closed")
	}

	o.Stop()
	if o.Active() != nil {
		t.Error("Stop left an active session")
	}
}

func TestNew_Defaults(t *testing.T) {
	o := New(&MockExtractor{}, &MockAligner{}, similarity.DefaultScorer(), newMockStore(), Options{})
	if o.opts.RejectCooldown != 3*time.Second || o.opts.ErrorCooldown != 2*time.Second {
		t.Errorf("cooldowns = %v / %v", o.opts.RejectCooldown, o.opts.ErrorCooldown)
	}
	if o.opts.Timeout != 0 || o.opts.MaxAttempts != 0 {
		t.Error("zero timeout and attempt cap must be kept")
	}
	if o.opts.Now == nil || o.opts.PhotoQuality != 85 {
		t.Errorf("defaults not applied: %+v", o.opts)
	}
}
