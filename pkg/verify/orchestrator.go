// Package verify runs verification sessions: it ties the aligner, the
// embedding extractor, the similarity scorer and the liveness guard
// together for one target identity at a time.
//
// Enrollment is a first-use bootstrap, not a security check. When the
// target has no enrolled embedding, the first live embedding that passes
// the liveness guard is written back to the store and the session reports
// Accepted. Deployments that need supervised enrollment must pre-enroll
// identities with the CLI instead.
package verify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/similarity"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

// ErrLoadTarget is returned by Start when the identity store fails.
var ErrLoadTarget = errors.New("failed to load target identity")

// ErrEmbeddingMismatch is returned by Start when the enrolled embedding
// was produced by a model with a different dimension.
var ErrEmbeddingMismatch = errors.New("enrolled embedding does not match extractor dimension")

// ErrInputSizeMismatch is returned by Start when the aligner's crop size
// is not the extractor's declared input size.
var ErrInputSizeMismatch = errors.New("aligner output does not match extractor input size")

// Aligner produces the crop fed to the extractor.
type Aligner interface {
	Align(frame image.Image, region align.FaceRegion) (*recognition.AlignedCrop, error)
}

// SizedAligner is an Aligner with a fixed output size that Start can check
// up front. Crops from other aligners are checked per frame.
type SizedAligner interface {
	Aligner
	OutputSize() (width, height int)
}

// Store is the part of the identity store a session needs.
type Store interface {
	GetByKey(ctx context.Context, key string) (*storage.IdentityRecord, error)
	Update(ctx context.Context, record *storage.IdentityRecord) error
}

// Detection is the face detector's result for one frame.
type Detection struct {
	Region align.FaceRegion `json:"region"`
	Signal liveness.Signal  `json:"signal"`
}

// Options are the session policies.
type Options struct {
	// RejectCooldown is the delay before a rejected attempt re-arms.
	RejectCooldown time.Duration
	// ErrorCooldown applies after a processing error.
	ErrorCooldown time.Duration
	// Timeout bounds a session from Start (or Reset); 0 disables it.
	Timeout time.Duration
	// MaxAttempts caps rejections per session; 0 means unlimited.
	MaxAttempts int
	Liveness    liveness.Config
	// PhotoQuality is the JPEG quality of the enrollment photo.
	PhotoQuality int
	// Now is the clock used for timestamps.
	Now func() time.Time
}

// DefaultOptions returns the kiosk defaults.
func DefaultOptions() Options {
	return Options{
		RejectCooldown: 3 * time.Second,
		ErrorCooldown:  2 * time.Second,
		Timeout:        30 * time.Second,
		MaxAttempts:    0,
		Liveness:       liveness.DefaultConfig(),
		PhotoQuality:   85,
		Now:            time.Now,
	}
}

// Orchestrator owns the engine components and the single active session.
type Orchestrator struct {
	extractor recognition.Extractor
	aligner   Aligner
	scorer    similarity.Scorer
	store     Store
	opts      Options

	recorder Recorder
	sinks    []OutcomeSink

	mu     sync.Mutex
	active *Session
}

// New creates an orchestrator. Zero-valued options fall back to defaults,
// except MaxAttempts and Timeout where zero is meaningful.
func New(extractor recognition.Extractor, aligner Aligner, scorer similarity.Scorer, store Store, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.RejectCooldown <= 0 {
		opts.RejectCooldown = def.RejectCooldown
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = def.ErrorCooldown
	}
	if opts.PhotoQuality <= 0 || opts.PhotoQuality > 100 {
		opts.PhotoQuality = def.PhotoQuality
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		extractor: extractor,
		aligner:   aligner,
		scorer:    scorer,
		store:     store,
		opts:      opts,
		recorder:  nopRecorder{},
	}
}

// SetRecorder installs instrumentation. Call before Start.
func (o *Orchestrator) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	o.recorder = r
}

// AddSink registers an outcome consumer. Call before Start.
func (o *Orchestrator) AddSink(sink OutcomeSink) {
	o.sinks = append(o.sinks, sink)
}

// Scorer returns the configured scorer.
func (o *Orchestrator) Scorer() similarity.Scorer {
	return o.scorer
}

// Ready reports whether the extractor can serve sessions.
func (o *Orchestrator) Ready() bool {
	return recognition.Available(o.extractor)
}

// Start loads the target identity and opens a session for it, closing any
// session that was still active. ctx bounds the store lookup only.
func (o *Orchestrator) Start(ctx context.Context, key string) (*Session, error) {
	log := logging.Component("verify")

	if !recognition.Available(o.extractor) {
		return nil, &recognition.ExtractionError{Kind: recognition.ErrModelUnavailable, Detail: "cannot start session"}
	}

	if sa, ok := o.aligner.(SizedAligner); ok {
		w, h := sa.OutputSize()
		if err := recognition.CheckInputSize(o.extractor, w, h); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInputSizeMismatch, err)
		}
	}

	record, err := o.loadTarget(ctx, key)
	if err != nil {
		return nil, err
	}

	if record.Enrolled() && len(record.Embedding) != o.extractor.Dimension() {
		return nil, fmt.Errorf("%w: %s has %d values, extractor produces %d",
			ErrEmbeddingMismatch, key, len(record.Embedding), o.extractor.Dimension())
	}

	s := newSession(o, record)

	o.mu.Lock()
	prev := o.active
	o.active = s
	o.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	log.WithFields(logging.Fields{
		"session":    s.id,
		"key":        key,
		"enrollment": !record.Enrolled(),
	}).Info("Verification session started")

	s.start()
	return s, nil
}

func (o *Orchestrator) loadTarget(ctx context.Context, key string) (*storage.IdentityRecord, error) {
	record, err := o.store.GetByKey(ctx, key)
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, storage.ErrIdentityNotFound), errors.Is(err, storage.ErrInvalidKey):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", ErrLoadTarget, err)
	}
}

// Active returns the active session, or nil.
func (o *Orchestrator) Active() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Stop closes the active session, if any.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	s := o.active
	o.active = nil
	o.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// release drops s as the active session if it still is.
func (o *Orchestrator) release(s *Session) {
	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.mu.Unlock()
}

// Close stops the active session.
func (o *Orchestrator) Close() error {
	o.Stop()
	return nil
}
