package verify

import (
	"context"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/similarity"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

const testDim = 4

// MockExtractor is a fake embedding backend.
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, crop *recognition.AlignedCrop) (recognition.Embedding, error)
	Unloaded    bool
}

func (m *MockExtractor) Extract(ctx context.Context, crop *recognition.AlignedCrop) (recognition.Embedding, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, crop)
	}
	return enrolled(), nil
}

func (m *MockExtractor) Dimension() int        { return testDim }
func (m *MockExtractor) InputSize() (int, int) { return 2, 2 }
func (m *MockExtractor) IsLoaded() bool        { return !m.Unloaded }

// MockAligner returns a tiny grey crop unless AlignFunc is set.
type MockAligner struct {
	AlignFunc func(frame image.Image, region align.FaceRegion) (*recognition.AlignedCrop, error)
}

func (m *MockAligner) Align(frame image.Image, region align.FaceRegion) (*recognition.AlignedCrop, error) {
	if m.AlignFunc != nil {
		return m.AlignFunc(frame, region)
	}
	return recognition.NewAlignedCrop(2, 2, recognition.DefaultNormalization(), make([]float32, 2*2*recognition.Channels))
}

// MockStore is an in-memory identity store.
type MockStore struct {
	mu         sync.Mutex
	records    map[string]*storage.IdentityRecord
	GetFunc    func(ctx context.Context, key string) (*storage.IdentityRecord, error)
	UpdateFunc func(ctx context.Context, record *storage.IdentityRecord) error
	updates    int
}

func newMockStore(records ...*storage.IdentityRecord) *MockStore {
	m := &MockStore{records: map[string]*storage.IdentityRecord{}}
	for _, r := range records {
		m.records[r.Key] = r
	}
	return m
}

func (m *MockStore) GetByKey(ctx context.Context, key string) (*storage.IdentityRecord, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	return r.Clone(), nil
}

func (m *MockStore) Update(ctx context.Context, record *storage.IdentityRecord) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, record)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.Key]; !ok {
		return storage.ErrIdentityNotFound
	}
	m.records[record.Key] = record.Clone()
	m.updates++
	return nil
}

func (m *MockStore) get(key string) *storage.IdentityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key].Clone()
}

func (m *MockStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// enrolled is the reference embedding E.
func enrolled() recognition.Embedding {
	return recognition.Embedding{1, 0, 0, 0}
}

// withSimilarity returns a unit embedding whose cosine with E is c.
func withSimilarity(c float64) recognition.Embedding {
	return recognition.Embedding{float32(c), float32(math.Sqrt(1 - c*c)), 0, 0}
}

var (
	testFrame = image.NewRGBA(image.Rect(0, 0, 64, 64))
	testClock = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
)

func face(sig liveness.Signal) *Detection {
	return &Detection{
		Region: align.FaceRegion{Box: image.Rect(10, 10, 50, 50)},
		Signal: sig,
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RejectCooldown = 50 * time.Millisecond
	opts.ErrorCooldown = 50 * time.Millisecond
	opts.Timeout = 0
	opts.Now = func() time.Time { return testClock }
	return opts
}

func newTestOrchestrator(x recognition.Extractor, store Store, opts Options) *Orchestrator {
	return New(x, &MockAligner{}, similarity.DefaultScorer(), store, opts)
}

// submitAndWait feeds one frame and waits for its pipeline to finish.
func submitAndWait(t *testing.T, s *Session, det *Detection) bool {
	t.Helper()
	if !s.SubmitFrame(testFrame, det) {
		return false
	}
	waitIdle(t, s)
	return true
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitFor polls the session outcome until cond holds.
func waitFor(t *testing.T, s *Session, cond func(Outcome) bool) Outcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		out := s.Outcome()
		if cond(out) {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last outcome %+v", out)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// blinkSequence drives a session from AwaitingLiveness to the comparison.
func blinkSequence(t *testing.T, s *Session) {
	t.Helper()
	frames := []liveness.Signal{
		liveness.Eyes(0.92, 0.90),
		liveness.Eyes(0.12, 0.15),
		liveness.Eyes(0.88, 0.91),
	}
	for i, sig := range frames {
		if !submitAndWait(t, s, face(sig)) {
			t.Fatalf("frame %d dropped", i)
		}
	}
}

// recordingSink collects outcomes.
type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingSink) HandleOutcome(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingSink) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.outcomes))
	for i, o := range r.outcomes {
		out[i] = o.Status
	}
	return out
}

// countingRecorder counts drops by reason.
type countingRecorder struct {
	nopRecorder
	mu    sync.Mutex
	drops map[string]int
}

func (c *countingRecorder) FrameDropped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drops == nil {
		c.drops = map[string]int{}
	}
	c.drops[reason]++
}

func (c *countingRecorder) dropped(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops[reason]
}
