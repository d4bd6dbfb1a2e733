package verify

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

// touchTimeout bounds the LastVerified write after an accept.
const touchTimeout = 5 * time.Second

// Session is one verification attempt for one target identity.
//
// Frames are processed at most one at a time: SubmitFrame starts a worker
// goroutine only when no other frame is in flight and drops the frame
// otherwise. Guard mutation happens under the session lock when a worker
// completes. Every Reset or Close bumps the generation so results from
// work started earlier are discarded, and cancels the context that work
// runs under.
type Session struct {
	orch       *Orchestrator
	id         string
	key        string
	enrollment bool

	ctx    context.Context
	cancel context.CancelFunc

	busy atomic.Bool

	mu        sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	record    *storage.IdentityRecord
	guard     *liveness.Guard
	gen       uint64
	closed    bool
	final     bool
	retry     bool
	attempts  int
	score     *float64
	updatedAt time.Time
	deadline  *time.Timer
	cooldown  *time.Timer
	updates   chan Outcome
}

func newSession(o *Orchestrator, record *storage.IdentityRecord) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(ctx)
	return &Session{
		orch:       o,
		id:         uuid.NewString(),
		key:        record.Key,
		enrollment: !record.Enrolled(),
		ctx:        ctx,
		cancel:     cancel,
		runCtx:     runCtx,
		runCancel:  runCancel,
		record:     record,
		guard:      liveness.NewGuard(o.opts.Liveness),
		updatedAt:  o.opts.Now(),
		updates:    make(chan Outcome, 1),
	}
}

func (s *Session) start() {
	s.mu.Lock()
	s.armDeadlineLocked()
	out := s.changedLocked()
	s.mu.Unlock()
	s.emit(out)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Key returns the target identity key.
func (s *Session) Key() string { return s.key }

// Enrollment reports whether the session enrolls instead of verifying.
func (s *Session) Enrollment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollment
}

// Busy reports whether a frame is being processed.
func (s *Session) Busy() bool { return s.busy.Load() }

// Outcome returns the current outcome.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Updates delivers outcome changes. Only the latest undelivered outcome is
// kept. The channel is closed by Close.
func (s *Session) Updates() <-chan Outcome {
	return s.updates
}

// SubmitFrame offers a frame to the session. It returns false when the
// frame was dropped: no face, session closed or not accepting frames, or
// another frame still in flight. It never blocks on processing.
func (s *Session) SubmitFrame(frame image.Image, det *Detection) bool {
	rec := s.orch.recorder
	rec.FrameSubmitted()

	if det == nil {
		rec.FrameDropped(DropNoFace)
		return false
	}

	s.mu.Lock()
	if s.closed || s.final || s.guard.State().Terminal() {
		s.mu.Unlock()
		rec.FrameDropped(DropInactive)
		return false
	}
	gen, ctx := s.gen, s.runCtx
	s.mu.Unlock()

	if !s.busy.CompareAndSwap(false, true) {
		rec.FrameDropped(DropBusy)
		return false
	}

	go s.process(ctx, gen, frame, *det)
	return true
}

func (s *Session) process(ctx context.Context, gen uint64, frame image.Image, det Detection) {
	defer s.busy.Store(false)

	log := logging.Component("verify").WithField("session", s.id)
	rec := s.orch.recorder

	begin := time.Now()
	crop, err := s.orch.aligner.Align(frame, det.Region)
	rec.StageObserved(StageAlign, time.Since(begin), err)
	if err != nil {
		log.WithError(err).Debug("Frame dropped: alignment failed")
		rec.FrameDropped(DropAlignment)
		return
	}

	begin = time.Now()
	emb, err := recognition.ExtractValidated(ctx, s.orch.extractor, crop)
	rec.StageObserved(StageExtract, time.Since(begin), err)
	if err != nil {
		if errors.Is(err, recognition.ErrModelUnavailable) {
			log.WithError(err).Warn("Frame dropped: embedding model unavailable")
		} else {
			log.WithError(err).Debug("Frame dropped: extraction failed")
		}
		rec.FrameDropped(DropExtraction)
		return
	}

	s.mu.Lock()
	if !s.currentLocked(gen) || s.guard.State().Terminal() {
		s.mu.Unlock()
		rec.FrameDropped(DropStale)
		return
	}

	comparing := s.guard.State() == liveness.Verifying
	tr := s.guard.Observe(det.Signal)

	switch {
	case tr.To == liveness.Rejected:
		log.WithField("code", tr.Code).Warn("Static image detected")
		out := s.rejectLocked(tr.Code, liveness.Reason(tr.Code), s.orch.opts.RejectCooldown)
		s.mu.Unlock()
		s.emit(out)

	case comparing && s.guard.EyesClosed(det.Signal):
		s.mu.Unlock()
		log.Debug("Eyes still closed, waiting for the comparison frame")
		rec.FrameDropped(DropEyesClosed)

	case comparing:
		target, enrolling := s.record.Embedding, s.enrollment
		s.mu.Unlock()
		if enrolling {
			s.enroll(ctx, gen, crop, emb)
		} else {
			s.compare(gen, emb, target)
		}

	case tr.Changed():
		log.Debug("Blink detected")
		out := s.changedLocked()
		s.mu.Unlock()
		s.emit(out)

	default:
		s.mu.Unlock()
	}
}

func (s *Session) compare(gen uint64, live, target recognition.Embedding) {
	score, ok := s.orch.scorer.Compare(live, target)
	s.orch.recorder.ScoreObserved(score, ok)

	s.mu.Lock()
	if !s.currentLocked(gen) || s.guard.State() != liveness.Verifying {
		s.mu.Unlock()
		s.orch.recorder.FrameDropped(DropStale)
		return
	}

	s.score = &score
	var out Outcome
	if ok {
		_ = s.guard.Accept()
		s.finishLocked()
		out = s.changedLocked()
	} else {
		out = s.rejectLocked(liveness.ReasonNoMatch, liveness.NoMatchReason(score), s.orch.opts.RejectCooldown)
	}
	s.mu.Unlock()

	s.emit(out)
	if ok {
		s.touch()
	}
}

// enroll writes the first live embedding back as the enrolled one. A write
// that completes after Reset or Close is reverted, so the store never keeps
// a result the session discarded.
func (s *Session) enroll(ctx context.Context, gen uint64, crop *recognition.AlignedCrop, emb recognition.Embedding) {
	log := logging.Component("verify").WithField("session", s.id)

	s.mu.Lock()
	if !s.currentLocked(gen) || s.guard.State() != liveness.Verifying {
		s.mu.Unlock()
		s.orch.recorder.FrameDropped(DropStale)
		return
	}
	previous := s.record.Clone()
	s.mu.Unlock()

	updated := previous.Clone()
	updated.Embedding = emb.Clone()
	updated.EnrolledAt = s.orch.opts.Now()

	begin := time.Now()
	photo, err := EncodePhoto(crop, s.orch.opts.PhotoQuality)
	if err == nil {
		updated.Photo = photo
		err = s.orch.store.Update(ctx, updated)
	}
	s.orch.recorder.StageObserved(StageEnroll, time.Since(begin), err)

	s.mu.Lock()
	if !s.currentLocked(gen) || s.guard.State() != liveness.Verifying {
		s.mu.Unlock()
		s.orch.recorder.FrameDropped(DropStale)
		if err == nil {
			s.revert(previous)
		}
		return
	}

	var out Outcome
	if err != nil {
		log.WithError(err).Error("Failed to store enrolled face")
		out = s.rejectLocked(liveness.ReasonProcessingError, liveness.Reason(liveness.ReasonProcessingError), s.orch.opts.ErrorCooldown)
	} else {
		log.WithField("key", s.key).Info("Face enrolled")
		s.record = updated
		_ = s.guard.Accept()
		s.finishLocked()
		out = s.changedLocked()
	}
	s.mu.Unlock()

	s.emit(out)
}

// revert restores the record an abandoned enrollment overwrote.
func (s *Session) revert(previous *storage.IdentityRecord) {
	log := logging.Component("verify").WithFields(logging.Fields{"session": s.id, "key": s.key})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), touchTimeout)
	defer cancel()
	if err := s.orch.store.Update(ctx, previous); err != nil {
		log.WithError(err).Error("Failed to revert discarded enrollment")
		return
	}
	log.Info("Discarded enrollment reverted")
}

// touch records the verification time. Failures are only logged.
func (s *Session) touch() {
	s.mu.Lock()
	updated := s.record.Clone()
	s.mu.Unlock()
	updated.LastVerified = s.orch.opts.Now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), touchTimeout)
	defer cancel()
	if err := s.orch.store.Update(ctx, updated); err != nil {
		logging.Component("verify").WithError(err).Warnf("Failed to update last verified time for %s", s.key)
	}
}

// rejectLocked moves the guard to Rejected, counts the attempt and either
// schedules the re-arm or, once the attempt cap is hit, ends the session.
func (s *Session) rejectLocked(code liveness.ReasonCode, reason string, cooldown time.Duration) Outcome {
	s.guard.Reject(code, reason)
	s.attempts++

	if limit := s.orch.opts.MaxAttempts; limit > 0 && s.attempts >= limit {
		s.guard.Reject(liveness.ReasonAttemptsExhausted, liveness.Reason(liveness.ReasonAttemptsExhausted))
		s.finishLocked()
	} else {
		gen := s.gen
		s.cooldown = time.AfterFunc(cooldown, func() { s.rearm(gen) })
	}

	logging.Component("verify").WithFields(logging.Fields{
		"session":  s.id,
		"code":     code,
		"attempts": s.attempts,
	}).Info(reason)

	return s.changedLocked()
}

func (s *Session) rearm(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.final || s.guard.State() != liveness.Rejected {
		s.mu.Unlock()
		return
	}
	s.guard.Rearm()
	s.retry = true
	s.score = nil
	out := s.changedLocked()
	s.mu.Unlock()

	s.emit(out)
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.final {
		s.mu.Unlock()
		return
	}
	s.guard.Reject(liveness.ReasonTimeout, liveness.Reason(liveness.ReasonTimeout))
	s.finishLocked()
	out := s.changedLocked()
	s.mu.Unlock()

	logging.Component("verify").WithField("session", s.id).Info("Verification timed out")
	s.emit(out)
}

// Reset discards in-flight work and starts the attempt over, including
// the attempt counter and the deadline. A session that has enrolled its
// identity verifies against it from then on.
func (s *Session) Reset() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.runCancel()
	s.runCtx, s.runCancel = context.WithCancel(s.ctx)
	s.stopTimersLocked()
	s.guard.Rearm()
	s.enrollment = !s.record.Enrolled()
	s.final = false
	s.retry = false
	s.attempts = 0
	s.score = nil
	s.armDeadlineLocked()
	out := s.changedLocked()
	s.mu.Unlock()

	s.emit(out)
}

// Close tears the session down. In-flight work is cancelled where the
// extractor honours its context and discarded otherwise.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	s.cancel()
	close(s.updates)
	s.mu.Unlock()

	s.orch.release(s)
	logging.Component("verify").WithField("session", s.id).Info("Verification session closed")
}

func (s *Session) currentLocked(gen uint64) bool {
	return !s.closed && gen == s.gen
}

func (s *Session) finishLocked() {
	s.final = true
	s.stopTimersLocked()
}

func (s *Session) armDeadlineLocked() {
	if s.orch.opts.Timeout <= 0 {
		return
	}
	gen := s.gen
	s.deadline = time.AfterFunc(s.orch.opts.Timeout, func() { s.expire(gen) })
}

func (s *Session) stopTimersLocked() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
}

// changedLocked stamps the outcome and offers it on the updates channel.
func (s *Session) changedLocked() Outcome {
	s.updatedAt = s.orch.opts.Now()
	out := s.snapshotLocked()
	if !s.closed {
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- out:
		default:
		}
	}
	return out
}

func (s *Session) snapshotLocked() Outcome {
	state := s.guard.State()
	out := Outcome{
		SessionID:  s.id,
		Key:        s.key,
		Status:     statusOf(state),
		Attempts:   s.attempts,
		Enrollment: s.enrollment,
		Final:      s.final,
		UpdatedAt:  s.updatedAt,
	}
	if s.score != nil {
		v := *s.score
		out.Score = &v
	}
	if state == liveness.Rejected {
		out.Code, out.Reason = s.guard.Rejection()
		out.Prompt = liveness.Message(out.Code)
	} else {
		out.Prompt = liveness.Prompt(state, s.enrollment, s.retry)
	}
	return out
}

// emit hands an outcome to instrumentation and sinks outside the lock.
func (s *Session) emit(out Outcome) {
	s.orch.recorder.OutcomeObserved(out)
	for _, sink := range s.orch.sinks {
		sink.HandleOutcome(out)
	}
}

// EncodePhoto renders a crop as the JPEG stored with an enrollment.
func EncodePhoto(crop *recognition.AlignedCrop, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
