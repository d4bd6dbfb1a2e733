package verify

import (
	"time"

	"github.com/MrCodeEU/facegate/pkg/liveness"
)

// Status is the caller-facing session result.
type Status string

const (
	StatusAwaitingLiveness Status = "AWAITING_LIVENESS"
	StatusProcessing       Status = "PROCESSING"
	StatusAccepted         Status = "ACCEPTED"
	StatusRejected         Status = "REJECTED"
)

func statusOf(s liveness.State) Status {
	switch s {
	case liveness.Verifying:
		return StatusProcessing
	case liveness.Accepted:
		return StatusAccepted
	case liveness.Rejected:
		return StatusRejected
	default:
		return StatusAwaitingLiveness
	}
}

// Outcome is a snapshot of a session, as reported to the UI.
type Outcome struct {
	SessionID  string              `json:"session_id"`
	Key        string              `json:"key"`
	Status     Status              `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Code       liveness.ReasonCode `json:"code,omitempty"`
	Score      *float64            `json:"score,omitempty"`
	Attempts   int                 `json:"attempts"`
	Enrollment bool                `json:"enrollment"`
	// Final is set when the session will not progress without Reset.
	Final     bool      `json:"final"`
	Prompt    string    `json:"prompt,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// String renders the outcome the way the kiosk logs it, e.g.
// `REJECTED("No match (score: 0.50)")`.
func (o Outcome) String() string {
	if o.Status == StatusRejected {
		return string(o.Status) + `("` + o.Reason + `")`
	}
	return string(o.Status)
}

// OutcomeSink receives every outcome change. Calls happen outside the
// session lock and must not block for long.
type OutcomeSink interface {
	HandleOutcome(Outcome)
}

// OutcomeSinkFunc adapts a function to OutcomeSink.
type OutcomeSinkFunc func(Outcome)

func (f OutcomeSinkFunc) HandleOutcome(o Outcome) { f(o) }

// Frame drop reasons passed to Recorder.FrameDropped.
const (
	DropNoFace     = "no_face"
	DropBusy       = "busy"
	DropInactive   = "inactive"
	DropAlignment  = "alignment"
	DropExtraction = "extraction"
	DropStale      = "stale"
	DropEyesClosed = "eyes_closed"
)

// Pipeline stages passed to Recorder.StageObserved.
const (
	StageAlign   = "align"
	StageExtract = "extract"
	StageEnroll  = "enroll"
)

// Recorder receives engine instrumentation.
type Recorder interface {
	FrameSubmitted()
	FrameDropped(reason string)
	StageObserved(stage string, d time.Duration, err error)
	ScoreObserved(score float64, accepted bool)
	OutcomeObserved(o Outcome)
}

type nopRecorder struct{}

func (nopRecorder) FrameSubmitted()                            {}
func (nopRecorder) FrameDropped(string)                        {}
func (nopRecorder) StageObserved(string, time.Duration, error) {}
func (nopRecorder) ScoreObserved(float64, bool)                {}
func (nopRecorder) OutcomeObserved(Outcome)                    {}
