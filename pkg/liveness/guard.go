// Package liveness gates verification attempts on proof that a live person
// is in front of the camera.
//
// The Guard consumes one Signal per frame. A printed photo or frozen
// replay produces eye-openness values that never change, so stagnation is
// checked on every frame before a blink can be registered.
package liveness

import (
	"errors"
	"math"
)

// State is the guard's position in the liveness state machine.
type State int

const (
	AwaitingBlink State = iota
	Verifying
	Accepted
	Rejected
)

func (s State) String() string {
	switch s {
	case AwaitingBlink:
		return "AwaitingBlink"
	case Verifying:
		return "Verifying"
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state needs an explicit Rearm to leave.
func (s State) Terminal() bool {
	return s == Accepted || s == Rejected
}

// ErrInvalidTransition is returned by Accept outside Verifying.
var ErrInvalidTransition = errors.New("invalid liveness transition")

// Signal is the per-frame detector metadata. Every field is optional.
type Signal struct {
	LeftEyeOpen  *float64 `json:"left_eye_open,omitempty"`
	RightEyeOpen *float64 `json:"right_eye_open,omitempty"`
	HeadYaw      *float64 `json:"head_yaw,omitempty"`
	HeadRoll     *float64 `json:"head_roll,omitempty"`
}

// Eyes builds a signal with both eye-open probabilities set.
func Eyes(left, right float64) Signal {
	return Signal{LeftEyeOpen: &left, RightEyeOpen: &right}
}

// Float returns a pointer to v, for building signals.
func Float(v float64) *float64 {
	return &v
}

// Config holds the guard thresholds.
type Config struct {
	// BlinkThreshold: both eyes below it in one frame counts as a blink.
	BlinkThreshold float64 `yaml:"blink_threshold"`
	// StaticFrameLimit: more identical consecutive frames than this is a spoof.
	StaticFrameLimit int `yaml:"static_frame_limit"`
	// MaxHeadYaw and MaxHeadRoll in degrees; 0 disables the bound.
	MaxHeadYaw  float64 `yaml:"max_head_yaw"`
	MaxHeadRoll float64 `yaml:"max_head_roll"`
}

// DefaultConfig returns the kiosk defaults.
func DefaultConfig() Config {
	return Config{
		BlinkThreshold:   0.40,
		StaticFrameLimit: 15,
	}
}

// Transition reports the effect of one observed frame.
type Transition struct {
	From State
	To   State
	// Code is set when the frame caused a rejection.
	Code ReasonCode
}

// Changed reports whether the frame moved the guard.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Guard is the liveness state machine for one attempt. It is not safe for
// concurrent use; the owning session serializes access.
type Guard struct {
	cfg Config

	state        State
	blinked      bool
	staticFrames int
	lastLeft     float64
	lastRight    float64
	hasLast      bool

	code   ReasonCode
	reason string
}

// NewGuard creates a guard in AwaitingBlink.
func NewGuard(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.BlinkThreshold <= 0 {
		cfg.BlinkThreshold = def.BlinkThreshold
	}
	if cfg.StaticFrameLimit <= 0 {
		cfg.StaticFrameLimit = def.StaticFrameLimit
	}
	return &Guard{cfg: cfg}
}

// Observe feeds one frame's signal. Terminal states ignore input.
func (g *Guard) Observe(sig Signal) Transition {
	from := g.state
	if from.Terminal() {
		return Transition{From: from, To: from}
	}

	if g.stagnant(sig) {
		g.reject(ReasonStaticImage, Reason(ReasonStaticImage))
		return Transition{From: from, To: g.state, Code: ReasonStaticImage}
	}

	if g.state == AwaitingBlink && g.isBlink(sig) {
		g.blinked = true
		g.state = Verifying
	}

	return Transition{From: from, To: g.state}
}

// stagnant updates the static-frame counter and reports a spoof.
func (g *Guard) stagnant(sig Signal) bool {
	if sig.LeftEyeOpen == nil || sig.RightEyeOpen == nil {
		return false
	}

	left, right := *sig.LeftEyeOpen, *sig.RightEyeOpen
	if g.hasLast && left == g.lastLeft && right == g.lastRight {
		g.staticFrames++
	} else {
		g.staticFrames = 0
		g.lastLeft, g.lastRight = left, right
		g.hasLast = true
	}

	return g.staticFrames > g.cfg.StaticFrameLimit
}

// isBlink treats a missing eye value as open.
func (g *Guard) isBlink(sig Signal) bool {
	left, right := 1.0, 1.0
	if sig.LeftEyeOpen != nil {
		left = *sig.LeftEyeOpen
	}
	if sig.RightEyeOpen != nil {
		right = *sig.RightEyeOpen
	}
	if left >= g.cfg.BlinkThreshold || right >= g.cfg.BlinkThreshold {
		return false
	}
	return g.poseWithinBounds(sig)
}

// EyesClosed reports whether both eyes are reported below the blink
// threshold, i.e. the subject has not reopened them yet.
func (g *Guard) EyesClosed(sig Signal) bool {
	if sig.LeftEyeOpen == nil || sig.RightEyeOpen == nil {
		return false
	}
	return *sig.LeftEyeOpen < g.cfg.BlinkThreshold && *sig.RightEyeOpen < g.cfg.BlinkThreshold
}

func (g *Guard) poseWithinBounds(sig Signal) bool {
	if g.cfg.MaxHeadYaw > 0 && sig.HeadYaw != nil && math.Abs(*sig.HeadYaw) > g.cfg.MaxHeadYaw {
		return false
	}
	if g.cfg.MaxHeadRoll > 0 && sig.HeadRoll != nil && math.Abs(*sig.HeadRoll) > g.cfg.MaxHeadRoll {
		return false
	}
	return true
}

// Accept moves Verifying to Accepted.
func (g *Guard) Accept() error {
	if g.state != Verifying {
		return ErrInvalidTransition
	}
	g.state = Accepted
	g.code, g.reason = ReasonNone, ""
	return nil
}

// Reject moves any state to Rejected with the given reason.
func (g *Guard) Reject(code ReasonCode, reason string) {
	g.reject(code, reason)
}

func (g *Guard) reject(code ReasonCode, reason string) {
	g.state = Rejected
	g.code = code
	g.reason = reason
}

// Rearm clears all counters and returns to AwaitingBlink.
func (g *Guard) Rearm() {
	g.state = AwaitingBlink
	g.blinked = false
	g.staticFrames = 0
	g.hasLast = false
	g.lastLeft, g.lastRight = 0, 0
	g.code, g.reason = ReasonNone, ""
}

// State returns the current state.
func (g *Guard) State() State { return g.state }

// Blinked reports whether a blink was registered since the last Rearm.
func (g *Guard) Blinked() bool { return g.blinked }

// StaticFrames returns the current stagnation count.
func (g *Guard) StaticFrames() int { return g.staticFrames }

// Rejection returns the code and reason of the last rejection.
func (g *Guard) Rejection() (ReasonCode, string) { return g.code, g.reason }
