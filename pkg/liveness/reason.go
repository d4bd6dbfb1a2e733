package liveness

import "fmt"

// ReasonCode identifies why an attempt was rejected.
type ReasonCode string

const (
	ReasonNone              ReasonCode = ""
	ReasonStaticImage       ReasonCode = "STATIC_IMAGE"
	ReasonNoMatch           ReasonCode = "NO_MATCH"
	ReasonProcessingError   ReasonCode = "PROCESSING_ERROR"
	ReasonTimeout           ReasonCode = "TIMEOUT"
	ReasonAttemptsExhausted ReasonCode = "ATTEMPTS_EXHAUSTED"
)

// Rejection strings reported to the caller.
var reasonText = map[ReasonCode]string{
	ReasonStaticImage:       "Spoofing detected: static image",
	ReasonNoMatch:           "No match",
	ReasonProcessingError:   "Processing error",
	ReasonTimeout:           "Verification timed out",
	ReasonAttemptsExhausted: "Too many failed attempts",
}

// Spoken/displayed prompts for the kiosk UI.
var prompts = map[ReasonCode]string{
	ReasonStaticImage:       "Anti-spoofing triggered. Static image detected.",
	ReasonNoMatch:           "Face not matched. Please try again.",
	ReasonProcessingError:   "Something went wrong. Please try again.",
	ReasonTimeout:           "Face verification timed out. Please ask for assistance.",
	ReasonAttemptsExhausted: "Face could not be verified. Please ask for assistance.",
}

// Reason returns the rejection string for a code.
func Reason(code ReasonCode) string {
	if s, ok := reasonText[code]; ok {
		return s
	}
	return "Rejected"
}

// NoMatchReason formats a failed comparison with its score.
func NoMatchReason(score float64) string {
	return fmt.Sprintf("%s (score: %.2f)", reasonText[ReasonNoMatch], score)
}

// Message returns the user-facing prompt for a rejection code.
func Message(code ReasonCode) string {
	if msg, ok := prompts[code]; ok {
		return msg
	}
	return "Verification failed"
}

// Prompt returns the instruction for an in-progress state.
func Prompt(state State, enrolling, retry bool) string {
	switch state {
	case AwaitingBlink:
		switch {
		case retry:
			return "Let's try again. Please blink your eyes."
		case enrolling:
			return "First time verification. Please blink your eyes to register your face."
		default:
			return "Please look at the camera and blink your eyes to begin."
		}
	case Verifying:
		if enrolling {
			return "Registering face."
		}
		return "Verifying identity."
	case Accepted:
		if enrolling {
			return "Face registered successfully."
		}
		return "Face verified."
	default:
		return ""
	}
}
