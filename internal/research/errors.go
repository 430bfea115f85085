package research

import (
	"errors"
	"fmt"
)

// Kind classifies run failures for callers and metrics. Raw upstream error
// text stays in logs; users only ever see the UserMessage.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindPartialDegradation  Kind = "partial_degradation"
)

// Pre-written user-facing fallback texts. Deliberately free of any
// technical detail.
const (
	msgInvalidInput  = "Sorry, I can't research that. Please try a short, concrete question."
	msgPlannerFailed = "Sorry, I couldn't start researching that topic right now. Please try again in a moment."
	msgTimeout       = "Sorry, the research took too long and was cut short. Here is what I found before the deadline."
	msgSynthFailed   = "Sorry, I gathered sources but couldn't finish writing the answer. The sources below may still help."
)

// Error is a typed run failure carrying a safe user-facing message.
type Error struct {
	Kind        Kind
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, userMessage string, err error) *Error {
	return &Error{Kind: kind, UserMessage: userMessage, Err: err}
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// UserMessageOf returns the safe user-facing text for an error, or a
// generic apology when the error carries none.
func UserMessageOf(err error) string {
	var re *Error
	if errors.As(err, &re) && re.UserMessage != "" {
		return re.UserMessage
	}
	return msgPlannerFailed
}
