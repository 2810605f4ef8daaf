package event

import "errors"

// Outcome classifies how an entry point handled one event. Entry points
// return an Ack instead of raising, so the hosting delivery mechanism never
// mistakes a validation or business-rule outcome for cause to redeliver.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeIgnored Outcome = "ignored"
	OutcomeError   Outcome = "error"
)

// Ack is the short structured acknowledgement every entry point returns.
type Ack struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

func AckOK() Ack {
	return Ack{Outcome: OutcomeOK}
}

func AckIgnored(reason string) Ack {
	return Ack{Outcome: OutcomeIgnored, Reason: reason}
}

func AckError(kind string) Ack {
	return Ack{Outcome: OutcomeError, Reason: kind}
}

func (a Ack) String() string {
	if a.Reason == "" {
		return string(a.Outcome)
	}
	return string(a.Outcome) + ": " + a.Reason
}

// AckFromDecodeError maps codec failures onto acknowledgements. Foreign and
// duplicate conditions are routine and acknowledged as ignored; the rest are
// validation errors, never retried.
func AckFromDecodeError(err error) Ack {
	switch {
	case errors.Is(err, ErrForeignEnvironment):
		return AckIgnored("ForeignEnvironment")
	case errors.Is(err, ErrUnknownLabel):
		return AckError("UnknownLabel")
	case errors.Is(err, ErrMalformedAccount):
		return AckError("MalformedAccount")
	case errors.Is(err, ErrUnexpectedLabel):
		return AckError("UnexpectedLabel")
	case errors.Is(err, ErrBadEnvelope):
		return AckError("BadEnvelope")
	default:
		return AckError("Internal")
	}
}
