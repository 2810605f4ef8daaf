package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Decode failures. All of them are recoverable: the caller acknowledges and
// moves on, none propagate as fatal. ErrForeignEnvironment is routine and is
// surfaced as an "ignored" acknowledgement rather than an error.
var (
	ErrBadEnvelope        = errors.New("bad envelope")
	ErrUnknownLabel       = errors.New("unknown label")
	ErrMalformedAccount   = errors.New("malformed account")
	ErrUnexpectedLabel    = errors.New("unexpected label")
	ErrForeignEnvironment = errors.New("foreign environment")
)

var accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)

// ValidAccountID reports whether id is exactly 12 digits.
func ValidAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}

// DecodeOption narrows what Decode accepts.
type DecodeOption func(*decodeOpts)

type decodeOpts struct {
	expectLabel Label
	expectEnv   string
}

// ExpectLabel makes Decode fail with ErrUnexpectedLabel when the envelope
// carries any other detail-type.
func ExpectLabel(l Label) DecodeOption {
	return func(o *decodeOpts) { o.expectLabel = l }
}

// ExpectEnvironment makes Decode fail with ErrForeignEnvironment when the
// envelope originates from a different environment. Tag-change envelopes
// carry no environment and pass this check.
func ExpectEnvironment(env string) DecodeOption {
	return func(o *decodeOpts) { o.expectEnv = env }
}

// Decode parses and validates a raw envelope. Pure: no side effects, every
// failure is a typed recoverable error.
func Decode(raw []byte, opts ...DecodeOption) (Decoded, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return DecodeEnvelope(env, opts...)
}

// DecodeEnvelope validates an already-parsed envelope. Used by the memory
// bus and by handlers that construct envelopes in process.
func DecodeEnvelope(env Envelope, opts ...DecodeOption) (Decoded, error) {
	var o decodeOpts
	for _, opt := range opts {
		opt(&o)
	}

	if !env.DetailType.Known() {
		return Decoded{}, fmt.Errorf("%w: %q", ErrUnknownLabel, env.DetailType)
	}
	if o.expectLabel != "" && env.DetailType != o.expectLabel {
		return Decoded{}, fmt.Errorf("%w: got %q, want %q", ErrUnexpectedLabel, env.DetailType, o.expectLabel)
	}

	d := Decoded{
		Label:       env.DetailType,
		Message:     env.Detail.Message,
		Job:         env.Detail.Job,
		Status:      env.Detail.Status,
		Environment: env.Detail.Environment,
		Attributes:  env.Detail.Attributes,
	}

	if env.DetailType == LabelTagChange {
		d.Account = env.Detail.ResourceID
		d.Tags = make(map[string]string, len(env.Detail.Tags))
		for _, t := range env.Detail.Tags {
			d.Tags[t.Key] = t.Value
		}
	} else {
		d.Account = env.Detail.Account
		if o.expectEnv != "" && env.Detail.Environment != o.expectEnv {
			return Decoded{}, fmt.Errorf("%w: %q", ErrForeignEnvironment, env.Detail.Environment)
		}
	}

	if !ValidAccountID(d.Account) {
		return Decoded{}, fmt.Errorf("%w: %q", ErrMalformedAccount, d.Account)
	}
	return d, nil
}
