package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, gateways, and the job
// runner return these (optionally wrapped) so services can translate them
// into acknowledgements without string matching.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record or account does not exist
// - ErrUnavailable: collaborator temporarily unreachable; safe to retry
// - ErrNotPropagated: identity/permission not yet visible; safe to retry
// - ErrInvalidState: entity in wrong state for the requested operation
//
// Validation failures (malformed event, foreign environment) are typed in
// internal/event and are never retried.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnavailable   = errors.New("unavailable")
	ErrNotPropagated = errors.New("not yet propagated")
	ErrInvalidState  = errors.New("invalid state")
)

// Retryable reports whether an error is a transient infrastructure fact
// worth another attempt. Validation and not-found outcomes are final.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotPropagated)
}
