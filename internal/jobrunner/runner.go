package jobrunner

import "context"

// Kind selects which of the two job families an identity backs.
type Kind string

const (
	KindPrepare Kind = "prepare"
	KindPurge   Kind = "purge"
)

// IdentityRef names the execution identity a job definition runs under.
type IdentityRef string

// JobSpec describes one job definition. Variables come straight from the
// settings record for the account; the runner does not interpret them.
type JobSpec struct {
	Account   string
	Variables map[string]string
}

// JobName derives the canonical job definition name for an account.
func JobName(kind Kind, accountID string) string {
	return string(kind) + "-" + accountID
}

// Runner provisions and starts external build/teardown jobs. All three
// operations are idempotent: re-ensuring an existing identity or definition
// is not an error. EnsureJobDefinition may observe the identity before its
// permissions propagated; implementations return sentinel.ErrNotPropagated
// there so the call site's bounded retry can absorb it.
//
// Completion is never returned from Run. It arrives asynchronously as a
// JobCompleted event on the bus.
type Runner interface {
	EnsureRunnerIdentity(ctx context.Context, kind Kind) (IdentityRef, error)
	EnsureJobDefinition(ctx context.Context, name string, spec JobSpec, identity IdentityRef) error
	Run(ctx context.Context, name string) error
}
