package directory

import (
	"context"
	"fmt"
	"strings"

	"accountpool/pkg/platform/sentinel"
)

// Reserved tag keys. The state tag is the single source of truth for an
// account's lifecycle position; no local account database exists.
const (
	StateTagKey  = "account-state"
	HolderTagKey = "account-holder"
)

// State is the account lifecycle position. It exists only inside this
// process; the directory stores the external string form in the state tag,
// and the gateway boundary is the only place that converts between the two.
type State int

const (
	StateUnknown State = iota
	StateVanilla
	StateAssigned
	StateReleased
	StateExpired
)

var stateNames = map[State]string{
	StateVanilla:  "vanilla",
	StateAssigned: "assigned",
	StateReleased: "released",
	StateExpired:  "expired",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState decodes the external tag value. Unrecognized values stay at the
// boundary as an error instead of propagating an invalid state inward.
func ParseState(tag string) (State, error) {
	for s, name := range stateNames {
		if strings.EqualFold(tag, name) {
			return s, nil
		}
	}
	return StateUnknown, fmt.Errorf("state tag %q: %w", tag, sentinel.ErrInvalidState)
}

// Account is the directory's view of one pooled account. Accounts are
// created and deleted by the directory itself; this system only re-tags them.
type Account struct {
	ID     string
	Holder string
	Active bool
	Parent string
	Tags   map[string]string
}

// State decodes the account's state tag. Accounts without the tag are
// Vanilla: they have appeared under a managed parent but were never touched.
func (a Account) State() State {
	raw, ok := a.Tags[StateTagKey]
	if !ok || raw == "" {
		return StateVanilla
	}
	s, err := ParseState(raw)
	if err != nil {
		return StateUnknown
	}
	return s
}

// Gateway is the read/write boundary to the account directory. Any call may
// fail transiently; callers treat that as "account currently unobservable"
// and do not advance state. Implementations wrap transient failures in
// sentinel.ErrUnavailable.
type Gateway interface {
	Describe(ctx context.Context, accountID string) (Account, error)
	ListChildren(ctx context.Context, parentID string) ([]string, error)
	ListTags(ctx context.Context, accountID string) (map[string]string, error)
	ApplyTag(ctx context.Context, accountID, key, value string) error
	RemoveTags(ctx context.Context, accountID string, keys ...string) error
}
