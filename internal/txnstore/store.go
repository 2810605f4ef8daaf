package txnstore

import (
	"context"
	"time"
)

// Record is one open transaction keyed by "<Kind>:<account>". A record
// existing under its key is the invariant "this account has an open
// transaction of this kind"; it disappears either through an explicit Delete
// (normal close) or by reaching its deadline inside the store.
type Record struct {
	Key        string            `json:"key"`
	Account    string            `json:"account"`
	Kind       string            `json:"kind"`
	Token      string            `json:"token"`
	StartedAt  time.Time         `json:"startedAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Expiration is delivered on the change feed when a record is removed for
// reaching its deadline. Explicit deletes never appear on the feed; the
// watchdog depends on that distinction to avoid treating a normal close as
// a timeout.
type Expiration struct {
	Key    string
	Record Record
}

// Store is a per-key record store with native per-record expiration.
// Put overwrites any existing record under the same key, resetting its
// deadline; the previous record is discarded without appearing on the feed.
type Store interface {
	Put(ctx context.Context, rec Record, deadline time.Time) error
	// Get returns sentinel.ErrNotFound when no record exists under key.
	Get(ctx context.Context, key string) (Record, error)
	Delete(ctx context.Context, key string) error
	// Expirations is the change feed of deadline removals. Each expired
	// record is delivered exactly once.
	Expirations() <-chan Expiration
}
