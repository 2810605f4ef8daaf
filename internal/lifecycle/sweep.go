package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"accountpool/internal/bus"
	"accountpool/internal/directory"
	"accountpool/internal/event"
)

// LeaseUntilTagKey holds the RFC 3339 instant after which a Released
// account is fair game for the sweep.
const LeaseUntilTagKey = "lease-until"

// Sweeper periodically walks the managed parent's children and publishes
// tag-change events for two cases: accounts that first appeared under the
// parent with no state tag (onboarding trigger), and Released accounts whose
// lease ran out (expiry trigger). It mutates nothing itself; the state
// machine reacts to the published events like to any other delivery.
type Sweeper struct {
	dir       directory.Gateway
	publisher bus.Publisher
	parent    string
	interval  time.Duration
	clock     event.Clock
	logger    *slog.Logger
}

type SweeperOption func(*Sweeper)

func SweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

func SweeperClock(clock event.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = clock }
}

func NewSweeper(dir directory.Gateway, publisher bus.Publisher, parent string, interval time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		dir:       dir,
		publisher: publisher,
		parent:    parent,
		interval:  interval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Directory failures abort the pass; the next tick
// retries from scratch.
func (s *Sweeper) Sweep(ctx context.Context) {
	ids, err := s.dir.ListChildren(ctx, s.parent)
	if err != nil {
		s.logger.Error("sweep: list children", "parent", s.parent, "error", err)
		return
	}
	for _, id := range ids {
		acct, err := s.dir.Describe(ctx, id)
		if err != nil {
			s.logger.Error("sweep: describe", "account", id, "error", err)
			continue
		}
		switch {
		case acct.Tags[directory.StateTagKey] == "":
			// First appearance under the managed parent.
			s.trigger(ctx, id, directory.StateVanilla)
		case acct.State() == directory.StateReleased && s.leaseExpired(acct):
			s.trigger(ctx, id, directory.StateReleased)
		}
	}
}

func (s *Sweeper) leaseExpired(acct directory.Account) bool {
	raw, ok := acct.Tags[LeaseUntilTagKey]
	if !ok {
		// No lease recorded: sweep immediately rather than leak the account.
		return true
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("sweep: bad lease tag", "account", acct.ID, "value", raw)
		return true
	}
	return s.clock.Now().After(until)
}

func (s *Sweeper) trigger(ctx context.Context, accountID string, state directory.State) {
	env := event.Envelope{
		Source:     event.Source,
		DetailType: event.LabelTagChange,
		Detail: event.Detail{
			ResourceID: accountID,
			Tags: []event.Tag{
				{Key: directory.StateTagKey, Value: state.String()},
			},
		},
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.logger.Error("sweep: publish", "account", accountID, "error", err)
	}
}
