package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accountpool/internal/bus"
	"accountpool/internal/directory"
	"accountpool/internal/event"
	"accountpool/internal/jobrunner"
)

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := event.Clock(func() time.Time { return now })

	newFixture := func(t *testing.T) (*directory.Memory, *bus.Memory, *Sweeper, *Service) {
		dir := directory.NewMemory()
		membus := bus.NewMemory("prod")
		runner := jobrunner.NewMemory(membus, "prod")
		svc, err := New(dir, runner, membus, nil, Config{Environment: "prod", ManagedParent: poolUnit})
		require.NoError(t, err)
		membus.Subscribe(svc)
		sw := NewSweeper(dir, membus, poolUnit, time.Minute, SweeperClock(clock))
		return dir, membus, sw, svc
	}

	t.Run("untagged account under managed parent is onboarded", func(t *testing.T) {
		dir, membus, sw, _ := newFixture(t)
		dir.Seed(directory.Account{ID: acctPlain, Holder: "dev@example.com", Parent: poolUnit, Tags: map[string]string{}})

		sw.Sweep(ctx)
		membus.Drain(ctx)

		acct, err := dir.Describe(ctx, acctPlain)
		require.NoError(t, err)
		assert.Equal(t, directory.StateAssigned, acct.State())
		assert.Len(t, membus.PublishedWith(event.LabelCreatedAccount), 1)
	})

	t.Run("released account with expired lease is swept", func(t *testing.T) {
		dir, membus, sw, _ := newFixture(t)
		dir.Seed(directory.Account{ID: acctPlain, Parent: poolUnit, Tags: map[string]string{
			directory.StateTagKey: "released",
			LeaseUntilTagKey:      now.Add(-time.Hour).Format(time.RFC3339),
		}})

		sw.Sweep(ctx)
		membus.Drain(ctx)

		acct, err := dir.Describe(ctx, acctPlain)
		require.NoError(t, err)
		assert.Equal(t, directory.StateExpired, acct.State())
		assert.Len(t, membus.PublishedWith(event.LabelExpiredAccount), 1)
	})

	t.Run("released account with live lease is left alone", func(t *testing.T) {
		dir, membus, sw, _ := newFixture(t)
		dir.Seed(directory.Account{ID: acctPlain, Parent: poolUnit, Tags: map[string]string{
			directory.StateTagKey: "released",
			LeaseUntilTagKey:      now.Add(time.Hour).Format(time.RFC3339),
		}})

		sw.Sweep(ctx)
		membus.Drain(ctx)

		acct, err := dir.Describe(ctx, acctPlain)
		require.NoError(t, err)
		assert.Equal(t, directory.StateReleased, acct.State())
		assert.Empty(t, membus.Published())
	})

	t.Run("accounts outside the managed parent are not touched", func(t *testing.T) {
		dir, membus, sw, _ := newFixture(t)
		dir.Seed(directory.Account{ID: acctPlain, Parent: "ou-elsewhere", Tags: map[string]string{}})

		sw.Sweep(ctx)
		membus.Drain(ctx)
		assert.Empty(t, membus.Published())
	})
}
