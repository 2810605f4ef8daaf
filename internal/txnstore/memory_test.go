package txnstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accountpool/pkg/platform/sentinel"
)

func record(key string) Record {
	return Record{
		Key:       key,
		Account:   "123456789012",
		Kind:      "OnBoarding",
		Token:     "tok-1",
		StartedAt: time.Now(),
	}
}

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	_, err := store.Get(ctx, "OnBoarding:123456789012")
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	rec := record("OnBoarding:123456789012")
	require.NoError(t, store.Put(ctx, rec, time.Now().Add(time.Minute)))

	got, err := store.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Token, got.Token)

	require.NoError(t, store.Delete(ctx, rec.Key))
	_, err = store.Get(ctx, rec.Key)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMemoryExpirationFeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	rec := record("Maintenance:123456789012")
	require.NoError(t, store.Put(ctx, rec, time.Now().Add(20*time.Millisecond)))

	select {
	case exp := <-store.Expirations():
		assert.Equal(t, rec.Key, exp.Key)
		assert.Equal(t, rec.Token, exp.Record.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("expiration never delivered")
	}

	// Removed by deadline, so the key is gone.
	_, err := store.Get(ctx, rec.Key)
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	// Exactly once: no second delivery for the same record.
	select {
	case exp := <-store.Expirations():
		t.Fatalf("unexpected extra expiration %v", exp)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryDeleteSuppressesFeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	rec := record("OnBoarding:123456789012")
	require.NoError(t, store.Put(ctx, rec, time.Now().Add(20*time.Millisecond)))
	require.NoError(t, store.Delete(ctx, rec.Key))

	select {
	case exp := <-store.Expirations():
		t.Fatalf("explicit delete must not reach the feed, got %v", exp)
	case <-time.After(100 * time.Millisecond):
	}
}

// More expirations than the feed buffers: timers block until the consumer
// catches up, and every one of them is delivered.
func TestMemoryFeedSurvivesBackpressure(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	const count = 80 // past the feed's buffer
	deadline := time.Now().Add(10 * time.Millisecond)
	for i := 0; i < count; i++ {
		rec := record(fmt.Sprintf("OnBoarding:%012d", i))
		rec.Token = rec.Key
		require.NoError(t, store.Put(ctx, rec, deadline))
	}

	// No reader yet: let every timer fire into the full feed first.
	time.Sleep(100 * time.Millisecond)

	seen := make(map[string]bool, count)
	timeout := time.After(5 * time.Second)
	for len(seen) < count {
		select {
		case exp := <-store.Expirations():
			assert.False(t, seen[exp.Key], "expiration %s delivered twice", exp.Key)
			seen[exp.Key] = true
		case <-timeout:
			t.Fatalf("only %d of %d expirations delivered", len(seen), count)
		}
	}
}

func TestMemoryOverwriteResetsDeadline(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	key := "OnBoarding:123456789012"
	first := record(key)
	first.Token = "tok-old"
	require.NoError(t, store.Put(ctx, first, time.Now().Add(20*time.Millisecond)))

	second := record(key)
	second.Token = "tok-new"
	require.NoError(t, store.Put(ctx, second, time.Now().Add(60*time.Millisecond)))

	// The replaced record is discarded silently; only the latest one expires.
	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) == 0 {
		select {
		case exp := <-store.Expirations():
			seen = append(seen, exp.Record.Token)
		case <-deadline:
			t.Fatal("expiration never delivered")
		}
	}
	assert.Equal(t, []string{"tok-new"}, seen)
}
