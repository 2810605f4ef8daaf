package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"accountpool/internal/bus"
	"accountpool/internal/directory"
	"accountpool/internal/event"
	"accountpool/internal/txnstore"
	"accountpool/pkg/platform/retry"
	"accountpool/pkg/platform/sentinel"
)

const testAccount = "123456789012"

type ServiceSuite struct {
	suite.Suite
	store  *txnstore.Memory
	dir    *directory.Memory
	bus    *bus.Memory
	svc    *Service
	cancel context.CancelFunc
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = txnstore.NewMemory()
	s.dir = directory.NewMemory()
	s.dir.Seed(directory.Account{
		ID:     testAccount,
		Holder: "dev@example.com",
		Tags:   map[string]string{"cost-center": "labs"},
	})
	s.bus = bus.NewMemory("prod")

	cfg := DefaultConfig("prod")
	cfg.OnBoarding = 200 * time.Millisecond
	cfg.Maintenance = 100 * time.Millisecond

	var err error
	s.svc, err = New(s.store, s.dir, s.bus, cfg)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { _ = s.svc.Run(ctx) }()
}

func (s *ServiceSuite) TearDownTest() {
	s.cancel()
	s.store.Close()
}

func (s *ServiceSuite) lifecycleEvent(label event.Label) event.Decoded {
	return event.Decoded{Label: label, Account: testAccount, Environment: "prod"}
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, s.dir, s.bus, DefaultConfig("prod"))
		s.Error(err)
	})
	s.Run("nil publisher returns error", func() {
		_, err := New(s.store, s.dir, nil, DefaultConfig("prod"))
		s.Error(err)
	})
}

// Begin then matching end: exactly one success event with positive duration
// and the account's cost attribution tags merged in.
func (s *ServiceSuite) TestOnBoardingBeginThenEnd() {
	ctx := context.Background()

	ack := s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelCreatedAccount))
	s.Equal(event.OutcomeOK, ack.Outcome)

	rec, err := s.store.Get(ctx, KindOnBoarding.Key(testAccount))
	s.Require().NoError(err)
	s.Equal("labs", rec.Attributes["cost-center"], "begin snapshots account tags")

	time.Sleep(5 * time.Millisecond)
	ack = s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelReleasedAccount))
	s.Equal(event.OutcomeOK, ack.Outcome)

	successes := s.bus.PublishedWith(event.LabelSuccessfulOnBoarding)
	s.Require().Len(successes, 1)
	s.Equal(testAccount, successes[0].Detail.Account)
	s.Greater(successes[0].Detail.Duration, 0.0)
	s.Equal("labs", successes[0].Detail.Attributes["cost-center"])

	_, err = s.store.Get(ctx, KindOnBoarding.Key(testAccount))
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	// Closed in time: the deadline must not produce a failure later.
	time.Sleep(300 * time.Millisecond)
	s.Empty(s.bus.PublishedWith(event.LabelFailedOnBoarding))
}

// Deadline elapses unmatched: exactly one failure exception referencing the
// account, carrying the original attributes.
func (s *ServiceSuite) TestMaintenanceTimeout() {
	ctx := context.Background()

	ack := s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelExpiredAccount))
	s.Equal(event.OutcomeOK, ack.Outcome)

	s.Eventually(func() bool {
		return len(s.bus.PublishedWith(event.LabelFailedMaintenance)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failures := s.bus.PublishedWith(event.LabelFailedMaintenance)
	s.Require().Len(failures, 1)
	s.Equal(testAccount, failures[0].Detail.Account)
	s.Contains(failures[0].Detail.Message, testAccount)
	s.Equal("labs", failures[0].Detail.Attributes["cost-center"])

	// Exactly once.
	time.Sleep(100 * time.Millisecond)
	s.Len(s.bus.PublishedWith(event.LabelFailedMaintenance), 1)
}

// End before begin: nothing was pending, nothing dangles, nothing is raised.
func (s *ServiceSuite) TestEndWithNoOpenRecord() {
	ctx := context.Background()

	ack := s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelReleasedAccount))
	s.Equal(event.OutcomeIgnored, ack.Outcome)
	s.Equal("NoOpenTransaction", ack.Reason)
	s.Empty(s.bus.Published())

	_, err := s.store.Get(ctx, KindOnBoarding.Key(testAccount))
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

// A second begin while one is open replaces it: at most one record per key.
func (s *ServiceSuite) TestSecondBeginReplacesOpenRecord() {
	ctx := context.Background()

	s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelCreatedAccount))
	first, err := s.store.Get(ctx, KindOnBoarding.Key(testAccount))
	s.Require().NoError(err)

	s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelCreatedAccount))
	second, err := s.store.Get(ctx, KindOnBoarding.Key(testAccount))
	s.Require().NoError(err)
	s.NotEqual(first.Token, second.Token, "latest begin wins")

	s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelReleasedAccount))
	s.Len(s.bus.PublishedWith(event.LabelSuccessfulOnBoarding), 1)
}

// One end event closes both kinds when both are open for the account.
func (s *ServiceSuite) TestEndClosesEveryOpenKind() {
	ctx := context.Background()

	s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelCreatedAccount))
	s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelExpiredAccount))

	ack := s.svc.HandleEvent(ctx, s.lifecycleEvent(event.LabelReleasedAccount))
	s.Equal(event.OutcomeOK, ack.Outcome)
	s.Len(s.bus.PublishedWith(event.LabelSuccessfulOnBoarding), 1)
	s.Len(s.bus.PublishedWith(event.LabelSuccessfulMaintenance), 1)
}

// Labels outside the watched set pass through untouched.
func (s *ServiceSuite) TestUnwatchedLabelIsANoOp() {
	ack := s.svc.HandleEvent(context.Background(), s.lifecycleEvent(event.LabelPreparedAccount))
	s.Equal(event.OutcomeOK, ack.Outcome)
	s.Empty(s.bus.Published())
}

// flakyStore fails each operation once with ErrUnavailable before delegating.
type flakyStore struct {
	*txnstore.Memory
	putFailures    int
	getFailures    int
	deleteFailures int
}

func (f *flakyStore) Put(ctx context.Context, rec txnstore.Record, deadline time.Time) error {
	if f.putFailures > 0 {
		f.putFailures--
		return sentinel.ErrUnavailable
	}
	return f.Memory.Put(ctx, rec, deadline)
}

func (f *flakyStore) Get(ctx context.Context, key string) (txnstore.Record, error) {
	if f.getFailures > 0 {
		f.getFailures--
		return txnstore.Record{}, sentinel.ErrUnavailable
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if f.deleteFailures > 0 {
		f.deleteFailures--
		return sentinel.ErrUnavailable
	}
	return f.Memory.Delete(ctx, key)
}

// flakyPublisher fails the next n publishes with ErrUnavailable.
type flakyPublisher struct {
	*bus.Memory
	failures int
}

func (f *flakyPublisher) Publish(ctx context.Context, env event.Envelope) error {
	if f.failures > 0 {
		f.failures--
		return sentinel.ErrUnavailable
	}
	return f.Memory.Publish(ctx, env)
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond}
}

// A transient store failure on begin must not lose the transaction: the put
// is retried and the record lands.
func TestBeginRetriesTransientStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: txnstore.NewMemory(), putFailures: 1}
	defer store.Close()

	svc, err := New(store, nil, bus.NewMemory("prod"), DefaultConfig("prod"), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	ack := svc.HandleEvent(ctx, event.Decoded{Label: event.LabelCreatedAccount, Account: testAccount, Environment: "prod"})
	assert.Equal(t, event.OutcomeOK, ack.Outcome)

	_, err = store.Memory.Get(ctx, KindOnBoarding.Key(testAccount))
	require.NoError(t, err, "record must be stored after the retried put")
}

// Transient failures on the close path (lookup, delete, publish) are retried
// so a single hiccup never drops the success event.
func TestEndRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: txnstore.NewMemory()}
	defer store.Close()
	pub := &flakyPublisher{Memory: bus.NewMemory("prod")}

	svc, err := New(store, nil, pub, DefaultConfig("prod"), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	begin := event.Decoded{Label: event.LabelCreatedAccount, Account: testAccount, Environment: "prod"}
	require.Equal(t, event.OutcomeOK, svc.HandleEvent(ctx, begin).Outcome)

	store.getFailures = 1
	store.deleteFailures = 1
	pub.failures = 1
	end := event.Decoded{Label: event.LabelReleasedAccount, Account: testAccount, Environment: "prod"}
	assert.Equal(t, event.OutcomeOK, svc.HandleEvent(ctx, end).Outcome)

	assert.Len(t, pub.PublishedWith(event.LabelSuccessfulOnBoarding), 1)
	_, err = store.Memory.Get(ctx, KindOnBoarding.Key(testAccount))
	assert.ErrorIs(t, err, sentinel.ErrNotFound, "record must be deleted after close")
}

// A transient publish failure on timeout must not lose the failure exception.
func TestExpiredRetriesTransientPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := txnstore.NewMemory()
	defer store.Close()
	pub := &flakyPublisher{Memory: bus.NewMemory("prod"), failures: 1}

	svc, err := New(store, nil, pub, DefaultConfig("prod"), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	rec := txnstore.Record{
		Key:       KindMaintenance.Key(testAccount),
		Account:   testAccount,
		Kind:      string(KindMaintenance),
		StartedAt: time.Now(),
	}
	svc.expired(ctx, txnstore.Expiration{Key: rec.Key, Record: rec})

	assert.Len(t, pub.PublishedWith(event.LabelFailedMaintenance), 1)
}
