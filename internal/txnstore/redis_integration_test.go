//go:build integration

package txnstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"accountpool/internal/txnstore"
	"accountpool/pkg/platform/sentinel"
	"accountpool/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	store  *txnstore.RedisStore
	cancel context.CancelFunc
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = txnstore.NewRedis(s.redis.Client)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { _ = s.store.Run(ctx) }()
	// Give the subscription a moment to land before the first test writes.
	time.Sleep(200 * time.Millisecond)
}

func (s *RedisStoreSuite) TearDownSuite() {
	s.cancel()
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) record(key string) txnstore.Record {
	return txnstore.Record{
		Key:       key,
		Account:   "123456789012",
		Kind:      "Maintenance",
		Token:     "tok-redis",
		StartedAt: time.Now().UTC(),
		Attributes: map[string]string{
			"cost-center": "labs",
		},
	}
}

func (s *RedisStoreSuite) TestPutGetDelete() {
	ctx := context.Background()
	rec := s.record("Maintenance:123456789012")
	s.Require().NoError(s.store.Put(ctx, rec, time.Now().Add(time.Minute)))

	got, err := s.store.Get(ctx, rec.Key)
	s.Require().NoError(err)
	s.Equal(rec.Token, got.Token)
	s.Equal("labs", got.Attributes["cost-center"])

	s.Require().NoError(s.store.Delete(ctx, rec.Key))
	_, err = s.store.Get(ctx, rec.Key)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestExpirationReachesFeedWithLastValue() {
	ctx := context.Background()
	rec := s.record("OnBoarding:123456789012")
	s.Require().NoError(s.store.Put(ctx, rec, time.Now().Add(1500*time.Millisecond)))

	select {
	case exp := <-s.store.Expirations():
		s.Equal(rec.Key, exp.Key)
		s.Equal(rec.Token, exp.Record.Token)
		s.Equal("labs", exp.Record.Attributes["cost-center"])
	case <-time.After(15 * time.Second):
		s.FailNow("expiration never delivered")
	}
}

func (s *RedisStoreSuite) TestExplicitDeleteNeverReachesFeed() {
	ctx := context.Background()
	rec := s.record("OnBoarding:123456789012")
	s.Require().NoError(s.store.Put(ctx, rec, time.Now().Add(1500*time.Millisecond)))
	s.Require().NoError(s.store.Delete(ctx, rec.Key))

	select {
	case exp := <-s.store.Expirations():
		s.FailNowf("unexpected feed entry", "%v", exp)
	case <-time.After(4 * time.Second):
	}
}
