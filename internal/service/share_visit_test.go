package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCache struct{ mock.Mock }

func (m *MockCache) VisitorAwardedShare(ctx context.Context, visitorKey, dateKey string) (string, error) {
	args := m.Called(ctx, visitorKey, dateKey)
	return args.String(0), args.Error(1)
}

func (m *MockCache) MarkVisitorAwarded(ctx context.Context, visitorKey, dateKey, sharedID string, ttl time.Duration) error {
	return m.Called(ctx, visitorKey, dateKey, sharedID, ttl).Error(0)
}

func (m *MockCache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, ip, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestAwardShareVisit_Scenario(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	visitor := domain.AnonymousDevice("visitor_a")
	owner := newAccount()

	res, err := svc.AwardShareVisit(ctx, "reading-1", visitor, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareOK, res.Outcome)
	assert.Equal(t, 16, res.OwnerBalance)

	res, err = svc.AwardShareVisit(ctx, "reading-1", visitor, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareDuplicate, res.Outcome)

	b, _ := store.Balance(owner.Key())
	assert.Equal(t, 16, b.CurrentStars)

	notes, err := svc.ListNotifications(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 1, notes[0].VisitsCount)
	assert.Equal(t, "2026-03-10", notes[0].DateKey)

	txs := store.Transactions(owner.Key())
	require.Len(t, txs, 1)
	assert.Equal(t, domain.ReasonShareAward, txs[0].Reason)
	assert.Equal(t, 1, txs[0].Amount)
}

func TestAwardShareVisit_InputErrors(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	visitor := domain.AnonymousDevice("v")

	_, err := svc.AwardShareVisit(ctx, " ", visitor, newAccount())
	assert.ErrorIs(t, err, domain.ErrMissingSharedID)

	_, err = svc.AwardShareVisit(ctx, "s1", visitor, domain.Identity{})
	assert.ErrorIs(t, err, domain.ErrMissingOwner)

	_, err = svc.AwardShareVisit(ctx, "s1", domain.Identity{}, newAccount())
	assert.ErrorIs(t, err, domain.ErrNoIdentity)
}

func TestAwardShareVisit_SelfViewSkipped(t *testing.T) {
	svc, store, _ := newService(t)
	owner := newAccount()

	res, err := svc.AwardShareVisit(context.Background(), "s1", owner, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareSkipped, res.Outcome)
	assert.Empty(t, store.Awards())
}

func TestAwardShareVisit_VisitorGlobalCap(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()
	visitor := domain.AnonymousDevice("farmer")
	ownerA, ownerB := newAccount(), domain.AnonymousDevice("creator_b")

	res, err := svc.AwardShareVisit(ctx, "a-1", visitor, ownerA)
	require.NoError(t, err)
	require.Equal(t, domain.ShareOK, res.Outcome)

	for _, tc := range []struct {
		shared string
		owner  domain.Identity
	}{{"a-2", ownerA}, {"b-1", ownerB}} {
		res, err := svc.AwardShareVisit(ctx, tc.shared, visitor, tc.owner)
		require.NoError(t, err)
		assert.Equal(t, domain.ShareVisitorCapped, res.Outcome, tc.shared)
	}

	// the tuple check runs before the visitor cap
	res, err = svc.AwardShareVisit(ctx, "a-1", visitor, ownerA)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareDuplicate, res.Outcome)

	_, exists := store.Balance(ownerB.Key())
	assert.False(t, exists, "capped visit must not create the owner balance")

	// next local day the visitor may award again
	clock.Advance(9 * time.Hour)
	res, err = svc.AwardShareVisit(ctx, "b-1", visitor, ownerB)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareOK, res.Outcome)
	assert.Equal(t, 6, res.OwnerBalance)
}

func TestAwardShareVisit_OwnerDailyCap(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	owner := newAccount()

	for i := range 5 {
		res, err := svc.AwardShareVisit(ctx, "viral", domain.AnonymousDevice(fmt.Sprintf("v%d", i)), owner)
		require.NoError(t, err)
		require.Equal(t, domain.ShareOK, res.Outcome)
	}
	before, _ := store.Balance(owner.Key())
	assert.Equal(t, 20, before.CurrentStars)

	res, err := svc.AwardShareVisit(ctx, "other-share", domain.AnonymousDevice("v6"), owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareOwnerCapped, res.Outcome)

	after, _ := store.Balance(owner.Key())
	assert.Equal(t, before, after)

	notes, err := svc.ListNotifications(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 5, notes[0].VisitsCount)
}

func TestAwardShareVisit_ConcurrentDuplicates(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	visitor := domain.AnonymousDevice("refresher")
	owner := newAccount()

	const n = 20
	outcomes := make(chan domain.ShareOutcome, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.AwardShareVisit(ctx, "hot", visitor, owner)
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[domain.ShareOutcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[domain.ShareOK])
	assert.Equal(t, n-1, counts[domain.ShareDuplicate])

	b, _ := store.Balance(owner.Key())
	assert.Equal(t, 16, b.CurrentStars)
	assert.Len(t, store.Awards(), 1)
}

func TestAwardShareVisit_NotificationFailureKeepsCredit(t *testing.T) {
	svc, store, _ := newService(t)
	store.NotificationErr = errors.New("notifications down")
	owner := domain.AnonymousDevice("owner_dev")

	res, err := svc.AwardShareVisit(context.Background(), "s1", domain.AnonymousDevice("v1"), owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareOK, res.Outcome)
	assert.Equal(t, 6, res.OwnerBalance)

	b, _ := store.Balance(owner.Key())
	assert.Equal(t, 6, b.CurrentStars)
}

func TestAwardShareVisit_MergedDeviceOwnerCreditsAccount(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	acct := newAccount()
	owner := domain.AnonymousDevice("old_creator")

	_, err := svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	_, err = svc.MergeDeviceIntoAccount(ctx, owner.ID, uuidOf(acct))
	require.NoError(t, err)

	res, err := svc.AwardShareVisit(ctx, "s1", domain.AnonymousDevice("v1"), owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareOK, res.Outcome)
	assert.Equal(t, 21, res.OwnerBalance)

	dev, _ := store.Balance(owner.Key())
	assert.Equal(t, 0, dev.CurrentStars)

	// the account viewing its own old share is a self-view
	res, err = svc.AwardShareVisit(ctx, "s1", acct, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareSkipped, res.Outcome)
}

func TestAwardShareVisit_CacheFastFail(t *testing.T) {
	cache := new(MockCache)
	svc, store, _ := newService(t, service.WithCache(cache))
	ctx := context.Background()
	visitor := domain.AnonymousDevice("cached")
	owner := newAccount()

	cache.On("VisitorAwardedShare", mock.Anything, visitor.Key(), "2026-03-10").Return("s1", nil)

	res, err := svc.AwardShareVisit(ctx, "s1", visitor, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareDuplicate, res.Outcome)

	res, err = svc.AwardShareVisit(ctx, "s2", visitor, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareVisitorCapped, res.Outcome)

	assert.Empty(t, store.Awards())
	cache.AssertNotCalled(t, "MarkVisitorAwarded", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAwardShareVisit_CacheMissMarksAward(t *testing.T) {
	cache := new(MockCache)
	svc, _, _ := newService(t, service.WithCache(cache))
	visitor := domain.AnonymousDevice("fresh")

	cache.On("VisitorAwardedShare", mock.Anything, visitor.Key(), "2026-03-10").Return("", domain.ErrCacheMiss)
	// 16:00 local -> 8h until the next local midnight
	cache.On("MarkVisitorAwarded", mock.Anything, visitor.Key(), "2026-03-10", "s1", 8*time.Hour).Return(nil)

	res, err := svc.AwardShareVisit(context.Background(), "s1", visitor, newAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ShareOK, res.Outcome)
	cache.AssertExpectations(t)
}
