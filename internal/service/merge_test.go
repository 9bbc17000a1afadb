package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uuidOf(id domain.Identity) uuid.UUID { return uuid.MustParse(id.ID) }

func TestMerge_FoldsDeviceIntoAccount(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_merge")
	acct := newAccount()

	_, err := svc.ChargeForReading(ctx, dev) // 5 -> 3
	require.NoError(t, err)

	res, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuidOf(acct))
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, 3, res.Transferred)
	assert.Equal(t, 18, res.AccountBalance)

	d, _ := store.Balance(dev.Key())
	assert.Equal(t, 0, d.CurrentStars)
	assert.Equal(t, acct.Key(), d.MergedInto)

	devTx := store.Transactions(dev.Key())
	require.Len(t, devTx, 2)
	assert.Equal(t, domain.ReasonDeviceMerge, devTx[1].Reason)
	assert.Equal(t, -3, devTx[1].Amount)

	msgs := store.Outbox()
	assert.Equal(t, "stars.device_merged", msgs[len(msgs)-1].RoutingKey)
}

func TestMerge_Idempotent(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_twice")
	acct := newAccount()

	_, err := svc.GetOrCreate(ctx, dev)
	require.NoError(t, err)

	first, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuidOf(acct))
	require.NoError(t, err)
	afterFirst, _ := store.Balance(acct.Key())

	second, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuidOf(acct))
	require.NoError(t, err)
	afterSecond, _ := store.Balance(acct.Key())

	assert.True(t, first.Merged)
	assert.False(t, second.Merged)
	assert.Equal(t, 20, afterFirst.CurrentStars)
	assert.Equal(t, afterFirst.CurrentStars, afterSecond.CurrentStars)
	assert.Equal(t, afterFirst.CurrentStars, second.AccountBalance)
}

func TestMerge_RetiredDeviceNeverRefills(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_retired")

	_, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuid.New())
	require.NoError(t, err)

	clock.Advance(72 * time.Hour)
	view, err := svc.GetBalance(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, 0, view.CurrentStars)
	assert.True(t, view.Merged)
	assert.Nil(t, view.NextRefillAt)

	res, err := svc.ChargeForReading(ctx, dev)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestMerge_UnknownDeviceIsRetiredEmpty(t *testing.T) {
	svc, store, _ := newService(t)
	acct := newAccount()

	res, err := svc.MergeDeviceIntoAccount(context.Background(), "never_seen", uuidOf(acct))
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Zero(t, res.Transferred)
	assert.Equal(t, 15, res.AccountBalance)

	d, ok := store.Balance("device:never_seen")
	require.True(t, ok)
	assert.True(t, d.Retired())
	assert.Empty(t, store.Transactions(acct.Key()))
}

func TestMerge_InputErrors(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.MergeDeviceIntoAccount(ctx, "", uuid.New())
	assert.ErrorIs(t, err, domain.ErrNoIdentity)

	_, err = svc.MergeDeviceIntoAccount(ctx, "dev_1", uuid.Nil)
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestMergeDeviceOnce_FencesRedelivery(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_mq")
	acct := newAccount()

	_, err := svc.GetOrCreate(ctx, dev)
	require.NoError(t, err)

	res, processed, err := svc.MergeDeviceOnce(ctx, "msg-1", dev.ID, uuidOf(acct))
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 5, res.Transferred)

	_, processed, err = svc.MergeDeviceOnce(ctx, "msg-1", dev.ID, uuidOf(acct))
	require.NoError(t, err)
	assert.False(t, processed)

	b, _ := store.Balance(acct.Key())
	assert.Equal(t, 20, b.CurrentStars)
}

// createdFirstStore replays the Postgres interleaving where another
// transaction creates the device row while a merge is about to retire it:
// the live row lands first and the retire insert becomes a no-op.
type createdFirstStore struct {
	*memory.Store
	live domain.Balance
}

func (s *createdFirstStore) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return s.Store.WithTx(ctx, func(tx domain.LedgerTx) error {
		return fn(createdFirstTx{LedgerTx: tx, live: s.live})
	})
}

type createdFirstTx struct {
	domain.LedgerTx
	live domain.Balance
}

func (t createdFirstTx) InsertBalance(ctx context.Context, b domain.Balance) (bool, error) {
	if b.Retired() && b.Identity.Key() == t.live.Identity.Key() {
		if _, err := t.LedgerTx.InsertBalance(ctx, t.live); err != nil {
			return false, err
		}
	}
	return t.LedgerTx.InsertBalance(ctx, b)
}

func TestMerge_DeviceCreatedConcurrentlyIsStillFolded(t *testing.T) {
	clock := newClock()
	policy := domain.DefaultPolicy()
	dev := domain.AnonymousDevice("dev_late")
	acct := newAccount()

	store := &createdFirstStore{Store: memory.New(), live: policy.NewBalance(dev, clock.Now())}
	svc := service.NewStarService(store, policy, service.WithClock(clock.Now))

	res, err := svc.MergeDeviceIntoAccount(context.Background(), dev.ID, uuidOf(acct))
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, 5, res.Transferred)
	assert.Equal(t, 20, res.AccountBalance)

	d, ok := store.Balance(dev.Key())
	require.True(t, ok)
	assert.True(t, d.Retired())
	assert.Equal(t, 0, d.CurrentStars)

	a, _ := store.Balance(acct.Key())
	assert.Equal(t, 20, a.CurrentStars)
}

func TestAdd_RetiredDeviceCreditsAccount(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_gone")
	acct := newAccount()

	_, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuidOf(acct))
	require.NoError(t, err)

	b, err := svc.Add(ctx, dev, 4, domain.ReasonManualAdd, "late credit")
	require.NoError(t, err)
	assert.Equal(t, acct.Key(), b.Identity.Key())
	assert.Equal(t, 19, b.CurrentStars)

	d, _ := store.Balance(dev.Key())
	assert.Equal(t, 0, d.CurrentStars)
	assert.Empty(t, store.Transactions(dev.Key()))
}

func TestSet_RetiredDeviceConflicts(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_set_gone")

	_, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuid.New())
	require.NoError(t, err)

	_, err = svc.Set(ctx, dev, 0, 7, "fix")
	assert.ErrorIs(t, err, domain.ErrBalanceConflict)
}

func TestRunPaid_RefundAfterMergeLandsOnAccount(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	dev := domain.AnonymousDevice("dev_mid_reading")
	acct := newAccount()
	boom := errors.New("model unavailable")

	res, err := svc.RunPaid(ctx, dev, 2, func(ctx context.Context) error {
		// the visitor signs up while the reading is running
		if _, err := svc.MergeDeviceIntoAccount(ctx, dev.ID, uuidOf(acct)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.OK)
	assert.Equal(t, acct.Key(), res.Balance.Identity.Key())
	assert.Equal(t, 20, res.Balance.CurrentStars)

	d, _ := store.Balance(dev.Key())
	assert.True(t, d.Retired())
	assert.Equal(t, 0, d.CurrentStars)

	accTx := store.Transactions(acct.Key())
	require.NotEmpty(t, accTx)
	assert.Equal(t, domain.ReasonReadingRefund, accTx[len(accTx)-1].Reason)
}
