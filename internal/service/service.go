package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/google/uuid"
)

// StarService owns every balance mutation. Each public method is one store
// transaction with the lazy refill applied inside it.
type StarService struct {
	store  domain.LedgerStore
	cache  domain.CacheRepository
	policy domain.Policy
	now    func() time.Time
	audit  *audit.Logger
	codes  func() (string, error)
}

type Option func(*StarService)

func WithCache(c domain.CacheRepository) Option {
	return func(s *StarService) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *StarService) { s.now = now }
}

func WithAudit(l *audit.Logger) Option {
	return func(s *StarService) { s.audit = l }
}

// WithCodeGenerator replaces the random referral code source.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(s *StarService) { s.codes = fn }
}

func NewStarService(store domain.LedgerStore, policy domain.Policy, opts ...Option) *StarService {
	if store == nil {
		panic("service.NewStarService: nil store")
	}
	s := &StarService{
		store:  store,
		policy: policy,
		// Postgres keeps microseconds; truncating keeps keyset cursors stable across stores.
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		audit: audit.Nop(),
		codes: newReferralCode,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *StarService) Policy() domain.Policy { return s.policy }

// routing keys for the generic Spend/Add paths
var movedEvents = map[domain.Reason]string{
	domain.ReasonReadingCost:   event.RKReadingCharged,
	domain.ReasonReadingRefund: event.RKReadingRefunded,
	domain.ReasonManualAdd:     event.RKBalanceAdjusted,
}

func checkIdentity(id domain.Identity) error {
	if id.IsZero() {
		return domain.ErrNoIdentity
	}
	return id.Validate()
}

// loadForUpdate locks the balance row, creating it with the full starting grant
// when missing, and persists the lazy refill.
func (s *StarService) loadForUpdate(ctx context.Context, tx domain.LedgerTx, id domain.Identity, now time.Time) (domain.Balance, error) {
	b, err := tx.LockBalance(ctx, id.Key())
	if errors.Is(err, domain.ErrBalanceNotFound) {
		if _, err := tx.InsertBalance(ctx, s.policy.NewBalance(id, now)); err != nil {
			return domain.Balance{}, fmt.Errorf("create balance: %w", err)
		}
		b, err = tx.LockBalance(ctx, id.Key())
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("lock balance: %w", err)
	}

	refilled, _ := s.policy.Refill(b, now)
	if refilled != b {
		refilled.UpdatedAt = now
		if err := tx.SaveBalance(ctx, refilled); err != nil {
			return domain.Balance{}, fmt.Errorf("save refill: %w", err)
		}
	}
	return refilled, nil
}

// lockAll loads several balances in ascending key order.
func (s *StarService) lockAll(ctx context.Context, tx domain.LedgerTx, now time.Time, ids ...domain.Identity) (map[string]domain.Balance, error) {
	sorted := append([]domain.Identity(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	out := make(map[string]domain.Balance, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id.Key()]; ok {
			continue
		}
		b, err := s.loadForUpdate(ctx, tx, id, now)
		if err != nil {
			return nil, err
		}
		out[id.Key()] = b
	}
	return out, nil
}

// move applies a signed delta to a locked balance and appends the log line.
func (s *StarService) move(ctx context.Context, tx domain.LedgerTx, b domain.Balance, amount int, reason domain.Reason, description string, now time.Time) (domain.Balance, error) {
	b.CurrentStars += amount
	if b.CurrentStars < 0 {
		return domain.Balance{}, fmt.Errorf("balance of %s would go negative", b.Identity)
	}
	b.UpdatedAt = now
	if err := tx.SaveBalance(ctx, b); err != nil {
		return domain.Balance{}, fmt.Errorf("save balance: %w", err)
	}
	if err := tx.AppendTransaction(ctx, domain.TransactionRecord{
		ID:           uuid.New(),
		Identity:     b.Identity,
		Amount:       amount,
		BalanceAfter: b.CurrentStars,
		Reason:       reason,
		Description:  description,
		CreatedAt:    now,
	}); err != nil {
		return domain.Balance{}, fmt.Errorf("append transaction: %w", err)
	}
	return b, nil
}

func (s *StarService) enqueueMoved(ctx context.Context, tx domain.LedgerTx, b domain.Balance, amount int, reason domain.Reason) error {
	rk, ok := movedEvents[reason]
	if !ok {
		return nil
	}
	return tx.Enqueue(ctx, appCtx.TraceID(ctx), rk, event.StarsMovedPayload{
		Identity:     b.Identity.Key(),
		Amount:       amount,
		BalanceAfter: b.CurrentStars,
		Reason:       string(reason),
	})
}

func (s *StarService) view(b domain.Balance) domain.BalanceView {
	return domain.BalanceView{
		Identity:     b.Identity,
		CurrentStars: b.CurrentStars,
		RefillCap:    s.policy.CapFor(b.Identity.Kind),
		NextRefillAt: s.policy.NextRefillAt(b),
		Merged:       b.Retired(),
	}
}

// GetOrCreate returns the stored balance, creating it with the starting grant.
// It does not apply the refill; see Refresh.
func (s *StarService) GetOrCreate(ctx context.Context, id domain.Identity) (domain.Balance, error) {
	if err := checkIdentity(id); err != nil {
		return domain.Balance{}, err
	}
	now := s.now()

	var out domain.Balance
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		b, err := tx.LockBalance(ctx, id.Key())
		if errors.Is(err, domain.ErrBalanceNotFound) {
			if _, err := tx.InsertBalance(ctx, s.policy.NewBalance(id, now)); err != nil {
				return err
			}
			b, err = tx.LockBalance(ctx, id.Key())
		}
		out = b
		return err
	})
	return out, err
}

// Refresh applies the refill policy and persists it. Calling it again at the
// same instant is a no-op.
func (s *StarService) Refresh(ctx context.Context, id domain.Identity) (domain.Balance, error) {
	if err := checkIdentity(id); err != nil {
		return domain.Balance{}, err
	}
	now := s.now()

	var out domain.Balance
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		b, err := s.loadForUpdate(ctx, tx, id, now)
		out = b
		return err
	})
	return out, err
}

// GetBalance is the read path: refresh, then present.
func (s *StarService) GetBalance(ctx context.Context, id domain.Identity) (domain.BalanceView, error) {
	b, err := s.Refresh(ctx, id)
	if err != nil {
		return domain.BalanceView{}, err
	}
	return s.view(b), nil
}

// Spend refreshes and then deducts amount if the balance covers it. A shortfall
// is not an error: ok=false is returned and only the refill is committed.
func (s *StarService) Spend(ctx context.Context, id domain.Identity, amount int, reason domain.Reason, description string) (bool, domain.Balance, error) {
	if err := checkIdentity(id); err != nil {
		return false, domain.Balance{}, err
	}
	if amount <= 0 {
		return false, domain.Balance{}, domain.ErrInvalidAmount
	}
	now := s.now()

	var (
		ok  bool
		out domain.Balance
	)
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		b, err := s.loadForUpdate(ctx, tx, id, now)
		if err != nil {
			return err
		}
		out = b
		if b.CurrentStars < amount {
			return nil
		}
		if out, err = s.move(ctx, tx, b, -amount, reason, description, now); err != nil {
			return err
		}
		ok = true
		return s.enqueueMoved(ctx, tx, out, -amount, reason)
	})
	if err != nil {
		return false, domain.Balance{}, err
	}
	if ok {
		metrics.RecordStars(string(reason), amount)
	}
	return ok, out, nil
}

// Add credits amount regardless of the refill cap. A device retired by a merge
// is credited through the account that absorbed it.
func (s *StarService) Add(ctx context.Context, id domain.Identity, amount int, reason domain.Reason, description string) (domain.Balance, error) {
	if err := checkIdentity(id); err != nil {
		return domain.Balance{}, err
	}
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}
	now := s.now()

	var (
		out domain.Balance
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		out, err = s.addTx(ctx, id, amount, reason, description, now)
		if !errors.Is(err, domain.ErrOwnerMoved) {
			break
		}
	}
	if err != nil {
		return domain.Balance{}, err
	}
	metrics.RecordStars(string(reason), amount)
	if reason == domain.ReasonManualAdd {
		s.audit.BalanceAdjusted(ctx, out.Identity, reason, amount, out.CurrentStars, description)
	}
	return out, nil
}

func (s *StarService) addTx(ctx context.Context, id domain.Identity, amount int, reason domain.Reason, description string, now time.Time) (domain.Balance, error) {
	var out domain.Balance
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		target, err := s.resolveOwner(ctx, tx, id)
		if err != nil {
			return err
		}
		b, err := s.loadForUpdate(ctx, tx, target, now)
		if err != nil {
			return err
		}
		if b.Retired() {
			// merged between the peek and the lock
			return domain.ErrOwnerMoved
		}
		if out, err = s.move(ctx, tx, b, amount, reason, description, now); err != nil {
			return err
		}
		return s.enqueueMoved(ctx, tx, out, amount, reason)
	})
	return out, err
}

// Set is a compare-and-swap on the refreshed balance: it writes target only if
// the current value still equals expected, and logs the difference. A retired
// device always conflicts.
func (s *StarService) Set(ctx context.Context, id domain.Identity, expected, target int, description string) (domain.Balance, error) {
	if err := checkIdentity(id); err != nil {
		return domain.Balance{}, err
	}
	if expected < 0 || target < 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}
	now := s.now()

	var out domain.Balance
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		b, err := s.loadForUpdate(ctx, tx, id, now)
		if err != nil {
			return err
		}
		// a retired device never holds stars again
		if b.Retired() || b.CurrentStars != expected {
			return domain.ErrBalanceConflict
		}
		out = b
		delta := target - expected
		if delta == 0 {
			return nil
		}
		if out, err = s.move(ctx, tx, b, delta, domain.ReasonManualAdd, description, now); err != nil {
			return err
		}
		return s.enqueueMoved(ctx, tx, out, delta, domain.ReasonManualAdd)
	})
	if err != nil {
		return domain.Balance{}, err
	}
	s.audit.BalanceAdjusted(ctx, id, domain.ReasonManualAdd, target-expected, out.CurrentStars, description)
	return out, nil
}

func (s *StarService) ListTransactions(ctx context.Context, id domain.Identity, limit int, cursor *domain.KeysetCursor) ([]domain.TransactionRecord, *domain.KeysetCursor, error) {
	if err := checkIdentity(id); err != nil {
		return nil, nil, err
	}
	return s.store.ListTransactions(ctx, id.Key(), limit, cursor)
}

func (s *StarService) ListNotifications(ctx context.Context, owner domain.Identity, limit int) ([]domain.Notification, error) {
	if err := checkIdentity(owner); err != nil {
		return nil, err
	}
	return s.store.ListNotifications(ctx, owner.Key(), limit)
}
