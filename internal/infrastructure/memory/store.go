package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/google/uuid"
)

// Store is an in-process LedgerStore. Transactions are serialised by a single
// mutex and rolled back by restoring a snapshot, so it is only suitable for
// tests and local runs without Postgres.
type Store struct {
	mu sync.Mutex
	st state

	// NotificationErr, when set, is returned by UpsertNotification.
	NotificationErr error
}

type awardKey struct{ shared, visitor, day string }

type notifKey struct{ owner, shared, day string }

type OutboxMessage struct {
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
}

type state struct {
	balances      map[string]domain.Balance
	txs           []domain.TransactionRecord
	awards        map[awardKey]domain.ShareVisitAward
	referrals     map[string]domain.Referral
	notifications map[notifKey]domain.Notification
	processed     map[string]struct{}
	outbox        []OutboxMessage
}

func New() *Store {
	return &Store{st: state{
		balances:      make(map[string]domain.Balance),
		awards:        make(map[awardKey]domain.ShareVisitAward),
		referrals:     make(map[string]domain.Referral),
		notifications: make(map[notifKey]domain.Notification),
		processed:     make(map[string]struct{}),
	}}
}

func (s state) clone() state {
	return state{
		balances:      maps.Clone(s.balances),
		txs:           append([]domain.TransactionRecord(nil), s.txs...),
		awards:        maps.Clone(s.awards),
		referrals:     maps.Clone(s.referrals),
		notifications: maps.Clone(s.notifications),
		processed:     maps.Clone(s.processed),
		outbox:        append([]OutboxMessage(nil), s.outbox...),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.st.clone()
	if err := fn(&tx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// ListTransactions returns newest first; cursor means "start after this item".
func (s *Store) ListTransactions(ctx context.Context, identityKey string, limit int, cursor *domain.KeysetCursor) ([]domain.TransactionRecord, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	var out []domain.TransactionRecord
	for _, rec := range s.st.txs {
		if rec.Identity.Key() != identityKey {
			continue
		}
		if cursor != nil && !before(rec.CreatedAt, rec.ID, cursor.CreatedAt, cursor.ID) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return before(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID)
	})

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

// before reports (ta, ia) < (tb, ib) in keyset order.
func before(ta time.Time, ia uuid.UUID, tb time.Time, ib uuid.UUID) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return bytes.Compare(ia[:], ib[:]) < 0
}

func (s *Store) ListNotifications(ctx context.Context, ownerKey string, limit int) ([]domain.Notification, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	var out []domain.Notification
	for k, n := range s.st.notifications {
		if k.owner == ownerKey {
			out = append(out, n)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastVisitAt.Equal(out[j].LastVisitAt) {
			return out[i].LastVisitAt.After(out[j].LastVisitAt)
		}
		return out[i].SharedID < out[j].SharedID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertNotification(ctx context.Context, ownerKey, sharedID, dateKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.NotificationErr != nil {
		return s.NotificationErr
	}

	k := notifKey{ownerKey, sharedID, dateKey}
	n, ok := s.st.notifications[k]
	if !ok {
		n = domain.Notification{OwnerID: ownerKey, SharedID: sharedID, DateKey: dateKey, CreatedAt: at}
	}
	n.VisitsCount++
	n.LastVisitAt = at
	s.st.notifications[k] = n
	return nil
}

// Balance returns the stored row without refill. Test helper.
func (s *Store) Balance(identityKey string) (domain.Balance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.st.balances[identityKey]
	return b, ok
}

// PutBalance overwrites a row. Test helper for arranging state.
func (s *Store) PutBalance(b domain.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.balances[b.Identity.Key()] = b
}

// Transactions returns every log line for identityKey in insertion order.
func (s *Store) Transactions(identityKey string) []domain.TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransactionRecord
	for _, rec := range s.st.txs {
		if rec.Identity.Key() == identityKey {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) Awards() []domain.ShareVisitAward {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedAwards(s.st.awards)
}

func (s *Store) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxMessage(nil), s.st.outbox...)
}

func sortedAwards(m map[awardKey]domain.ShareVisitAward) []domain.ShareVisitAward {
	out := make([]domain.ShareVisitAward, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// tx operates on the live state; Store.WithTx restores the snapshot on error.
type tx struct {
	st *state
}

// LockScope is a no-op: the store mutex already serialises transactions.
func (t *tx) LockScope(ctx context.Context, scope string) error { return nil }

func (t *tx) PeekBalance(ctx context.Context, identityKey string) (domain.Balance, error) {
	return t.LockBalance(ctx, identityKey)
}

func (t *tx) LockBalance(ctx context.Context, identityKey string) (domain.Balance, error) {
	b, ok := t.st.balances[identityKey]
	if !ok {
		return domain.Balance{}, domain.ErrBalanceNotFound
	}
	return b, nil
}

func (t *tx) InsertBalance(ctx context.Context, b domain.Balance) (bool, error) {
	k := b.Identity.Key()
	if _, ok := t.st.balances[k]; ok {
		return false, nil
	}
	t.st.balances[k] = b
	return true, nil
}

func (t *tx) SaveBalance(ctx context.Context, b domain.Balance) error {
	k := b.Identity.Key()
	if _, ok := t.st.balances[k]; !ok {
		return domain.ErrBalanceNotFound
	}
	t.st.balances[k] = b
	return nil
}

func (t *tx) AppendTransaction(ctx context.Context, rec domain.TransactionRecord) error {
	t.st.txs = append(t.st.txs, rec)
	return nil
}

func (t *tx) VisitorAwardsOn(ctx context.Context, visitorKey, dateKey string) ([]domain.ShareVisitAward, error) {
	var out []domain.ShareVisitAward
	for k, a := range t.st.awards {
		if k.visitor == visitorKey && k.day == dateKey {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) OwnerAwardCount(ctx context.Context, ownerKey, dateKey string) (int, error) {
	n := 0
	for k, a := range t.st.awards {
		if a.OwnerID == ownerKey && k.day == dateKey {
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertShareVisitAward(ctx context.Context, a domain.ShareVisitAward) (bool, error) {
	k := awardKey{a.SharedID, a.VisitorID, a.DateKey}
	if _, ok := t.st.awards[k]; ok {
		return false, nil
	}
	t.st.awards[k] = a
	return true, nil
}

func (t *tx) HasRedeemedReferral(ctx context.Context, refereeKey string) (bool, error) {
	for _, r := range t.st.referrals {
		if r.RefereeID == refereeKey {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) LockReferral(ctx context.Context, code string) (domain.Referral, error) {
	r, ok := t.st.referrals[code]
	if !ok {
		return domain.Referral{}, domain.ErrReferralNotFound
	}
	return r, nil
}

func (t *tx) OpenReferralFor(ctx context.Context, referrerKey string) (domain.Referral, error) {
	var found *domain.Referral
	for _, r := range t.st.referrals {
		if r.ReferrerID != referrerKey || r.Claimed() {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = &r
		}
	}
	if found == nil {
		return domain.Referral{}, domain.ErrReferralNotFound
	}
	return *found, nil
}

func (t *tx) InsertReferral(ctx context.Context, r domain.Referral) error {
	if _, ok := t.st.referrals[r.Code]; ok {
		return domain.ErrCodeCollision
	}
	t.st.referrals[r.Code] = r
	return nil
}

func (t *tx) ClaimReferral(ctx context.Context, code, refereeKey string, at time.Time) error {
	r, ok := t.st.referrals[code]
	if !ok {
		return domain.ErrReferralNotFound
	}
	if r.Claimed() {
		return domain.ErrReferralClaimed
	}
	for _, other := range t.st.referrals {
		if other.RefereeID == refereeKey {
			return domain.ErrReferralUsed
		}
	}
	r.RefereeID = refereeKey
	r.RedeemedAt = &at
	t.st.referrals[code] = r
	return nil
}

func (t *tx) MarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	if handlerName == "" {
		handlerName = "unknown"
	}
	k := messageID + "|" + handlerName
	if _, ok := t.st.processed[k]; ok {
		return false, nil
	}
	t.st.processed[k] = struct{}{}
	return true, nil
}

func (t *tx) Enqueue(ctx context.Context, traceID, routingKey string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.st.outbox = append(t.st.outbox, OutboxMessage{
		MessageID:  uuid.New(),
		TraceID:    traceID,
		RoutingKey: routingKey,
		Payload:    b,
	})
	return nil
}

var (
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.LedgerTx    = (*tx)(nil)
)
