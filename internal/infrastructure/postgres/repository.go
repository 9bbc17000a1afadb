package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// -------------------------
// Deadlock policy:
// Always lock in this order inside one transaction:
//   1) advisory scope locks (visitor day, owner day, referee, referrer)
//   2) referrals row (FOR UPDATE)
//   3) star_balances rows (FOR UPDATE) in ascending identity_key order
// The service layer sorts balance keys; this package only provides the primitives.
// -------------------------

func (r *Repository) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) LockScope(ctx context.Context, scope string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scope)
	return err
}

const balanceColumns = `identity_key, current_stars, refill_cap, last_refill_at, merged_into, created_at, updated_at`

func scanBalance(row pgx.Row) (domain.Balance, error) {
	var (
		b      domain.Balance
		key    string
		merged *string
	)
	if err := row.Scan(&key, &b.CurrentStars, &b.RefillCap, &b.LastRefillAt, &merged, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{}, domain.ErrBalanceNotFound
		}
		return domain.Balance{}, err
	}
	id, err := domain.ParseIdentityKey(key)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance %q: %w", key, err)
	}
	b.Identity = id
	if merged != nil {
		b.MergedInto = *merged
	}
	b.LastRefillAt = b.LastRefillAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (t *txRepo) PeekBalance(ctx context.Context, identityKey string) (domain.Balance, error) {
	return scanBalance(t.tx.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM star_balances
		WHERE identity_key = $1
	`, identityKey))
}

func (t *txRepo) LockBalance(ctx context.Context, identityKey string) (domain.Balance, error) {
	return scanBalance(t.tx.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM star_balances
		WHERE identity_key = $1
		FOR UPDATE
	`, identityKey))
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *txRepo) InsertBalance(ctx context.Context, b domain.Balance) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO star_balances
			(identity_key, identity_kind, current_stars, refill_cap, last_refill_at, merged_into, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity_key) DO NOTHING
	`, b.Identity.Key(), string(b.Identity.Kind), b.CurrentStars, b.RefillCap, b.LastRefillAt,
		nullIfEmpty(b.MergedInto), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) SaveBalance(ctx context.Context, b domain.Balance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE star_balances
		SET current_stars = $2,
		    refill_cap = $3,
		    last_refill_at = $4,
		    merged_into = $5,
		    updated_at = $6
		WHERE identity_key = $1
	`, b.Identity.Key(), b.CurrentStars, b.RefillCap, b.LastRefillAt, nullIfEmpty(b.MergedInto), b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBalanceNotFound
	}
	return nil
}

func (t *txRepo) AppendTransaction(ctx context.Context, rec domain.TransactionRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO star_transactions (id, identity_key, amount, balance_after, reason, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.Identity.Key(), rec.Amount, rec.BalanceAfter, string(rec.Reason), rec.Description, rec.CreatedAt)
	return err
}

func (t *txRepo) VisitorAwardsOn(ctx context.Context, visitorKey, dateKey string) ([]domain.ShareVisitAward, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT shared_id, visitor_id, owner_id, date_key, created_at
		FROM share_visit_awards
		WHERE visitor_id = $1 AND date_key = $2
		ORDER BY created_at ASC
	`, visitorKey, dateKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ShareVisitAward
	for rows.Next() {
		var a domain.ShareVisitAward
		if err := rows.Scan(&a.SharedID, &a.VisitorID, &a.OwnerID, &a.DateKey, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txRepo) OwnerAwardCount(ctx context.Context, ownerKey, dateKey string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM share_visit_awards
		WHERE owner_id = $1 AND date_key = $2
	`, ownerKey, dateKey).Scan(&n)
	return n, err
}

func (t *txRepo) InsertShareVisitAward(ctx context.Context, a domain.ShareVisitAward) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO share_visit_awards (shared_id, visitor_id, owner_id, date_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (shared_id, visitor_id, date_key) DO NOTHING
	`, a.SharedID, a.VisitorID, a.OwnerID, a.DateKey, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) HasRedeemedReferral(ctx context.Context, refereeKey string) (bool, error) {
	var used bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM referrals WHERE referee_id = $1)
	`, refereeKey).Scan(&used)
	return used, err
}

func scanReferral(row pgx.Row) (domain.Referral, error) {
	var (
		ref     domain.Referral
		referee *string
	)
	if err := row.Scan(&ref.Code, &ref.ReferrerID, &referee, &ref.CreatedAt, &ref.RedeemedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Referral{}, domain.ErrReferralNotFound
		}
		return domain.Referral{}, err
	}
	if referee != nil {
		ref.RefereeID = *referee
	}
	ref.CreatedAt = ref.CreatedAt.UTC()
	return ref, nil
}

func (t *txRepo) LockReferral(ctx context.Context, code string) (domain.Referral, error) {
	return scanReferral(t.tx.QueryRow(ctx, `
		SELECT code, referrer_id, referee_id, created_at, redeemed_at
		FROM referrals
		WHERE code = $1
		FOR UPDATE
	`, code))
}

func (t *txRepo) OpenReferralFor(ctx context.Context, referrerKey string) (domain.Referral, error) {
	return scanReferral(t.tx.QueryRow(ctx, `
		SELECT code, referrer_id, referee_id, created_at, redeemed_at
		FROM referrals
		WHERE referrer_id = $1 AND referee_id IS NULL
		ORDER BY created_at ASC
		LIMIT 1
	`, referrerKey))
}

func (t *txRepo) InsertReferral(ctx context.Context, ref domain.Referral) error {
	// DO NOTHING keeps the transaction usable; a zero row count is a collision.
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO referrals (code, referrer_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`, ref.Code, ref.ReferrerID, ref.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCodeCollision
	}
	return nil
}

func (t *txRepo) ClaimReferral(ctx context.Context, code, refereeKey string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE referrals
		SET referee_id = $2,
		    redeemed_at = $3
		WHERE code = $1 AND referee_id IS NULL
	`, code, refereeKey, at)
	if err != nil {
		if isUniqueViolation(err, "uq_referrals_referee") {
			return domain.ErrReferralUsed
		}
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM referrals WHERE code = $1)`, code).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrReferralNotFound
	}
	return domain.ErrReferralClaimed
}

func (t *txRepo) Enqueue(ctx context.Context, traceID, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox (id, message_id, trace_id, routing_key, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, $5, NOW(), 'pending')
	`, uuid.New(), uuid.New(), strings.TrimSpace(traceID), routingKey, body)
	return err
}

var (
	_ domain.LedgerStore = (*Repository)(nil)
	_ domain.LedgerTx    = (*txRepo)(nil)
)
