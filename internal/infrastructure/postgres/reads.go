package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// /transactions : ORDER BY created_at DESC, id DESC
// cursor means "start after this item" -> WHERE (created_at, id) < (cursor.created_at, cursor.id)
func (r *Repository) ListTransactions(ctx context.Context, identityKey string, limit int, cursor *domain.KeysetCursor) ([]domain.TransactionRecord, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{identityKey}
	where := "WHERE identity_key = $1"

	if cursor != nil {
		where += " AND (created_at, id) < ($2, $3)"
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT id, identity_key, amount, balance_after, reason, description, created_at
		FROM star_transactions
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT %d
	`, where, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := make([]domain.TransactionRecord, 0, limit+1)
	for rows.Next() {
		var (
			rec    domain.TransactionRecord
			key    string
			reason string
		)
		if err := rows.Scan(&rec.ID, &key, &rec.Amount, &rec.BalanceAfter, &reason, &rec.Description, &rec.CreatedAt); err != nil {
			return nil, nil, err
		}
		id, err := domain.ParseIdentityKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("transaction %s: %w", rec.ID, err)
		}
		rec.Identity = id
		rec.Reason = domain.Reason(reason)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

func (r *Repository) ListNotifications(ctx context.Context, ownerKey string, limit int) ([]domain.Notification, error) {
	limit = clampLimit(limit)
	rows, err := r.pool.Query(ctx, `
		SELECT owner_id, shared_id, date_key, visits_count, created_at, last_visit_at
		FROM share_notifications
		WHERE owner_id = $1
		ORDER BY last_visit_at DESC, shared_id ASC
		LIMIT $2
	`, ownerKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.OwnerID, &n.SharedID, &n.DateKey, &n.VisitsCount, &n.CreatedAt, &n.LastVisitAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		n.LastVisitAt = n.LastVisitAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) UpsertNotification(ctx context.Context, ownerKey, sharedID, dateKey string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO share_notifications (owner_id, shared_id, date_key, visits_count, created_at, last_visit_at)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (owner_id, shared_id, date_key)
		DO UPDATE SET visits_count = share_notifications.visits_count + 1,
		              last_visit_at = EXCLUDED.last_visit_at
	`, ownerKey, sharedID, dateKey, at)
	return err
}
