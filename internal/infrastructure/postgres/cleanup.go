package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/logger"
)

// processedRetentionDays bounds how long a redelivered message is still fenced.
const processedRetentionDays = 7

// StartProcessedCleanup periodically deletes old processed_messages fence rows
// and sent outbox rows so neither table grows without bound.
func (r *Repository) StartProcessedCleanup(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "ledger_cleanup").Logger()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		r.cleanup(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanup(ctx)
			}
		}
	}()
}

func (r *Repository) cleanup(ctx context.Context) {
	n, err := r.PurgeProcessed(ctx, processedRetentionDays)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("processed_messages cleanup failed")
	} else if n > 0 {
		logger.Logger.Info().Int64("deleted", n).Msg("processed_messages cleaned up")
	}

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE status = 'sent' AND occurred_at < NOW() - make_interval(days => $1)
	`, processedRetentionDays)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("outbox cleanup failed")
		return
	}
	if tag.RowsAffected() > 0 {
		logger.Logger.Info().Int64("deleted", tag.RowsAffected()).Msg("sent outbox rows cleaned up")
	}
}

// PurgeProcessed drops fence rows older than the given number of days.
func (r *Repository) PurgeProcessed(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = processedRetentionDays
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM processed_messages
		WHERE processed_at < NOW() - make_interval(days => $1)
	`, olderThanDays)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
