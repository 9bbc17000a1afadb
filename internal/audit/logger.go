package audit

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for ledger events
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// Nop discards everything; used by tests and tools.
func Nop() *Logger { return New(zerolog.Nop()) }

// ReadingCharged logs a successful spend.
func (l *Logger) ReadingCharged(ctx context.Context, id domain.Identity, cost, balance int) {
	l.log.Info().
		Str("action", "reading_charged").
		Str("identity", id.Key()).
		Int("cost", cost).
		Int("balance", balance).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Stars charged for reading")
}

func (l *Logger) ReadingRefunded(ctx context.Context, id domain.Identity, amount, balance int, cause error) {
	l.log.Warn().
		Str("action", "reading_refunded").
		Str("identity", id.Key()).
		Int("amount", amount).
		Int("balance", balance).
		AnErr("cause", cause).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Reading failed, stars refunded")
}

func (l *Logger) ShareAwarded(ctx context.Context, sharedID string, visitor, owner domain.Identity, dateKey string) {
	l.log.Info().
		Str("action", "share_awarded").
		Str("shared_id", sharedID).
		Str("visitor", visitor.Key()).
		Str("owner", owner.Key()).
		Str("date_key", dateKey).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Share visit awarded")
}

func (l *Logger) ReferralRedeemed(ctx context.Context, code string, referrer, referee domain.Identity, bonus int) {
	l.log.Info().
		Str("action", "referral_redeemed").
		Str("code", code).
		Str("referrer", referrer.Key()).
		Str("referee", referee.Key()).
		Int("bonus", bonus).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Referral redeemed")
}

func (l *Logger) DeviceMerged(ctx context.Context, device, account domain.Identity, transferred int) {
	l.log.Info().
		Str("action", "device_merged").
		Str("device", device.Key()).
		Str("account", account.Key()).
		Int("transferred", transferred).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Device balance merged into account")
}

// BalanceAdjusted logs an operator credit or compare-and-set.
func (l *Logger) BalanceAdjusted(ctx context.Context, id domain.Identity, reason domain.Reason, amount, balance int, description string) {
	l.log.Warn().
		Str("action", "balance_adjusted").
		Str("identity", id.Key()).
		Str("reason", string(reason)).
		Int("amount", amount).
		Int("balance", balance).
		Str("description", description).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Balance adjusted by operator")
}

// OutboxMessageSent logs when an outbox message is successfully published
func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	l.log.Debug().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, retries int) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("retries", retries).
		Msg("Outbox message moved to dead status")
}
