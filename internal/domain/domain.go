package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Reason string

const (
	ReasonReadingCost    Reason = "reading_cost"
	ReasonReadingRefund  Reason = "reading_refund"
	ReasonReferral       Reason = "referral"        // credited to the referee
	ReasonReferralReward Reason = "referral_reward" // credited to the referrer
	ReasonShareAward     Reason = "share_award"
	ReasonManualAdd      Reason = "manual_add"
	ReasonDeviceMerge    Reason = "device_merge"
)

var (
	// input errors
	ErrNoIdentity      = errors.New("no identity")
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidAmount   = errors.New("amount must be a positive whole number of stars")
	ErrMissingOwner    = errors.New("missing share owner")
	ErrMissingSharedID = errors.New("missing shared id")
	ErrAccountRequired = errors.New("an authenticated account is required")

	// store errors
	ErrBalanceNotFound  = errors.New("balance not found")
	ErrBalanceConflict  = errors.New("balance changed since it was read")
	ErrReferralNotFound = errors.New("referral code not found")
	ErrCodeCollision    = errors.New("referral code collision")

	ErrCacheMiss = errors.New("cache miss")

	// policy rejections raised inside a transaction to roll it back;
	// the service converts them to outcomes before returning.
	ErrSelfView        = errors.New("owner viewed own share")
	ErrVisitorCapped   = errors.New("visitor daily award cap reached")
	ErrDuplicateVisit  = errors.New("visit already awarded today")
	ErrOwnerCapped     = errors.New("owner daily award cap reached")
	ErrOwnerMoved      = errors.New("device balance was merged into an account")
	ErrReferralUsed    = errors.New("referral already redeemed by this identity")
	ErrSelfReferral    = errors.New("cannot redeem own referral code")
	ErrReferralClaimed = errors.New("referral code already claimed")
)

type KeysetCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Balance is the persisted star balance of one identity.
type Balance struct {
	Identity     Identity
	CurrentStars int
	RefillCap    int
	LastRefillAt time.Time
	// MergedInto is set once an anonymous balance has been folded into an account.
	MergedInto string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (b Balance) Retired() bool { return b.MergedInto != "" }

// TransactionRecord is an append-only log line; it never feeds the balance itself.
type TransactionRecord struct {
	ID           uuid.UUID
	Identity     Identity
	Amount       int
	BalanceAfter int
	Reason       Reason
	Description  string
	CreatedAt    time.Time
}

type ShareVisitAward struct {
	SharedID  string
	VisitorID string // Identity.Key() of the viewer
	OwnerID   string // Identity.Key() of the credited owner
	DateKey   string
	CreatedAt time.Time
}

type Referral struct {
	Code       string
	ReferrerID string
	RefereeID  string // empty until redeemed
	CreatedAt  time.Time
	RedeemedAt *time.Time
}

func (r Referral) Claimed() bool { return r.RefereeID != "" }

// Notification aggregates the awarded visits one owner got for one share on one day.
type Notification struct {
	OwnerID     string
	SharedID    string
	DateKey     string
	VisitsCount int
	CreatedAt   time.Time
	LastVisitAt time.Time
}

// LedgerStore runs ledger mutations atomically.
//
// WithTx commits when fn returns nil and rolls back otherwise. Implementations must
// serialise concurrent transactions touching the same balance row or lock scope.
type LedgerStore interface {
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	ListTransactions(ctx context.Context, identityKey string, limit int, cursor *KeysetCursor) ([]TransactionRecord, *KeysetCursor, error)
	ListNotifications(ctx context.Context, ownerKey string, limit int) ([]Notification, error)
	// UpsertNotification is advisory and runs outside the award transaction.
	UpsertNotification(ctx context.Context, ownerKey, sharedID, dateKey string, at time.Time) error
}

// LedgerTx is the set of row operations available inside one transaction.
//
// Lock order: LockScope calls, then LockReferral, then LockBalance in ascending key order.
type LedgerTx interface {
	// LockScope takes a transaction-scoped mutex on an arbitrary key.
	LockScope(ctx context.Context, scope string) error

	// PeekBalance reads the row without locking it. Only fields that never change
	// once set (MergedInto) may be relied on.
	PeekBalance(ctx context.Context, identityKey string) (Balance, error)
	// LockBalance returns the row locked for update, or ErrBalanceNotFound.
	LockBalance(ctx context.Context, identityKey string) (Balance, error)
	// InsertBalance creates the row if missing; it reports false when another
	// transaction created it first.
	InsertBalance(ctx context.Context, b Balance) (bool, error)
	SaveBalance(ctx context.Context, b Balance) error

	AppendTransaction(ctx context.Context, rec TransactionRecord) error

	VisitorAwardsOn(ctx context.Context, visitorKey, dateKey string) ([]ShareVisitAward, error)
	OwnerAwardCount(ctx context.Context, ownerKey, dateKey string) (int, error)
	// InsertShareVisitAward reports false when the (shared, visitor, day) tuple exists.
	InsertShareVisitAward(ctx context.Context, a ShareVisitAward) (bool, error)

	HasRedeemedReferral(ctx context.Context, refereeKey string) (bool, error)
	LockReferral(ctx context.Context, code string) (Referral, error)
	OpenReferralFor(ctx context.Context, referrerKey string) (Referral, error)
	InsertReferral(ctx context.Context, r Referral) error
	// ClaimReferral sets referee_id once; a unique violation on the referee maps to ErrReferralUsed.
	ClaimReferral(ctx context.Context, code, refereeKey string, at time.Time) error

	// MarkProcessed is the inbox fence for consumed messages.
	MarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error)

	// Enqueue writes an outbox row published after commit.
	Enqueue(ctx context.Context, traceID, routingKey string, payload any) error
}

// CacheRepository is a best-effort fast path; every answer is re-checked in the store.
type CacheRepository interface {
	// VisitorAwardedShare returns the shared id the visitor was awarded for on dateKey.
	VisitorAwardedShare(ctx context.Context, visitorKey, dateKey string) (string, error)
	MarkVisitorAwarded(ctx context.Context, visitorKey, dateKey, sharedID string, ttl time.Duration) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}
