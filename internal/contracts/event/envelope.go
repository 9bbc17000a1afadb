package event

import "time"

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// Routing keys.
const (
	RKDeviceLinked = "auth.device.linked" // consumed

	RKReadingCharged  = "stars.reading_charged"
	RKReadingRefunded = "stars.reading_refunded"
	RKShareAwarded    = "stars.share_awarded"
	RKReferralRedeem  = "stars.referral_redeemed"
	RKDeviceMerged    = "stars.device_merged"
	RKBalanceAdjusted = "stars.balance_adjusted"
)

// DeviceLinkedPayload is published by auth-service when a signed-in user
// presents the device token they used anonymously.
// Accept both user_id and legacy uid.
type DeviceLinkedPayload struct {
	UserID   string `json:"user_id,omitempty"`
	UID      string `json:"uid,omitempty"`
	DeviceID string `json:"device_id"`
}

func (p DeviceLinkedPayload) Account() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.UID
}

type StarsMovedPayload struct {
	Identity     string `json:"identity"`
	Amount       int    `json:"amount"`
	BalanceAfter int    `json:"balance_after"`
	Reason       string `json:"reason"`
}

type ShareAwardedPayload struct {
	SharedID string `json:"shared_id"`
	OwnerID  string `json:"owner_id"`
	DateKey  string `json:"date_key"`
	Stars    int    `json:"stars"`
}

type ReferralRedeemedPayload struct {
	Code       string `json:"code"`
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
	Bonus      int    `json:"bonus"`
}

type DeviceMergedPayload struct {
	DeviceID    string `json:"device_id"`
	AccountID   string `json:"account_id"`
	Transferred int    `json:"transferred"`
}
