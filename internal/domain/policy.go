package domain

import "time"

// Policy holds the tunable star economy parameters.
//
// Refill is lazy: it is a pure function of (balance, now) applied inside the same
// transaction that reads or writes the balance. There is no scheduler.
type Policy struct {
	// AnonymousGrant is both the starting grant and the daily floor for devices.
	AnonymousGrant int
	// AccountCap is the starting grant and the auto-refill ceiling for accounts.
	AccountCap     int
	RefillInterval time.Duration
	// ResetZone is the reference timezone for day boundaries (daily reset, award caps).
	ResetZone *time.Location

	ReadingCost int

	ShareAwardStars int
	OwnerDailyCap   int
	VisitorDailyCap int

	ReferralBonus int
}

func DefaultPolicy() Policy {
	return Policy{
		AnonymousGrant:  5,
		AccountCap:      15,
		RefillInterval:  2 * time.Hour,
		ResetZone:       time.FixedZone("UTC+7", 7*60*60),
		ReadingCost:     2,
		ShareAwardStars: 1,
		OwnerDailyCap:   5,
		VisitorDailyCap: 1,
		ReferralBonus:   5,
	}
}

func (p Policy) zone() *time.Location {
	if p.ResetZone == nil {
		return time.UTC
	}
	return p.ResetZone
}

// CapFor returns the auto-refill ceiling for an identity kind.
func (p Policy) CapFor(kind IdentityKind) int {
	if kind == KindAccount {
		return p.AccountCap
	}
	return p.AnonymousGrant
}

// DateKey is the calendar day of t in the reference timezone (YYYY-MM-DD).
func (p Policy) DateKey(t time.Time) string {
	return t.In(p.zone()).Format(time.DateOnly)
}

// NextMidnight is the first local midnight strictly after t.
func (p Policy) NextMidnight(t time.Time) time.Time {
	lt := t.In(p.zone())
	y, m, d := lt.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, p.zone())
}

// NewBalance is the row GetOrCreate inserts: a full starting grant.
func (p Policy) NewBalance(id Identity, now time.Time) Balance {
	c := p.CapFor(id.Kind)
	return Balance{
		Identity:     id,
		CurrentStars: c,
		RefillCap:    c,
		LastRefillAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Refill applies the refill policy and returns the new balance and the stars added.
// It never lowers CurrentStars and never moves LastRefillAt past now.
func (p Policy) Refill(b Balance, now time.Time) (Balance, int) {
	if b.Retired() {
		return b, 0
	}
	b.RefillCap = p.CapFor(b.Identity.Kind)
	if !now.After(b.LastRefillAt) {
		return b, 0
	}

	switch b.Identity.Kind {
	case KindAccount:
		return p.refillAccount(b, now)
	case KindAnonymous:
		return p.resetDaily(b, now)
	}
	return b, 0
}

// refillAccount awards one star per whole interval up to the cap. Whole intervals
// elapsed while at the cap are consumed without award; the partial interval is kept.
func (p Policy) refillAccount(b Balance, now time.Time) (Balance, int) {
	if p.RefillInterval <= 0 {
		return b, 0
	}
	n := int(now.Sub(b.LastRefillAt) / p.RefillInterval)
	if n == 0 {
		return b, 0
	}

	added := 0
	if room := b.RefillCap - b.CurrentStars; room > 0 {
		added = min(n, room)
		b.CurrentStars += added
	}
	b.LastRefillAt = b.LastRefillAt.Add(time.Duration(n) * p.RefillInterval)
	return b, added
}

// resetDaily raises a device balance to at least the grant once the local day has
// turned. Bonus stars above the grant are kept.
func (p Policy) resetDaily(b Balance, now time.Time) (Balance, int) {
	if now.Before(p.NextMidnight(b.LastRefillAt)) {
		return b, 0
	}

	added := 0
	if b.CurrentStars < b.RefillCap {
		added = b.RefillCap - b.CurrentStars
		b.CurrentStars = b.RefillCap
	}
	b.LastRefillAt = now
	return b, added
}

// NextRefillAt reports when the next automatic star arrives, or nil when the
// balance is at or above its cap or retired.
func (p Policy) NextRefillAt(b Balance) *time.Time {
	if b.Retired() || b.CurrentStars >= p.CapFor(b.Identity.Kind) {
		return nil
	}

	var t time.Time
	switch b.Identity.Kind {
	case KindAccount:
		if p.RefillInterval <= 0 {
			return nil
		}
		t = b.LastRefillAt.Add(p.RefillInterval)
	default:
		t = p.NextMidnight(b.LastRefillAt)
	}
	return &t
}
