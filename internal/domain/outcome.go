package domain

import (
	"errors"
	"time"
)

// ShareOutcome is the result of a share-visit award attempt. Every value other
// than ShareOK is an expected rejection, not a failure.
type ShareOutcome string

const (
	ShareOK            ShareOutcome = "ok"
	ShareSkipped       ShareOutcome = "skipped"
	ShareDuplicate     ShareOutcome = "duplicate"
	ShareVisitorCapped ShareOutcome = "visitor_capped"
	ShareOwnerCapped   ShareOutcome = "owner_capped"
)

// ShareOutcomeFor maps a gate rejection to its outcome.
func ShareOutcomeFor(err error) (ShareOutcome, bool) {
	switch {
	case errors.Is(err, ErrSelfView):
		return ShareSkipped, true
	case errors.Is(err, ErrVisitorCapped):
		return ShareVisitorCapped, true
	case errors.Is(err, ErrDuplicateVisit):
		return ShareDuplicate, true
	case errors.Is(err, ErrOwnerCapped):
		return ShareOwnerCapped, true
	}
	return "", false
}

type ReferralOutcome string

const (
	ReferralSuccess      ReferralOutcome = "SUCCESS"
	ReferralAlreadyUsed  ReferralOutcome = "ALREADY_USED"
	ReferralInvalidCode  ReferralOutcome = "INVALID_CODE"
	ReferralSelfReferral ReferralOutcome = "SELF_REFERRAL"
	ReferralCodeClaimed  ReferralOutcome = "CODE_CLAIMED"
)

func ReferralOutcomeFor(err error) (ReferralOutcome, bool) {
	switch {
	case errors.Is(err, ErrReferralUsed):
		return ReferralAlreadyUsed, true
	case errors.Is(err, ErrReferralNotFound):
		return ReferralInvalidCode, true
	case errors.Is(err, ErrSelfReferral):
		return ReferralSelfReferral, true
	case errors.Is(err, ErrReferralClaimed):
		return ReferralCodeClaimed, true
	}
	return "", false
}

// Message is the user-facing text for a referral outcome.
func (o ReferralOutcome) Message() string {
	switch o {
	case ReferralSuccess:
		return "referral redeemed"
	case ReferralAlreadyUsed:
		return "you have already redeemed a referral code"
	case ReferralInvalidCode:
		return "referral code does not exist"
	case ReferralSelfReferral:
		return "you cannot redeem your own referral code"
	case ReferralCodeClaimed:
		return "referral code has already been used"
	}
	return string(o)
}

// BalanceView is what read paths return after the lazy refill.
type BalanceView struct {
	Identity     Identity
	CurrentStars int
	RefillCap    int
	NextRefillAt *time.Time
	Merged       bool
}

type ChargeResult struct {
	OK       bool
	Balance  BalanceView
	Required int
}

type ShareVisitResult struct {
	Outcome      ShareOutcome
	OwnerBalance int // only meaningful when Outcome == ShareOK
}

type ReferralResult struct {
	Outcome         ReferralOutcome
	RefereeBalance  int
	ReferrerBalance int
}

func (r ReferralResult) Success() bool { return r.Outcome == ReferralSuccess }

type MergeResult struct {
	Merged         bool
	Transferred    int
	AccountBalance int
}
