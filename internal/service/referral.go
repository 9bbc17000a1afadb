package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
)

const (
	referralCodeLen      = 6
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts      = 5
)

func newReferralCode() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(referralCodeAlphabet)))
	for range referralCodeLen {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(referralCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeReferralCode upper-cases and trims user input.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetOrCreateReferralCode returns the referrer's open code, minting a new one
// when every earlier code has been claimed.
func (s *StarService) GetOrCreateReferralCode(ctx context.Context, referrer domain.Identity) (domain.Referral, error) {
	if err := checkIdentity(referrer); err != nil {
		return domain.Referral{}, err
	}
	if !referrer.IsAccount() {
		return domain.Referral{}, domain.ErrAccountRequired
	}

	for range maxCodeAttempts {
		code, err := s.codes()
		if err != nil {
			return domain.Referral{}, fmt.Errorf("generate code: %w", err)
		}
		now := s.now()

		var out domain.Referral
		err = s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
			if err := tx.LockScope(ctx, "referrer:"+referrer.Key()); err != nil {
				return err
			}
			open, err := tx.OpenReferralFor(ctx, referrer.Key())
			if err == nil {
				out = open
				return nil
			}
			if !errors.Is(err, domain.ErrReferralNotFound) {
				return err
			}
			out = domain.Referral{Code: code, ReferrerID: referrer.Key(), CreatedAt: now}
			return tx.InsertReferral(ctx, out)
		})
		if errors.Is(err, domain.ErrCodeCollision) {
			continue
		}
		return out, err
	}
	return domain.Referral{}, domain.ErrCodeCollision
}

// RedeemReferral runs the one-time mutual bonus. The row is claimed before
// either credit inside one transaction, so any failure leaves nothing behind.
//
// Checks, first failure wins: ALREADY_USED, INVALID_CODE, SELF_REFERRAL,
// CODE_CLAIMED.
func (s *StarService) RedeemReferral(ctx context.Context, redeemer domain.Identity, code string) (domain.ReferralResult, error) {
	if err := checkIdentity(redeemer); err != nil {
		return domain.ReferralResult{}, err
	}
	if !redeemer.IsAccount() {
		return domain.ReferralResult{}, domain.ErrAccountRequired
	}
	code = NormalizeReferralCode(code)
	now := s.now()
	bonus := s.policy.ReferralBonus

	var (
		referrer domain.Identity
		res      domain.ReferralResult
	)
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.LockScope(ctx, "referee:"+redeemer.Key()); err != nil {
			return err
		}

		used, err := tx.HasRedeemedReferral(ctx, redeemer.Key())
		if err != nil {
			return fmt.Errorf("referee lookup: %w", err)
		}
		if used {
			return domain.ErrReferralUsed
		}

		ref, err := tx.LockReferral(ctx, code)
		if err != nil {
			return err
		}
		if ref.ReferrerID == redeemer.Key() {
			return domain.ErrSelfReferral
		}
		if ref.Claimed() {
			return domain.ErrReferralClaimed
		}
		if referrer, err = domain.ParseIdentityKey(ref.ReferrerID); err != nil {
			return fmt.Errorf("referral %s has bad referrer: %w", code, err)
		}

		if err := tx.ClaimReferral(ctx, code, redeemer.Key(), now); err != nil {
			return err
		}

		locked, err := s.lockAll(ctx, tx, now, redeemer, referrer)
		if err != nil {
			return err
		}
		referee, err := s.move(ctx, tx, locked[redeemer.Key()], bonus, domain.ReasonReferral, "referral "+code, now)
		if err != nil {
			return err
		}
		rewarded, err := s.move(ctx, tx, locked[referrer.Key()], bonus, domain.ReasonReferralReward, "referral "+code, now)
		if err != nil {
			return err
		}
		res.RefereeBalance = referee.CurrentStars
		res.ReferrerBalance = rewarded.CurrentStars

		return tx.Enqueue(ctx, appCtx.TraceID(ctx), event.RKReferralRedeem, event.ReferralRedeemedPayload{
			Code:       code,
			ReferrerID: referrer.Key(),
			RefereeID:  redeemer.Key(),
			Bonus:      bonus,
		})
	})
	if outcome, ok := domain.ReferralOutcomeFor(err); ok {
		metrics.RecordReferral(string(outcome))
		return domain.ReferralResult{Outcome: outcome}, nil
	}
	if err != nil {
		return domain.ReferralResult{}, err
	}

	res.Outcome = domain.ReferralSuccess
	metrics.RecordReferral(string(res.Outcome))
	metrics.RecordStars(string(domain.ReasonReferral), bonus)
	metrics.RecordStars(string(domain.ReasonReferralReward), bonus)
	s.audit.ReferralRedeemed(ctx, code, referrer, redeemer, bonus)
	return res, nil
}
