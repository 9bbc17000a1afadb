package service

import (
	"context"
	"errors"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/metrics"
)

// TryCharge deducts cost for a priced action. On a shortfall nothing but the
// lazy refill is written and Required carries the price.
func (s *StarService) TryCharge(ctx context.Context, id domain.Identity, cost int) (domain.ChargeResult, error) {
	ok, b, err := s.Spend(ctx, id, cost, domain.ReasonReadingCost, "reading")
	if err != nil {
		return domain.ChargeResult{}, err
	}

	res := domain.ChargeResult{OK: ok, Balance: s.view(b), Required: cost}
	if !ok {
		metrics.RecordCharge("insufficient")
		return res, nil
	}
	metrics.RecordCharge("charged")
	s.audit.ReadingCharged(ctx, id, cost, b.CurrentStars)
	return res, nil
}

// ChargeForReading charges the configured price of one reading.
func (s *StarService) ChargeForReading(ctx context.Context, id domain.Identity) (domain.ChargeResult, error) {
	return s.TryCharge(ctx, id, s.policy.ReadingCost)
}

// RunPaid charges cost, runs action, and refunds the charge if action fails.
// action is not run on a shortfall. If the device was merged meanwhile the
// refund lands on the account. The action error is returned as is; a
// failed refund is joined to it.
func (s *StarService) RunPaid(ctx context.Context, id domain.Identity, cost int, action func(ctx context.Context) error) (domain.ChargeResult, error) {
	res, err := s.TryCharge(ctx, id, cost)
	if err != nil || !res.OK {
		return res, err
	}

	actionErr := action(ctx)
	if actionErr == nil {
		return res, nil
	}

	// the caller's ctx may be the reason the action failed
	refundCtx := context.WithoutCancel(ctx)
	b, refundErr := s.Add(refundCtx, id, cost, domain.ReasonReadingRefund, "reading failed")
	if refundErr != nil {
		return res, errors.Join(actionErr, refundErr)
	}
	metrics.RecordCharge("refunded")
	s.audit.ReadingRefunded(ctx, b.Identity, cost, b.CurrentStars, actionErr)

	res.Balance = s.view(b)
	return res, actionErr
}
