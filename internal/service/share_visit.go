package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/logger"
)

// AwardShareVisit credits the owner of a shared reading for a qualifying visit.
//
// Gates, first failure wins:
//
//	self-view                          -> skipped
//	visitor already awarded this share -> duplicate
//	visitor awarded elsewhere today    -> visitor_capped
//	owner at daily cap                 -> owner_capped
//
// The visitor-day and owner-day scopes are locked before any check, so two
// concurrent visits of the same tuple produce one ok and one duplicate.
func (s *StarService) AwardShareVisit(ctx context.Context, sharedID string, visitor, owner domain.Identity) (domain.ShareVisitResult, error) {
	sharedID = strings.TrimSpace(sharedID)
	if sharedID == "" {
		return domain.ShareVisitResult{}, domain.ErrMissingSharedID
	}
	if err := checkIdentity(visitor); err != nil {
		return domain.ShareVisitResult{}, err
	}
	if owner.IsZero() {
		return domain.ShareVisitResult{}, domain.ErrMissingOwner
	}
	if err := owner.Validate(); err != nil {
		return domain.ShareVisitResult{}, err
	}

	if visitor.Key() == owner.Key() {
		return s.shareOutcome(domain.ShareSkipped), nil
	}

	now := s.now()
	day := s.policy.DateKey(now)

	if s.cache != nil {
		// fast-fail only; errors and misses fall through to the store
		if prev, err := s.cache.VisitorAwardedShare(ctx, visitor.Key(), day); err == nil && prev != "" {
			switch {
			case prev == sharedID:
				return s.shareOutcome(domain.ShareDuplicate), nil
			case s.policy.VisitorDailyCap <= 1:
				// the cache remembers one share per day, enough only for a cap of one
				return s.shareOutcome(domain.ShareVisitorCapped), nil
			}
		}
	}

	var (
		credited domain.Balance
		err      error
	)
	// A concurrent merge can retire a device owner between the peek and the lock;
	// the second attempt sees the merged row and credits the account.
	for attempt := 0; attempt < 2; attempt++ {
		credited, err = s.awardTx(ctx, sharedID, visitor, owner, day, now)
		if !errors.Is(err, domain.ErrOwnerMoved) {
			break
		}
	}
	if outcome, ok := domain.ShareOutcomeFor(err); ok {
		return s.shareOutcome(outcome), nil
	}
	if err != nil {
		return domain.ShareVisitResult{}, err
	}

	if nerr := s.store.UpsertNotification(ctx, credited.Identity.Key(), sharedID, day, now); nerr != nil {
		logger.WithCtx(ctx).Warn().Err(nerr).
			Str("owner", credited.Identity.Key()).
			Str("shared_id", sharedID).
			Msg("notification upsert failed")
	}
	if s.cache != nil {
		ttl := s.policy.NextMidnight(now).Sub(now)
		if cerr := s.cache.MarkVisitorAwarded(ctx, visitor.Key(), day, sharedID, ttl); cerr != nil {
			logger.WithCtx(ctx).Debug().Err(cerr).Msg("visitor award cache write failed")
		}
	}

	metrics.RecordStars(string(domain.ReasonShareAward), s.policy.ShareAwardStars)
	s.audit.ShareAwarded(ctx, sharedID, visitor, credited.Identity, day)

	res := s.shareOutcome(domain.ShareOK)
	res.OwnerBalance = credited.CurrentStars
	return res, nil
}

func (s *StarService) shareOutcome(o domain.ShareOutcome) domain.ShareVisitResult {
	metrics.RecordShareVisit(string(o))
	return domain.ShareVisitResult{Outcome: o}
}

func (s *StarService) awardTx(ctx context.Context, sharedID string, visitor, owner domain.Identity, day string, now time.Time) (domain.Balance, error) {
	var credited domain.Balance
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		target, err := s.resolveOwner(ctx, tx, owner)
		if err != nil {
			return err
		}
		if target.Key() == visitor.Key() {
			return domain.ErrSelfView
		}

		if err := tx.LockScope(ctx, "visitor-day:"+visitor.Key()+":"+day); err != nil {
			return err
		}
		if err := tx.LockScope(ctx, "owner-day:"+target.Key()+":"+day); err != nil {
			return err
		}

		awards, err := tx.VisitorAwardsOn(ctx, visitor.Key(), day)
		if err != nil {
			return fmt.Errorf("visitor awards: %w", err)
		}
		for _, a := range awards {
			if a.SharedID == sharedID {
				return domain.ErrDuplicateVisit
			}
		}
		if len(awards) >= s.policy.VisitorDailyCap {
			return domain.ErrVisitorCapped
		}

		n, err := tx.OwnerAwardCount(ctx, target.Key(), day)
		if err != nil {
			return fmt.Errorf("owner awards: %w", err)
		}
		if (n+1)*s.policy.ShareAwardStars > s.policy.OwnerDailyCap {
			return domain.ErrOwnerCapped
		}

		inserted, err := tx.InsertShareVisitAward(ctx, domain.ShareVisitAward{
			SharedID:  sharedID,
			VisitorID: visitor.Key(),
			OwnerID:   target.Key(),
			DateKey:   day,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("insert award: %w", err)
		}
		if !inserted {
			return domain.ErrDuplicateVisit
		}

		b, err := s.loadForUpdate(ctx, tx, target, now)
		if err != nil {
			return err
		}
		if b.Retired() {
			return domain.ErrOwnerMoved
		}
		if credited, err = s.move(ctx, tx, b, s.policy.ShareAwardStars, domain.ReasonShareAward, "share visit "+sharedID, now); err != nil {
			return err
		}

		return tx.Enqueue(ctx, appCtx.TraceID(ctx), event.RKShareAwarded, event.ShareAwardedPayload{
			SharedID: sharedID,
			OwnerID:  target.Key(),
			DateKey:  day,
			Stars:    s.policy.ShareAwardStars,
		})
	})
	return credited, err
}

// resolveOwner follows a merged device to the account that absorbed it.
func (s *StarService) resolveOwner(ctx context.Context, tx domain.LedgerTx, owner domain.Identity) (domain.Identity, error) {
	if owner.IsAccount() {
		return owner, nil
	}
	b, err := tx.PeekBalance(ctx, owner.Key())
	if errors.Is(err, domain.ErrBalanceNotFound) {
		return owner, nil
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("peek owner: %w", err)
	}
	if !b.Retired() {
		return owner, nil
	}
	return domain.ParseIdentityKey(b.MergedInto)
}
