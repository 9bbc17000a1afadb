package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/google/uuid"
)

const mergeHandlerName = "ledger.device_merge"

// MergeDeviceIntoAccount folds the refreshed device balance into the account
// and retires the device row. A second call for the same device is a no-op.
func (s *StarService) MergeDeviceIntoAccount(ctx context.Context, deviceID string, accountID uuid.UUID) (domain.MergeResult, error) {
	res, _, err := s.merge(ctx, "", deviceID, accountID)
	return res, err
}

// MergeDeviceOnce is the consumer entry point: the merge and the
// processed_messages fence commit together. processed=false means the
// message was already handled.
func (s *StarService) MergeDeviceOnce(ctx context.Context, messageID, deviceID string, accountID uuid.UUID) (domain.MergeResult, bool, error) {
	return s.merge(ctx, strings.TrimSpace(messageID), deviceID, accountID)
}

func (s *StarService) merge(ctx context.Context, messageID, deviceID string, accountID uuid.UUID) (domain.MergeResult, bool, error) {
	device := domain.AnonymousDevice(deviceID)
	if err := checkIdentity(device); err != nil {
		return domain.MergeResult{}, false, err
	}
	if accountID == uuid.Nil {
		return domain.MergeResult{}, false, domain.ErrInvalidIdentity
	}
	account := domain.AuthenticatedAccount(accountID)
	now := s.now()

	var (
		res       domain.MergeResult
		processed = true
	)
	err := s.store.WithTx(ctx, func(tx domain.LedgerTx) error {
		if messageID != "" {
			first, err := tx.MarkProcessed(ctx, messageID, mergeHandlerName)
			if err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
			if !first {
				processed = false
				return nil
			}
		}

		// "account:" sorts before "device:", so this is ascending key order.
		acct, err := s.loadForUpdate(ctx, tx, account, now)
		if err != nil {
			return err
		}
		res.AccountBalance = acct.CurrentStars

		dev, err := tx.LockBalance(ctx, device.Key())
		if errors.Is(err, domain.ErrBalanceNotFound) {
			// never seen: retire it empty so it cannot start its own grant later
			retired := s.policy.NewBalance(device, now)
			retired.CurrentStars = 0
			retired.MergedInto = account.Key()
			inserted, ierr := tx.InsertBalance(ctx, retired)
			if ierr != nil {
				return fmt.Errorf("retire device: %w", ierr)
			}
			if inserted {
				res.Merged = true
				return s.enqueueMerged(ctx, tx, device, account, 0)
			}
			// created concurrently: merge the live row instead
			dev, err = tx.LockBalance(ctx, device.Key())
		}
		if err != nil {
			return fmt.Errorf("lock device: %w", err)
		}
		if dev.Retired() {
			return nil
		}

		dev, _ = s.policy.Refill(dev, now)
		transfer := dev.CurrentStars
		res.Merged = true
		res.Transferred = transfer

		if transfer > 0 {
			if dev, err = s.move(ctx, tx, dev, -transfer, domain.ReasonDeviceMerge, "merged into "+account.Key(), now); err != nil {
				return err
			}
			if acct, err = s.move(ctx, tx, acct, transfer, domain.ReasonDeviceMerge, "merged from "+device.Key(), now); err != nil {
				return err
			}
			res.AccountBalance = acct.CurrentStars
		}

		dev.MergedInto = account.Key()
		dev.UpdatedAt = now
		if err := tx.SaveBalance(ctx, dev); err != nil {
			return fmt.Errorf("retire device: %w", err)
		}
		return s.enqueueMerged(ctx, tx, device, account, transfer)
	})
	if err != nil {
		return domain.MergeResult{}, false, err
	}
	if !processed {
		return domain.MergeResult{}, false, nil
	}

	metrics.RecordMerge(res.Merged)
	if res.Merged {
		metrics.RecordStars(string(domain.ReasonDeviceMerge), res.Transferred)
		s.audit.DeviceMerged(ctx, device, account, res.Transferred)
	}
	return res, true, nil
}

func (s *StarService) enqueueMerged(ctx context.Context, tx domain.LedgerTx, device, account domain.Identity, transferred int) error {
	return tx.Enqueue(ctx, appCtx.TraceID(ctx), event.RKDeviceMerged, event.DeviceMergedPayload{
		DeviceID:    device.ID,
		AccountID:   account.ID,
		Transferred: transferred,
	})
}
