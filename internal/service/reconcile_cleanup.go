package service

import (
	"context"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"
)

// CleanupOrphanedPayouts 修复打款不变量
// 同一支付存在多笔进行中打款时保留最早一笔，其余置为失败
// 支付未放款（或不存在）的进行中打款置为失败
func (s *ReconcileService) CleanupOrphanedPayouts(ctx context.Context, meta ActionMeta) (*CleanupSummary, error) {
	startedAt := time.Now()
	meta = prepareMeta(meta, constants.ReconcileSourceScheduled)
	meta.EventType = constants.ReconcileActionCleanup
	summary := &CleanupSummary{RunID: meta.RunID}
	log := reconcileLogger("pass", constants.ReconcilePassCleanup, "run_id", meta.RunID, "source", meta.Source)

	paymentIDs, err := s.payoutRepo.ListPaymentIDsWithDuplicateActive(s.opts.BatchSize)
	if err != nil {
		log.Errorw("reconcile_cleanup_duplicate_scan_failed", "error", err)
		return nil, err
	}
	for _, paymentID := range paymentIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		active, err := s.payoutRepo.ListActiveByPaymentID(paymentID)
		if err != nil {
			log.Errorw("reconcile_cleanup_list_active_failed", "payment_id", paymentID, "error", err)
			continue
		}
		if len(active) < 2 {
			continue
		}
		for i := 1; i < len(active); i++ {
			if s.failPayout(&active[i], constants.PayoutFailureDuplicate, meta) {
				summary.Cleaned++
			} else {
				summary.Skipped++
			}
		}
	}

	orphans, err := s.payoutRepo.ListOrphanedActive(s.opts.BatchSize)
	if err != nil {
		log.Errorw("reconcile_cleanup_orphan_scan_failed", "error", err)
		return nil, err
	}
	for i := range orphans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.failPayout(&orphans[i], constants.PayoutFailureOrphaned, meta) {
			summary.Cleaned++
		} else {
			summary.Skipped++
		}
	}

	s.saveSummary(ctx, &cache.ReconcileSummary{
		Pass:     constants.ReconcilePassCleanup,
		RunID:    meta.RunID,
		Source:   meta.Source,
		Operator: meta.Operator,
		Cleaned:  summary.Cleaned,
	}, startedAt)
	log.Infow("reconcile_cleanup_pass_done",
		"duplicate_groups", len(paymentIDs),
		"orphans", len(orphans),
		"cleaned", summary.Cleaned,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// failPayout 返回是否实际置为失败
func (s *ReconcileService) failPayout(payout *models.Payout, reason string, meta ActionMeta) bool {
	log := reconcileLogger("payout_id", payout.ID, "payment_id", payout.PaymentID, "run_id", meta.RunID)
	result, err := s.payoutSvc.MarkFailed(payout.ID, reason, meta)
	if err != nil {
		if IsStateMachineError(err) {
			writeAuditRecord(s.recordRepo, auditEntry{
				action:     constants.ReconcileActionPayoutFail,
				meta:       meta,
				targetType: constants.ReconcileTargetPayout,
				targetID:   payout.ID,
				refKey:     payoutRefKey(payout.ID),
				before:     payout.Status,
				after:      constants.PayoutStatusFailed,
				outcome:    recordOutcomeForError(err),
				message:    err.Error(),
			})
			return false
		}
		log.Errorw("reconcile_cleanup_payout_failed", "error", err)
		return false
	}
	if result.Applied {
		log.Infow("reconcile_payout_cleaned", "reason", reason)
	}
	return result.Applied
}
