package service

import (
	"context"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"
)

// AutoReleasePolicy 托管到期自动放款策略
type AutoReleasePolicy struct {
	Enabled bool
	HoldFor time.Duration
}

// Due 判断支付是否满足自动放款条件
func (p AutoReleasePolicy) Due(payment *models.Payment, now time.Time) bool {
	if !p.Enabled || payment == nil {
		return false
	}
	if payment.Status != constants.PaymentStatusHeldInEscrow || payment.NeedsReview || payment.HeldAt == nil {
		return false
	}
	return !now.Before(payment.HeldAt.Add(p.HoldFor))
}

// evaluateAutoRelease 在托管确认后评估自动放款，返回是否已放款
func (s *ReconcileService) evaluateAutoRelease(ctx context.Context, payment *models.Payment, meta ActionMeta) bool {
	if !s.opts.AutoRelease.Due(payment, time.Now()) {
		return false
	}
	meta.EventType = ""
	if _, err := s.ReleasePayment(ctx, payment.ID, meta); err != nil {
		s.auditPaymentError(payment, constants.ReconcileActionBeginRelease, constants.PaymentStatusProcessingRelease, meta, err)
		return false
	}
	return true
}

// ReleaseDueEscrows 释放托管到期的支付
func (s *ReconcileService) ReleaseDueEscrows(ctx context.Context, meta ActionMeta) (*ReleaseSummary, error) {
	startedAt := time.Now()
	meta = prepareMeta(meta, constants.ReconcileSourceScheduled)
	summary := &ReleaseSummary{RunID: meta.RunID, Enabled: s.opts.AutoRelease.Enabled}
	log := reconcileLogger("pass", constants.ReconcilePassReleaseDue, "run_id", meta.RunID, "source", meta.Source)

	// 中断的放款与自动放款开关无关，总是续做
	if err := s.resumeStalledReleases(ctx, startedAt, meta, summary); err != nil {
		log.Errorw("reconcile_release_resume_list_failed", "error", err)
		return nil, err
	}

	var payments []models.Payment
	if s.opts.AutoRelease.Enabled {
		held, err := s.paymentRepo.ListHeldBefore(startedAt.Add(-s.opts.AutoRelease.HoldFor), s.opts.BatchSize)
		if err != nil {
			log.Errorw("reconcile_release_due_list_failed", "error", err)
			return nil, err
		}
		payments = held
	} else {
		log.Debugw("reconcile_release_due_disabled")
	}
	for i := range payments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payment := &payments[i]
		if _, err := s.ReleasePayment(ctx, payment.ID, meta); err != nil {
			if IsStateMachineError(err) {
				summary.Skipped++
				s.auditPaymentError(payment, constants.ReconcileActionBeginRelease, constants.PaymentStatusProcessingRelease, meta, err)
				continue
			}
			summary.Failed++
			log.Errorw("reconcile_release_due_payment_failed", "payment_id", payment.ID, "error", err)
			continue
		}
		summary.Released++
	}

	s.saveSummary(ctx, &cache.ReconcileSummary{
		Pass:     constants.ReconcilePassReleaseDue,
		RunID:    meta.RunID,
		Source:   meta.Source,
		Operator: meta.Operator,
		Released: summary.Released + summary.Resumed,
		Failed:   summary.Failed,
	}, startedAt)
	log.Infow("reconcile_release_due_pass_done",
		"resumed", summary.Resumed,
		"released", summary.Released,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

// resumeStalledReleases 续做停在 processing_release 超过 StuckAfter 的放款
func (s *ReconcileService) resumeStalledReleases(ctx context.Context, startedAt time.Time, meta ActionMeta, summary *ReleaseSummary) error {
	payments, err := s.paymentRepo.ListProcessingReleaseBefore(startedAt.Add(-s.opts.StuckAfter), s.opts.BatchSize)
	if err != nil {
		return err
	}
	for i := range payments {
		if err := ctx.Err(); err != nil {
			return err
		}
		payment := &payments[i]
		result, err := s.paymentSvc.ConfirmRelease(payment.ID, meta)
		if err != nil {
			if IsStateMachineError(err) {
				summary.Skipped++
			} else {
				summary.Failed++
			}
			s.auditPaymentError(payment, constants.ReconcileActionConfirmRelease, constants.PaymentStatusReleased, meta, err)
			reconcileLogger("payment_id", payment.ID, "run_id", meta.RunID).Warnw("reconcile_release_resume_failed", "error", err)
			continue
		}
		summary.Resumed++
		s.scheduleTransfer(result.Payout, meta)
	}
	return nil
}

// auditPaymentError 将状态机拒绝写入审计记录
func (s *ReconcileService) auditPaymentError(payment *models.Payment, action, target string, meta ActionMeta, err error) {
	writeAuditRecord(s.recordRepo, auditEntry{
		action:     action,
		meta:       meta,
		targetType: constants.ReconcileTargetPayment,
		targetID:   payment.ID,
		refKey:     paymentRefKey(payment),
		before:     payment.Status,
		after:      target,
		outcome:    recordOutcomeForError(err),
		message:    err.Error(),
	})
}
