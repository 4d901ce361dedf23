package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"

	"golang.org/x/sync/errgroup"
)

type recoveryOutcome int

const (
	recoveryRecovered recoveryOutcome = iota
	recoveryStillPending
	recoveryFlagged
	recoverySkipped
)

// gatewayLookup 网关查询结果
type gatewayLookup struct {
	status *gateway.TransactionStatus
	err    error
}

// RecoverStuckPayments 以网关为准修复长时间 pending 的支付
// 网关查询在任何事务之外并发完成，随后逐笔应用结果
func (s *ReconcileService) RecoverStuckPayments(ctx context.Context, meta ActionMeta) (*RecoverySummary, error) {
	startedAt := time.Now()
	meta = prepareMeta(meta, constants.ReconcileSourceScheduled)
	meta.EventType = ""
	summary := &RecoverySummary{RunID: meta.RunID}
	log := reconcileLogger("pass", constants.ReconcilePassRecover, "run_id", meta.RunID, "source", meta.Source)

	payments, err := s.paymentRepo.ListStuckPending(startedAt.Add(-s.opts.StuckAfter), s.opts.BatchSize)
	if err != nil {
		log.Errorw("reconcile_recover_list_failed", "error", err)
		return nil, err
	}
	lookups := s.lookupTransactions(ctx, payments)

	for i := range payments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome, err := s.applyRecovery(ctx, &payments[i], lookups[i], meta)
		if err != nil {
			log.Errorw("reconcile_recover_payment_failed", "payment_id", payments[i].ID, "error", err)
			summary.StillPending++
			continue
		}
		switch outcome {
		case recoveryRecovered:
			summary.Recovered++
		case recoveryStillPending:
			summary.StillPending++
		case recoveryFlagged:
			summary.Flagged++
		default:
			summary.Skipped++
		}
	}

	s.saveSummary(ctx, &cache.ReconcileSummary{
		Pass:         constants.ReconcilePassRecover,
		RunID:        meta.RunID,
		Source:       meta.Source,
		Operator:     meta.Operator,
		Recovered:    summary.Recovered,
		StillPending: summary.StillPending,
		Flagged:      summary.Flagged,
	}, startedAt)
	log.Infow("reconcile_recover_pass_done",
		"scanned", len(payments),
		"recovered", summary.Recovered,
		"still_pending", summary.StillPending,
		"flagged", summary.Flagged,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// lookupTransactions 并发查询网关，结果与输入按下标对应
func (s *ReconcileService) lookupTransactions(ctx context.Context, payments []models.Payment) []gatewayLookup {
	lookups := make([]gatewayLookup, len(payments))
	if s.gateway == nil {
		for i := range lookups {
			lookups[i].err = gateway.ErrUnavailable
		}
		return lookups
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Concurrency)
	for i := range payments {
		ref := strings.TrimSpace(payments[i].ExternalRef)
		if ref == "" {
			continue
		}
		group.Go(func() error {
			status, err := s.gateway.QueryTransactionStatus(groupCtx, ref)
			lookups[i] = gatewayLookup{status: status, err: err}
			return nil
		})
	}
	_ = group.Wait()
	return lookups
}

func (s *ReconcileService) applyRecovery(ctx context.Context, payment *models.Payment, lookup gatewayLookup, meta ActionMeta) (recoveryOutcome, error) {
	log := reconcileLogger("payment_id", payment.ID, "external_ref", payment.ExternalRef, "run_id", meta.RunID)
	if strings.TrimSpace(payment.ExternalRef) == "" {
		return s.flagPayment(payment, "missing gateway reference", meta)
	}
	if lookup.err != nil {
		if errors.Is(lookup.err, gateway.ErrStatusUnrecognized) || errors.Is(lookup.err, gateway.ErrResponseInvalid) {
			return s.flagPayment(payment, fmt.Sprintf("ambiguous gateway response: %v", lookup.err), meta)
		}
		log.Warnw("reconcile_recover_gateway_unavailable", "error", lookup.err)
		s.auditRecovery(payment, constants.ReconcileOutcomeRetryable, lookup.err.Error(), meta)
		return s.recordPendingAttempt(payment, meta)
	}
	if lookup.status == nil {
		return s.flagPayment(payment, "empty gateway response", meta)
	}

	status := lookup.status
	meta.Payload = models.JSON{"gateway_status": string(status.Status), "gateway_amount": status.Amount}
	switch status.Status {
	case gateway.StatusSucceeded:
		if status.Amount > 0 && status.Amount != payment.Amount {
			return s.flagPayment(payment, fmt.Sprintf("amount mismatch: gateway %d local %d", status.Amount, payment.Amount), meta)
		}
		if status.Currency != "" && !strings.EqualFold(status.Currency, payment.Currency) {
			return s.flagPayment(payment, fmt.Sprintf("currency mismatch: gateway %s local %s", status.Currency, payment.Currency), meta)
		}
		result, err := s.paymentSvc.ConfirmEscrow(payment.ID, payment.ExternalRef, meta)
		if err != nil {
			return s.handleRecoveryError(payment, constants.ReconcileActionConfirmEscrow, constants.PaymentStatusHeldInEscrow, meta, err)
		}
		if s.evaluateAutoRelease(ctx, result.Payment, meta) {
			log.Infow("reconcile_recover_auto_released")
		}
		return recoveryRecovered, nil
	case gateway.StatusFailed, gateway.StatusAbandoned:
		reason := fmt.Sprintf("gateway reported %s", status.Status)
		if _, err := s.paymentSvc.MarkFailed(payment.ID, reason, meta); err != nil {
			return s.handleRecoveryError(payment, constants.ReconcileActionFail, constants.PaymentStatusFailed, meta, err)
		}
		return recoveryRecovered, nil
	case gateway.StatusPending:
		s.auditRecovery(payment, constants.ReconcileOutcomePending, "gateway still pending", meta)
		return s.recordPendingAttempt(payment, meta)
	case gateway.StatusNotFound:
		return s.flagPayment(payment, "gateway has no record of this transaction", meta)
	}
	return s.flagPayment(payment, fmt.Sprintf("unrecognized gateway status %q", status.Status), meta)
}

// recordPendingAttempt 累加恢复次数，超过上限转人工复核
func (s *ReconcileService) recordPendingAttempt(payment *models.Payment, meta ActionMeta) (recoveryOutcome, error) {
	if err := s.paymentSvc.RecordRecoveryAttempt(payment.ID); err != nil {
		return recoveryStillPending, err
	}
	if payment.RecoveryAttempts+1 >= s.opts.MaxRecoveryAttempts && !payment.NeedsReview {
		return s.flagPayment(payment, fmt.Sprintf("still unresolved after %d recovery attempts", payment.RecoveryAttempts+1), meta)
	}
	return recoveryStillPending, nil
}

// flagPayment 转人工复核；同一原因已在复核中时只计为跳过
func (s *ReconcileService) flagPayment(payment *models.Payment, reason string, meta ActionMeta) (recoveryOutcome, error) {
	reason = strings.TrimSpace(reason)
	if payment.NeedsReview && payment.ReviewReason == reason {
		reconcileLogger("payment_id", payment.ID, "run_id", meta.RunID).Debugw("reconcile_payment_already_flagged", "reason", reason)
		return recoverySkipped, nil
	}
	if err := s.paymentSvc.FlagForReview(payment.ID, reason); err != nil {
		return recoveryFlagged, err
	}
	writeAuditRecord(s.recordRepo, auditEntry{
		action:     constants.ReconcileActionFlag,
		meta:       meta,
		targetType: constants.ReconcileTargetPayment,
		targetID:   payment.ID,
		refKey:     paymentRefKey(payment),
		before:     payment.Status,
		after:      payment.Status,
		outcome:    constants.ReconcileOutcomeFlagged,
		message:    reason,
	})
	reconcileLogger("payment_id", payment.ID, "run_id", meta.RunID).Warnw("reconcile_payment_flagged", "reason", reason)
	return recoveryFlagged, nil
}

func (s *ReconcileService) auditRecovery(payment *models.Payment, outcome, message string, meta ActionMeta) {
	writeAuditRecord(s.recordRepo, auditEntry{
		action:     constants.ReconcileActionRecover,
		meta:       meta,
		targetType: constants.ReconcileTargetPayment,
		targetID:   payment.ID,
		refKey:     paymentRefKey(payment),
		before:     payment.Status,
		after:      payment.Status,
		outcome:    outcome,
		message:    message,
	})
}

// handleRecoveryError 状态机拒绝写审计，交易号冲突转人工复核
func (s *ReconcileService) handleRecoveryError(payment *models.Payment, action, target string, meta ActionMeta, err error) (recoveryOutcome, error) {
	if !IsStateMachineError(err) {
		return recoveryStillPending, err
	}
	if errors.Is(err, ErrReferenceMismatch) {
		return s.flagPayment(payment, err.Error(), meta)
	}
	s.auditPaymentError(payment, action, target, meta, err)
	return recoverySkipped, nil
}
