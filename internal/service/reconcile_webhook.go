package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/queue"
)

// WebhookEvent 网关异步事件
type WebhookEvent struct {
	ExternalRef string
	EventType   string
	Payload     models.JSON
}

// WebhookOutcome 事件处理结果
type WebhookOutcome struct {
	Outcome   string `json:"outcome"`
	PaymentID uint   `json:"payment_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// webhookTargetStatus 事件对应的目标支付状态
func webhookTargetStatus(eventType string) (string, bool) {
	switch eventType {
	case constants.WebhookEventCaptured:
		return constants.PaymentStatusPending, true
	case constants.WebhookEventEscrowHeld:
		return constants.PaymentStatusHeldInEscrow, true
	case constants.WebhookEventReleased:
		return constants.PaymentStatusReleased, true
	case constants.WebhookEventFailed:
		return constants.PaymentStatusFailed, true
	case constants.WebhookEventRefunded:
		return constants.PaymentStatusRefunded, true
	}
	return "", false
}

func normalizeWebhookEvent(event WebhookEvent) (WebhookEvent, string, error) {
	event.ExternalRef = strings.TrimSpace(event.ExternalRef)
	event.EventType = strings.ToLower(strings.TrimSpace(event.EventType))
	if event.ExternalRef == "" {
		return event, "", ErrWebhookInvalid
	}
	target, ok := webhookTargetStatus(event.EventType)
	if !ok {
		return event, "", ErrWebhookInvalid
	}
	return event, target, nil
}

// IngestWebhook 持久化回调投递后处理
// 投递行写入成功即视为已接收，处理失败由重放批次兜底
func (s *ReconcileService) IngestWebhook(ctx context.Context, event WebhookEvent) (*models.WebhookDelivery, error) {
	event, target, err := normalizeWebhookEvent(event)
	if err != nil {
		return nil, err
	}
	delivery := &models.WebhookDelivery{
		ExternalRef: event.ExternalRef,
		EventType:   event.EventType,
		DedupeKey:   BuildDedupeKey(event.EventType, event.ExternalRef, target),
		Payload:     event.Payload,
		Status:      constants.WebhookDeliveryStatusReceived,
	}
	if err := s.deliveryRepo.Create(delivery); err != nil {
		return nil, err
	}
	log := reconcileLogger("delivery_id", delivery.ID, "external_ref", delivery.ExternalRef, "event_type", delivery.EventType)
	log.Infow("webhook_delivery_received")

	if s.queueClient != nil && s.queueClient.Enabled() {
		enqueueErr := s.queueClient.EnqueueWebhookProcess(queue.WebhookProcessPayload{DeliveryID: delivery.ID})
		if enqueueErr == nil {
			return delivery, nil
		}
		log.Warnw("webhook_enqueue_failed_process_inline", "error", enqueueErr)
	}
	if _, err := s.ProcessWebhookDelivery(ctx, delivery.ID); err != nil {
		log.Warnw("webhook_inline_process_failed", "error", err)
	}
	return delivery, nil
}

// ProcessWebhookDelivery 处理一条投递，已处理的投递直接返回
func (s *ReconcileService) ProcessWebhookDelivery(ctx context.Context, deliveryID uint) (*WebhookOutcome, error) {
	delivery, err := s.deliveryRepo.GetByID(deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, ErrWebhookDeliveryNotFound
	}
	if delivery.Status == constants.WebhookDeliveryStatusProcessed || delivery.Status == constants.WebhookDeliveryStatusIgnored {
		return &WebhookOutcome{Outcome: constants.ReconcileOutcomeNoop, Message: "delivery already handled"}, nil
	}
	return s.processDelivery(ctx, delivery)
}

// ReplayWebhookDelivery 人工重放投递，不论当前状态
func (s *ReconcileService) ReplayWebhookDelivery(ctx context.Context, deliveryID uint, operator string) (*WebhookOutcome, error) {
	delivery, err := s.deliveryRepo.GetByID(deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, ErrWebhookDeliveryNotFound
	}
	reconcileLogger("delivery_id", delivery.ID, "operator", operator).Infow("webhook_delivery_replay")
	return s.processDelivery(ctx, delivery)
}

func (s *ReconcileService) processDelivery(ctx context.Context, delivery *models.WebhookDelivery) (*WebhookOutcome, error) {
	outcome, err := s.HandleWebhookEvent(ctx, WebhookEvent{
		ExternalRef: delivery.ExternalRef,
		EventType:   delivery.EventType,
		Payload:     delivery.Payload,
	})
	if err != nil {
		if markErr := s.deliveryRepo.MarkResult(delivery.ID, constants.WebhookDeliveryStatusFailed, err.Error(), nil); markErr != nil {
			reconcileLogger("delivery_id", delivery.ID).Errorw("webhook_delivery_mark_failed", "error", markErr)
		}
		return nil, err
	}
	status := constants.WebhookDeliveryStatusProcessed
	if outcome.Outcome == constants.ReconcileOutcomeIgnored {
		status = constants.WebhookDeliveryStatusIgnored
	}
	now := time.Now()
	if err := s.deliveryRepo.MarkResult(delivery.ID, status, "", &now); err != nil {
		return nil, err
	}
	return outcome, nil
}

// HandleWebhookEvent 将网关事件映射为状态机调用
// 状态机拒绝转为审计记录，只有基础设施错误向上返回
func (s *ReconcileService) HandleWebhookEvent(ctx context.Context, event WebhookEvent) (*WebhookOutcome, error) {
	event, target, err := normalizeWebhookEvent(event)
	if err != nil {
		return nil, err
	}
	meta := ActionMeta{
		Source:    constants.ReconcileSourceWebhook,
		EventType: event.EventType,
		Payload:   event.Payload,
	}
	log := reconcileLogger("external_ref", event.ExternalRef, "event_type", event.EventType)

	payment, err := s.paymentRepo.GetByExternalRef(event.ExternalRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		log.Infow("webhook_payment_not_found")
		writeAuditRecord(s.recordRepo, auditEntry{
			action:     event.EventType,
			meta:       meta,
			targetType: constants.ReconcileTargetPayment,
			refKey:     event.ExternalRef,
			after:      target,
			outcome:    constants.ReconcileOutcomeIgnored,
			message:    "unknown external reference",
		})
		return &WebhookOutcome{Outcome: constants.ReconcileOutcomeIgnored, Message: "unknown external reference"}, nil
	}
	log = log.With("payment_id", payment.ID)

	dedupeKey := BuildDedupeKey(event.EventType, paymentRefKey(payment), target)
	if event.EventType != constants.WebhookEventCaptured {
		applied, err := s.recordRepo.ExistsApplied(dedupeKey)
		if err != nil {
			return nil, err
		}
		if applied {
			log.Infow("webhook_duplicate_delivery")
			s.auditWebhookNoop(payment, target, meta, "duplicate delivery")
			return &WebhookOutcome{Outcome: constants.ReconcileOutcomeNoop, PaymentID: payment.ID, Status: payment.Status, Message: "duplicate delivery"}, nil
		}
	}

	var result *TransitionResult
	switch event.EventType {
	case constants.WebhookEventCaptured:
		s.auditWebhookNoop(payment, target, meta, "payment exists")
		return &WebhookOutcome{Outcome: constants.ReconcileOutcomeNoop, PaymentID: payment.ID, Status: payment.Status, Message: "payment exists"}, nil
	case constants.WebhookEventEscrowHeld:
		result, err = s.paymentSvc.ConfirmEscrow(payment.ID, event.ExternalRef, meta)
	case constants.WebhookEventReleased:
		result, err = s.releaseFromWebhook(payment, meta)
	case constants.WebhookEventFailed:
		result, err = s.paymentSvc.MarkFailed(payment.ID, webhookReason(event.Payload, "gateway reported failure"), meta)
	case constants.WebhookEventRefunded:
		result, err = s.paymentSvc.Refund(payment.ID, webhookReason(event.Payload, "gateway reported refund"), meta)
	}
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return &WebhookOutcome{Outcome: constants.ReconcileOutcomeIgnored, Message: err.Error()}, nil
		}
		if !IsStateMachineError(err) {
			return nil, err
		}
		current, readErr := s.paymentRepo.GetByID(payment.ID)
		if readErr == nil && current != nil {
			payment = current
		}
		s.auditPaymentError(payment, event.EventType, target, meta, err)
		log.Infow("webhook_transition_rejected", "status", payment.Status, "error", err)
		return &WebhookOutcome{
			Outcome:   recordOutcomeForError(err),
			PaymentID: payment.ID,
			Status:    payment.Status,
			Message:   err.Error(),
		}, nil
	}
	if !result.Applied {
		s.auditWebhookNoop(result.Payment, target, meta, "already applied")
		return &WebhookOutcome{Outcome: constants.ReconcileOutcomeNoop, PaymentID: payment.ID, Status: result.Payment.Status}, nil
	}
	s.scheduleTransfer(result.Payout, meta)
	log.Infow("webhook_transition_applied", "status", result.Payment.Status)
	return &WebhookOutcome{Outcome: constants.ReconcileOutcomeApplied, PaymentID: payment.ID, Status: result.Payment.Status}, nil
}

// releaseFromWebhook 托管中先开始放款再确认，已在放款中则直接确认
func (s *ReconcileService) releaseFromWebhook(payment *models.Payment, meta ActionMeta) (*TransitionResult, error) {
	if payment.Status == constants.PaymentStatusHeldInEscrow {
		if _, err := s.paymentSvc.BeginRelease(payment.ID, meta); err != nil {
			return nil, err
		}
	}
	return s.paymentSvc.ConfirmRelease(payment.ID, meta)
}

func (s *ReconcileService) auditWebhookNoop(payment *models.Payment, target string, meta ActionMeta, message string) {
	writeAuditRecord(s.recordRepo, auditEntry{
		action:     meta.EventType,
		meta:       meta,
		targetType: constants.ReconcileTargetPayment,
		targetID:   payment.ID,
		refKey:     paymentRefKey(payment),
		before:     payment.Status,
		after:      target,
		outcome:    constants.ReconcileOutcomeNoop,
		message:    message,
	})
}

func webhookReason(payload models.JSON, fallback string) string {
	if payload != nil {
		for _, key := range []string{"reason", "failure_reason", "message"} {
			if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	return fallback
}

// RetryWebhookDeliveries 重放未成功处理的投递
func (s *ReconcileService) RetryWebhookDeliveries(ctx context.Context, meta ActionMeta) (*WebhookRetrySummary, error) {
	startedAt := time.Now()
	meta = prepareMeta(meta, constants.ReconcileSourceScheduled)
	summary := &WebhookRetrySummary{RunID: meta.RunID}
	log := reconcileLogger("pass", constants.ReconcilePassWebhookRetry, "run_id", meta.RunID)

	deliveries, err := s.deliveryRepo.ListRetryable(startedAt.Add(-time.Minute), s.opts.WebhookMaxAttempts, s.opts.BatchSize)
	if err != nil {
		log.Errorw("reconcile_webhook_retry_list_failed", "error", err)
		return nil, err
	}
	for i := range deliveries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := s.processDelivery(ctx, &deliveries[i]); err != nil {
			summary.Failed++
			log.Warnw("reconcile_webhook_retry_failed", "delivery_id", deliveries[i].ID, "error", err)
			continue
		}
		summary.Processed++
	}

	s.saveSummary(ctx, &cache.ReconcileSummary{
		Pass:      constants.ReconcilePassWebhookRetry,
		RunID:     meta.RunID,
		Source:    meta.Source,
		Processed: summary.Processed,
		Failed:    summary.Failed,
	}, startedAt)
	log.Infow("reconcile_webhook_retry_pass_done", "processed", summary.Processed, "failed", summary.Failed)
	return summary, nil
}
