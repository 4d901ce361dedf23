package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/provider"
	"github.com/escrow-ledger/internal/queue"
	"github.com/escrow-ledger/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskWebhookProcess, c.handleWebhookProcess)
	mux.HandleFunc(queue.TaskPayoutTransfer, c.handlePayoutTransfer)
	mux.HandleFunc(queue.TaskReconcilePass, c.handleReconcilePass)
}

func (c *Consumer) handleWebhookProcess(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_webhook_process_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.WebhookProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_webhook_process_unmarshal_failed", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.DeliveryID == 0 {
		logger.Debugw("worker_webhook_process_skip_invalid_payload", "delivery_id", payload.DeliveryID)
		return nil
	}
	outcome, err := c.ReconcileService.ProcessWebhookDelivery(ctx, payload.DeliveryID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWebhookDeliveryNotFound):
			logger.Debugw("worker_webhook_process_skip_not_found", "delivery_id", payload.DeliveryID)
			return nil
		case errors.Is(err, service.ErrWebhookInvalid):
			logger.Warnw("worker_webhook_process_invalid", "delivery_id", payload.DeliveryID, "error", err)
			return nil
		default:
			// 投递行已标记失败，定时重放批次与 asynq 重试共同兜底
			logger.Warnw("worker_webhook_process_failed", "delivery_id", payload.DeliveryID, "error", err)
			return err
		}
	}
	logger.Debugw("worker_webhook_process_done", "delivery_id", payload.DeliveryID, "outcome", outcome.Outcome)
	return nil
}

func (c *Consumer) handlePayoutTransfer(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payout_transfer_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PayoutTransferPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_payout_transfer_unmarshal_failed", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.PayoutID == 0 {
		logger.Debugw("worker_payout_transfer_skip_invalid_payload", "payout_id", payload.PayoutID)
		return nil
	}
	_, err := c.ReconcileService.InitiatePayoutTransfer(ctx, payload.PayoutID, service.ActionMeta{
		Source:   constants.ReconcileSourceSystem,
		Operator: strings.TrimSpace(payload.Operator),
	})
	if err != nil {
		return classifyPayoutTransferError(payload.PayoutID, err)
	}
	return nil
}

// classifyPayoutTransferError 传输类错误交给 asynq 重试，其余不重试
func classifyPayoutTransferError(payoutID uint, err error) error {
	switch {
	case errors.Is(err, service.ErrPayoutNotFound):
		logger.Debugw("worker_payout_transfer_skip_not_found", "payout_id", payoutID)
		return nil
	case service.IsStateMachineError(err):
		logger.Debugw("worker_payout_transfer_skip_state", "payout_id", payoutID, "error", err)
		return nil
	case gateway.IsTransportError(err):
		logger.Warnw("worker_payout_transfer_retry", "payout_id", payoutID, "error", err)
		return err
	default:
		logger.Warnw("worker_payout_transfer_failed", "payout_id", payoutID, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}

func (c *Consumer) handleReconcilePass(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_reconcile_pass_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.ReconcilePassPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_reconcile_pass_unmarshal_failed", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if !isKnownPass(payload.Pass) {
		logger.Warnw("worker_reconcile_pass_unknown", "pass", payload.Pass)
		return fmt.Errorf("unknown reconcile pass %q: %w", payload.Pass, asynq.SkipRetry)
	}
	_, err := c.ReconcileService.RunPass(ctx, payload.Pass, service.ActionMeta{
		Source:   payload.Source,
		Operator: payload.Operator,
		RunID:    payload.RunID,
	})
	if err != nil {
		logger.Warnw("worker_reconcile_pass_failed", "pass", payload.Pass, "run_id", payload.RunID, "error", err)
		return err
	}
	return nil
}

func isKnownPass(pass string) bool {
	switch strings.TrimSpace(pass) {
	case constants.ReconcilePassRecover,
		constants.ReconcilePassCleanup,
		constants.ReconcilePassReleaseDue,
		constants.ReconcilePassWebhookRetry:
		return true
	}
	return false
}
