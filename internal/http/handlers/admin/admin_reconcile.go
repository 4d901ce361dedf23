package admin

import (
	"strings"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RunRecoverPass 恢复卡单支付
func (h *Handler) RunRecoverPass(c *gin.Context) {
	h.runReconcilePass(c, constants.ReconcilePassRecover)
}

// RunCleanupPass 清理孤儿打款
func (h *Handler) RunCleanupPass(c *gin.Context) {
	h.runReconcilePass(c, constants.ReconcilePassCleanup)
}

// RunReleaseDuePass 到期自动放款
func (h *Handler) RunReleaseDuePass(c *gin.Context) {
	h.runReconcilePass(c, constants.ReconcilePassReleaseDue)
}

// runReconcilePass async=true 时投递队列，队列未启用则同步执行
func (h *Handler) runReconcilePass(c *gin.Context, pass string) {
	meta := manualMeta(c, "")
	meta.RunID = uuid.NewString()
	log := requestLog(c).With("pass", pass, "run_id", meta.RunID, "operator", meta.Operator)

	if isTruthy(c.Query("async")) {
		queued, err := h.ReconcileService.EnqueuePass(pass, meta)
		if err != nil {
			respondError(c, response.CodeInternal, "reconcile pass enqueue failed", err)
			return
		}
		if queued {
			log.Infow("admin_reconcile_pass_enqueued")
			response.Success(c, gin.H{
				"queued": true,
				"pass":   pass,
				"run_id": meta.RunID,
			})
			return
		}
		log.Infow("admin_reconcile_pass_queue_disabled_fallback")
	}

	summary, err := h.ReconcileService.RunPass(c.Request.Context(), pass, meta)
	if err != nil {
		respondLedgerError(c, err, "reconcile pass failed")
		return
	}
	log.Infow("admin_reconcile_pass_done")
	response.Success(c, gin.H{
		"queued":  false,
		"pass":    pass,
		"run_id":  meta.RunID,
		"summary": summary,
	})
}

// ListReconcileRecords 对账审计记录
func (h *Handler) ListReconcileRecords(c *gin.Context) {
	page, pageSize := parsePageQuery(c)
	targetID, err := parseUintQuery(c, "target_id")
	if err != nil {
		respondError(c, response.CodeBadRequest, err.Error(), nil)
		return
	}
	createdFrom, createdTo, err := parseCreatedRange(c)
	if err != nil {
		respondError(c, response.CodeBadRequest, "invalid time range", err)
		return
	}

	records, total, err := h.ReconcileService.ListRecords(repository.ReconciliationListFilter{
		Page:          page,
		PageSize:      pageSize,
		TargetType:    strings.TrimSpace(c.Query("target_type")),
		TargetID:      targetID,
		Source:        strings.TrimSpace(c.Query("source")),
		Outcome:       strings.TrimSpace(c.Query("outcome")),
		EventType:     strings.TrimSpace(c.Query("event_type")),
		RunID:         strings.TrimSpace(c.Query("run_id")),
		ExternalRef:   strings.TrimSpace(c.Query("external_ref")),
		GatewayStatus: strings.TrimSpace(c.Query("gateway_status")),
		CreatedFrom:   createdFrom,
		CreatedTo:     createdTo,
	})
	if err != nil {
		respondError(c, response.CodeInternal, "reconciliation records fetch failed", err)
		return
	}
	response.SuccessWithPage(c, records, response.BuildPagination(page, pageSize, total))
}

// GetReconcileSummary 各批次最近一次执行摘要
func (h *Handler) GetReconcileSummary(c *gin.Context) {
	summaries, err := h.ReconcileService.Summaries(c.Request.Context())
	if err != nil {
		respondError(c, response.CodeInternal, "reconcile summary fetch failed", err)
		return
	}
	response.Success(c, summaries)
}

// ListWebhookDeliveries 回调投递列表
func (h *Handler) ListWebhookDeliveries(c *gin.Context) {
	page, pageSize := parsePageQuery(c)
	deliveries, total, err := h.ReconcileService.ListWebhookDeliveries(repository.WebhookDeliveryListFilter{
		Page:        page,
		PageSize:    pageSize,
		Status:      strings.TrimSpace(c.Query("status")),
		EventType:   strings.TrimSpace(c.Query("event_type")),
		ExternalRef: strings.TrimSpace(c.Query("external_ref")),
	})
	if err != nil {
		respondError(c, response.CodeInternal, "webhook deliveries fetch failed", err)
		return
	}
	response.SuccessWithPage(c, deliveries, response.BuildPagination(page, pageSize, total))
}

// ReplayWebhookDelivery 重新处理回调投递
func (h *Handler) ReplayWebhookDelivery(c *gin.Context) {
	deliveryID, ok := parseIDParam(c, "invalid delivery id")
	if !ok {
		return
	}
	outcome, err := h.ReconcileService.ReplayWebhookDelivery(c.Request.Context(), deliveryID, currentOperator(c))
	if err != nil {
		respondLedgerError(c, err, "webhook replay failed")
		return
	}
	requestLog(c).Infow("admin_webhook_delivery_replayed",
		"delivery_id", deliveryID,
		"outcome", outcome.Outcome,
		"operator", currentOperator(c),
	)
	response.Success(c, outcome)
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
