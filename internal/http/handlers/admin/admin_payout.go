package admin

import (
	"strings"

	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/repository"
	"github.com/escrow-ledger/internal/service"

	"github.com/gin-gonic/gin"
)

// MarkPayoutPaidRequest 人工确认打款请求
type MarkPayoutPaidRequest struct {
	TransferRef    string `json:"transfer_ref"`
	ManualOverride bool   `json:"manual_override"`
}

// FailPayoutRequest 打款失败请求
type FailPayoutRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ListPayouts 打款列表
func (h *Handler) ListPayouts(c *gin.Context) {
	page, pageSize := parsePageQuery(c)
	paymentID, err := parseUintQuery(c, "payment_id")
	if err != nil {
		respondError(c, response.CodeBadRequest, err.Error(), nil)
		return
	}
	providerID, err := parseUintQuery(c, "provider_id")
	if err != nil {
		respondError(c, response.CodeBadRequest, err.Error(), nil)
		return
	}
	createdFrom, createdTo, err := parseCreatedRange(c)
	if err != nil {
		respondError(c, response.CodeBadRequest, "invalid time range", err)
		return
	}

	payouts, total, err := h.PayoutService.ListAdmin(repository.PayoutListFilter{
		Page:        page,
		PageSize:    pageSize,
		PaymentID:   paymentID,
		ProviderID:  providerID,
		Status:      strings.TrimSpace(c.Query("status")),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	})
	if err != nil {
		respondError(c, response.CodeInternal, "payout list fetch failed", err)
		return
	}
	response.SuccessWithPage(c, payouts, response.BuildPagination(page, pageSize, total))
}

// GetPayout 打款详情
func (h *Handler) GetPayout(c *gin.Context) {
	payoutID, ok := parseIDParam(c, "invalid payout id")
	if !ok {
		return
	}
	payout, err := h.PayoutService.GetByID(payoutID)
	if err != nil {
		respondLedgerError(c, err, "payout fetch failed")
		return
	}
	response.Success(c, payout)
}

// MarkPayoutPaid 人工确认打款完成
// 业务拒绝通过 success=false 返回，不视为接口错误
func (h *Handler) MarkPayoutPaid(c *gin.Context) {
	payoutID, ok := parseIDParam(c, "invalid payout id")
	if !ok {
		return
	}
	var req MarkPayoutPaidRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, response.CodeBadRequest, "invalid request body", err)
			return
		}
	}
	result, err := h.ReconcileService.MarkPayoutPaid(c.Request.Context(), service.MarkPayoutPaidInput{
		PayoutID:       payoutID,
		TransferRef:    strings.TrimSpace(req.TransferRef),
		ManualOverride: req.ManualOverride,
		Operator:       currentOperator(c),
	})
	if err != nil {
		respondLedgerError(c, err, "payout mark paid failed")
		return
	}
	response.Success(c, result)
}

// TransferPayout 通过网关发起打款转账
func (h *Handler) TransferPayout(c *gin.Context) {
	payoutID, ok := parseIDParam(c, "invalid payout id")
	if !ok {
		return
	}
	result, err := h.ReconcileService.InitiatePayoutTransfer(c.Request.Context(), payoutID, manualMeta(c, ""))
	if err != nil {
		respondLedgerError(c, err, "payout transfer failed")
		return
	}
	requestLog(c).Infow("admin_payout_transfer_initiated",
		"payout_id", payoutID,
		"applied", result.Applied,
		"operator", currentOperator(c),
	)
	response.Success(c, gin.H{
		"applied": result.Applied,
		"payout":  result.Payout,
	})
}

// FailPayout 人工标记打款失败
func (h *Handler) FailPayout(c *gin.Context) {
	payoutID, ok := parseIDParam(c, "invalid payout id")
	if !ok {
		return
	}
	var req FailPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "invalid request body", err)
		return
	}
	result, err := h.PayoutService.MarkFailed(payoutID, strings.TrimSpace(req.Reason), manualMeta(c, req.Reason))
	if err != nil {
		respondLedgerError(c, err, "payout fail failed")
		return
	}
	response.Success(c, gin.H{
		"applied": result.Applied,
		"payout":  result.Payout,
	})
}
