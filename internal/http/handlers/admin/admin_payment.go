package admin

import (
	"strings"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/repository"
	"github.com/escrow-ledger/internal/service"

	"github.com/gin-gonic/gin"
)

// CapturePaymentRequest 登记支付请求
type CapturePaymentRequest struct {
	BookingID     uint        `json:"booking_id" binding:"required"`
	ProviderID    uint        `json:"provider_id" binding:"required"`
	Amount        int64       `json:"amount" binding:"required"`
	PlatformFee   *int64      `json:"platform_fee"`
	Currency      string      `json:"currency" binding:"required"`
	ExternalRef   string      `json:"external_ref"`
	PayoutAccount models.JSON `json:"payout_account"`
}

// ConfirmEscrowRequest 确认托管请求
type ConfirmEscrowRequest struct {
	GatewayRef string `json:"gateway_ref"`
}

// RefundPaymentRequest 退款请求
type RefundPaymentRequest struct {
	Reason string `json:"reason"`
}

func manualMeta(c *gin.Context, message string) service.ActionMeta {
	return service.ActionMeta{
		Source:   constants.ReconcileSourceManual,
		Operator: currentOperator(c),
		Message:  strings.TrimSpace(message),
	}
}

func paymentTransitionPayload(result *service.TransitionResult) gin.H {
	return gin.H{
		"applied": result.Applied,
		"payment": result.Payment,
		"payout":  result.Payout,
	}
}

// ListPayments 支付列表
func (h *Handler) ListPayments(c *gin.Context) {
	page, pageSize := parsePageQuery(c)
	bookingID, err := parseUintQuery(c, "booking_id")
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
	var needsReview *bool
	switch strings.ToLower(strings.TrimSpace(c.Query("needs_review"))) {
	case "true", "1":
		flag := true
		needsReview = &flag
	case "false", "0":
		flag := false
		needsReview = &flag
	}

	payments, total, err := h.PaymentService.ListAdmin(repository.PaymentListFilter{
		Page:        page,
		PageSize:    pageSize,
		BookingID:   bookingID,
		ProviderID:  providerID,
		Status:      strings.TrimSpace(c.Query("status")),
		NeedsReview: needsReview,
		Search:      strings.TrimSpace(c.Query("search")),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	})
	if err != nil {
		respondError(c, response.CodeInternal, "payment list fetch failed", err)
		return
	}
	response.SuccessWithPage(c, payments, response.BuildPagination(page, pageSize, total))
}

// GetPayment 支付详情，附带打款与对账记录
func (h *Handler) GetPayment(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "invalid payment id")
	if !ok {
		return
	}
	payment, err := h.PaymentService.GetByID(paymentID)
	if err != nil {
		respondLedgerError(c, err, "payment fetch failed")
		return
	}
	payouts, err := h.PayoutService.ListByPaymentID(paymentID)
	if err != nil {
		respondError(c, response.CodeInternal, "payout list fetch failed", err)
		return
	}
	records, err := h.PaymentService.ListRecords(paymentID)
	if err != nil {
		respondError(c, response.CodeInternal, "reconciliation records fetch failed", err)
		return
	}
	response.Success(c, gin.H{
		"payment": payment,
		"payouts": payouts,
		"records": records,
	})
}

// CapturePayment 登记支付
func (h *Handler) CapturePayment(c *gin.Context) {
	var req CapturePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "invalid request body", err)
		return
	}
	payment, err := h.PaymentService.Capture(service.CaptureInput{
		BookingID:     req.BookingID,
		ProviderID:    req.ProviderID,
		Amount:        req.Amount,
		PlatformFee:   req.PlatformFee,
		Currency:      req.Currency,
		ExternalRef:   req.ExternalRef,
		PayoutAccount: req.PayoutAccount,
		Meta:          manualMeta(c, ""),
	})
	if err != nil {
		requestLog(c).Infow("admin_payment_capture_rejected",
			"booking_id", req.BookingID,
			"external_ref", req.ExternalRef,
			"error", err,
		)
		respondLedgerError(c, err, "payment capture failed")
		return
	}
	requestLog(c).Infow("admin_payment_captured",
		"payment_id", payment.ID,
		"booking_id", payment.BookingID,
		"operator", currentOperator(c),
	)
	response.Success(c, payment)
}

// ConfirmEscrow 人工确认托管
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "invalid payment id")
	if !ok {
		return
	}
	var req ConfirmEscrowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, response.CodeBadRequest, "invalid request body", err)
			return
		}
	}
	result, err := h.PaymentService.ConfirmEscrow(paymentID, strings.TrimSpace(req.GatewayRef), manualMeta(c, ""))
	if err != nil {
		respondLedgerError(c, err, "escrow confirm failed")
		return
	}
	response.Success(c, paymentTransitionPayload(result))
}

// ReleasePayment 放款并创建打款
func (h *Handler) ReleasePayment(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "invalid payment id")
	if !ok {
		return
	}
	result, err := h.ReconcileService.ReleasePayment(c.Request.Context(), paymentID, manualMeta(c, ""))
	if err != nil {
		respondLedgerError(c, err, "payment release failed")
		return
	}
	requestLog(c).Infow("admin_payment_released",
		"payment_id", paymentID,
		"applied", result.Applied,
		"operator", currentOperator(c),
	)
	response.Success(c, paymentTransitionPayload(result))
}

// RefundPayment 托管退款
func (h *Handler) RefundPayment(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "invalid payment id")
	if !ok {
		return
	}
	var req RefundPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, response.CodeBadRequest, "invalid request body", err)
			return
		}
	}
	result, err := h.PaymentService.Refund(paymentID, strings.TrimSpace(req.Reason), manualMeta(c, req.Reason))
	if err != nil {
		respondLedgerError(c, err, "payment refund failed")
		return
	}
	requestLog(c).Infow("admin_payment_refunded",
		"payment_id", paymentID,
		"applied", result.Applied,
		"operator", currentOperator(c),
	)
	response.Success(c, paymentTransitionPayload(result))
}

// ResolvePaymentReview 清除人工复核标记
func (h *Handler) ResolvePaymentReview(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "invalid payment id")
	if !ok {
		return
	}
	payment, err := h.PaymentService.ResolveReview(paymentID, manualMeta(c, ""))
	if err != nil {
		respondLedgerError(c, err, "review resolve failed")
		return
	}
	response.Success(c, payment)
}
