package service

import "errors"

// 状态机错误
var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrStaleState          = errors.New("stale state")
	ErrDuplicateCapture    = errors.New("active payment already exists for booking")
	ErrReferenceMismatch   = errors.New("gateway reference mismatch")
	ErrTooLateToRefund     = errors.New("payment release already started")
	ErrDuplicatePayout     = errors.New("active payout already exists for payment")
	ErrTransferRefRequired = errors.New("transfer reference or manual override required")
	ErrPaymentNotReleased  = errors.New("payment is not released")
)

// 通用业务错误
var (
	ErrNotFound                = errors.New("not found")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrPayoutNotFound          = errors.New("payout not found")
	ErrWebhookDeliveryNotFound = errors.New("webhook delivery not found")
	ErrCaptureInvalid          = errors.New("capture request invalid")
	ErrAmountInvalid           = errors.New("amount invalid")
	ErrCurrencyRequired        = errors.New("currency required")
	ErrPayoutInvalid           = errors.New("payout invalid")
	ErrWebhookInvalid          = errors.New("webhook payload invalid")
	ErrWebhookSignature        = errors.New("webhook signature invalid")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
)

// IsStateMachineError 判断是否为状态机拒绝（非基础设施故障）
func IsStateMachineError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrStaleState),
		errors.Is(err, ErrDuplicateCapture),
		errors.Is(err, ErrReferenceMismatch),
		errors.Is(err, ErrTooLateToRefund),
		errors.Is(err, ErrDuplicatePayout),
		errors.Is(err, ErrTransferRefRequired),
		errors.Is(err, ErrPaymentNotReleased):
		return true
	}
	return false
}
