package shared

import (
	"errors"

	"github.com/escrow-ledger/internal/authz"
	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLog 提供携带 request_id 的日志实例。
func RequestLog(c *gin.Context) *zap.SugaredLogger {
	if c == nil {
		return logger.S()
	}
	if requestID, ok := c.Get("request_id"); ok {
		if id, ok := requestID.(string); ok && id != "" {
			return logger.SW("request_id", id)
		}
	}
	return logger.S()
}

// RespondError 返回错误响应，并在有原始错误时记录日志。
func RespondError(c *gin.Context, code int, msg string, err error) {
	appErr := response.WrapError(code, msg, err)
	if err != nil {
		RequestLog(c).Errorw("handler_error",
			"code", appErr.Code,
			"message", appErr.Message,
			"error", err,
		)
	}
	response.Error(c, appErr.Code, appErr.Message)
}

// MappedError 业务错误到接口错误码的映射
type MappedError struct {
	Target error
	Code   int
	Msg    string // 为空时使用错误本身的文案
}

// LedgerErrorRules 账务操作通用错误映射
var LedgerErrorRules = []MappedError{
	{Target: service.ErrPaymentNotFound, Code: response.CodeNotFound},
	{Target: service.ErrPayoutNotFound, Code: response.CodeNotFound},
	{Target: service.ErrWebhookDeliveryNotFound, Code: response.CodeNotFound},
	{Target: service.ErrStaleState, Code: response.CodeConflict},
	{Target: service.ErrDuplicateCapture, Code: response.CodeConflict},
	{Target: service.ErrDuplicatePayout, Code: response.CodeConflict},
	{Target: service.ErrReferenceMismatch, Code: response.CodeConflict},
	{Target: service.ErrInvalidTransition, Code: response.CodeUnprocessable},
	{Target: service.ErrTooLateToRefund, Code: response.CodeUnprocessable},
	{Target: service.ErrPaymentNotReleased, Code: response.CodeUnprocessable},
	{Target: service.ErrTransferRefRequired, Code: response.CodeBadRequest},
	{Target: service.ErrAmountInvalid, Code: response.CodeBadRequest},
	{Target: service.ErrCurrencyRequired, Code: response.CodeBadRequest},
	{Target: service.ErrCaptureInvalid, Code: response.CodeBadRequest},
	{Target: service.ErrPayoutInvalid, Code: response.CodeBadRequest},
	{Target: service.ErrWebhookInvalid, Code: response.CodeBadRequest},
	{Target: service.ErrWebhookSignature, Code: response.CodeUnauthorized},
	{Target: service.ErrGatewayUnavailable, Code: response.CodeUnavailable, Msg: "gateway unavailable"},
	{Target: gateway.ErrUnavailable, Code: response.CodeUnavailable, Msg: "gateway unavailable"},
	{Target: gateway.ErrTimeout, Code: response.CodeUnavailable, Msg: "gateway timeout"},
	{Target: gateway.ErrRequestFailed, Code: response.CodeUnavailable, Msg: "gateway request failed"},
}

// AuthzErrorRules 角色绑定错误映射
var AuthzErrorRules = []MappedError{
	{Target: authz.ErrUnknownRole, Code: response.CodeBadRequest},
	{Target: authz.ErrOperatorRequired, Code: response.CodeBadRequest},
	{Target: authz.ErrUnavailable, Code: response.CodeUnavailable, Msg: "authz unavailable"},
}

// RespondMappedError 按映射返回错误，未命中时使用兜底错误码并记录日志。
func RespondMappedError(c *gin.Context, err error, rules []MappedError, fallbackCode int, fallbackMsg string) {
	for _, rule := range rules {
		if errors.Is(err, rule.Target) {
			msg := rule.Msg
			if msg == "" {
				msg = rule.Target.Error()
			}
			RespondError(c, rule.Code, msg, nil)
			return
		}
	}
	RespondError(c, fallbackCode, fallbackMsg, err)
}
