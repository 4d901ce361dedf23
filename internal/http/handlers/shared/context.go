package shared

import (
	"github.com/escrow-ledger/internal/authz"
	"github.com/escrow-ledger/internal/http/response"

	"github.com/gin-gonic/gin"
)

// OperatorContextKey 鉴权中间件写入的操作员身份
const OperatorContextKey = "operator"

// SetContextOperator 写入当前请求的操作员身份
func SetContextOperator(c *gin.Context, op authz.Operator) {
	c.Set(OperatorContextKey, op)
}

// ContextOperator 读取当前请求的操作员身份，未鉴权时 ok=false
func ContextOperator(c *gin.Context) (authz.Operator, bool) {
	value, exists := c.Get(OperatorContextKey)
	if !exists {
		return authz.Operator{}, false
	}
	op, ok := value.(authz.Operator)
	if !ok || op.Subject == "" {
		return authz.Operator{}, false
	}
	return op, true
}

// RequireContextOperator 读取操作员身份并统一处理错误响应。
func RequireContextOperator(c *gin.Context) (authz.Operator, bool) {
	op, ok := ContextOperator(c)
	if !ok {
		RespondError(c, response.CodeUnauthorized, "unauthorized", nil)
		return authz.Operator{}, false
	}
	return op, true
}
