package admin

import (
	handlershared "github.com/escrow-ledger/internal/http/handlers/shared"
	"github.com/escrow-ledger/internal/http/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func requestLog(c *gin.Context) *zap.SugaredLogger {
	return handlershared.RequestLog(c)
}

func respondError(c *gin.Context, code int, msg string, err error) {
	handlershared.RespondError(c, code, msg, err)
}

// respondLedgerError 账务错误统一映射
func respondLedgerError(c *gin.Context, err error, fallbackMsg string) {
	handlershared.RespondMappedError(c, err, handlershared.LedgerErrorRules, response.CodeInternal, fallbackMsg)
}
