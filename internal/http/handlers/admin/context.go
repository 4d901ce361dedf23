package admin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/authz"
	handlershared "github.com/escrow-ledger/internal/http/handlers/shared"
	"github.com/escrow-ledger/internal/http/response"

	"github.com/gin-gonic/gin"
)

func currentOperatorIdentity(c *gin.Context) authz.Operator {
	op, _ := handlershared.ContextOperator(c)
	return op
}

// currentOperator 审计记录中的操作人标识，取令牌 sub
func currentOperator(c *gin.Context) string {
	return currentOperatorIdentity(c).Subject
}

func currentRequestID(c *gin.Context) string {
	value, exists := c.Get("request_id")
	if !exists {
		return ""
	}
	if requestID, ok := value.(string); ok {
		return strings.TrimSpace(requestID)
	}
	return ""
}

func parseIDParam(c *gin.Context, msg string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		respondError(c, response.CodeBadRequest, msg, nil)
		return 0, false
	}
	return uint(id), true
}

func parseUintQuery(c *gin.Context, key string) (uint, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s invalid: %w", key, err)
	}
	return uint(value), nil
}

func parseTimeNullable(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parsePageQuery(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return handlershared.NormalizePagination(page, pageSize)
}

// parseCreatedRange 解析 created_from/created_to
func parseCreatedRange(c *gin.Context) (*time.Time, *time.Time, error) {
	createdFrom, err := parseTimeNullable(c.Query("created_from"))
	if err != nil {
		return nil, nil, err
	}
	createdTo, err := parseTimeNullable(c.Query("created_to"))
	if err != nil {
		return nil, nil, err
	}
	return createdFrom, createdTo, nil
}
