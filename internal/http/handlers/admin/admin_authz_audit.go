package admin

import (
	"strings"

	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/repository"

	"github.com/gin-gonic/gin"
)

// ListAuthzAuditLogs 获取权限审计日志列表
func (h *Handler) ListAuthzAuditLogs(c *gin.Context) {
	page, pageSize := parsePageQuery(c)
	createdFrom, createdTo, err := parseCreatedRange(c)
	if err != nil {
		respondError(c, response.CodeBadRequest, "invalid time range", err)
		return
	}

	items, total, err := h.AuthzAuditService.ListForAdmin(repository.AuthzAuditLogListFilter{
		Page:            page,
		PageSize:        pageSize,
		OperatorSubject: strings.TrimSpace(c.Query("operator_subject")),
		TargetSubject:   strings.TrimSpace(c.Query("target_subject")),
		Action:          strings.TrimSpace(c.Query("action")),
		CreatedFrom:     createdFrom,
		CreatedTo:       createdTo,
	})
	if err != nil {
		respondError(c, response.CodeInternal, "authz audit logs fetch failed", err)
		return
	}
	response.SuccessWithPage(c, items, response.BuildPagination(page, pageSize, total))
}
