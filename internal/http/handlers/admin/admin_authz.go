package admin

import (
	"net/url"
	"strings"

	"github.com/escrow-ledger/internal/authz"
	handlershared "github.com/escrow-ledger/internal/http/handlers/shared"
	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/service"

	"github.com/gin-gonic/gin"
)

type authzBindRolesPayload struct {
	Roles []string `json:"roles"`
}

// GetAuthzMe 获取当前操作员的生效角色与策略
func (h *Handler) GetAuthzMe(c *gin.Context) {
	op, ok := handlershared.RequireContextOperator(c)
	if !ok {
		return
	}
	roles, err := h.AuthzService.EffectiveRoles(op)
	if err != nil {
		respondAuthzError(c, err)
		return
	}
	policies, err := h.AuthzService.EffectivePolicies(op)
	if err != nil {
		respondAuthzError(c, err)
		return
	}
	response.Success(c, gin.H{
		"subject":  op.Subject,
		"name":     op.DisplayName(),
		"claimed":  op.Roles,
		"roles":    roles,
		"policies": policies,
	})
}

// ListAuthzRoles 预置角色及策略，角色只随版本发布变更
func (h *Handler) ListAuthzRoles(c *gin.Context) {
	roles, err := h.AuthzService.Roles()
	if err != nil {
		respondAuthzError(c, err)
		return
	}
	response.Success(c, roles)
}

// GetAuthzOperatorRoles 获取操作员本地绑定的角色
func (h *Handler) GetAuthzOperatorRoles(c *gin.Context) {
	subject := decodeSubjectParam(c.Param("subject"))
	roles, err := h.AuthzService.OperatorRoles(subject)
	if err != nil {
		respondAuthzError(c, err)
		return
	}
	response.Success(c, gin.H{"subject": subject, "roles": roles})
}

// BindAuthzOperatorRoles 覆盖设置操作员本地角色
// 操作员身份由外部签发，这里只维护角色绑定
func (h *Handler) BindAuthzOperatorRoles(c *gin.Context) {
	subject := decodeSubjectParam(c.Param("subject"))
	var req authzBindRolesPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "invalid request body", err)
		return
	}
	if normalized, err := authz.SubjectForOperator(subject); err == nil && normalized == currentOperator(c) {
		respondError(c, response.CodeForbidden, "cannot change own roles", nil)
		return
	}
	roles, err := h.AuthzService.BindOperatorRoles(subject, req.Roles)
	if err != nil {
		respondAuthzError(c, err)
		return
	}

	h.recordAuthzAudit(c, service.AuthzAuditRecordInput{
		TargetSubject: subject,
		Action:        "operator_roles_bind",
		Roles:         roles,
		Detail: models.JSON{
			"target_subject": subject,
			"requested":      req.Roles,
		},
	})
	requestLog(c).Infow("admin_authz_operator_roles_bound",
		"operator", currentOperator(c),
		"target_subject", subject,
		"roles", roles,
	)
	response.Success(c, gin.H{"subject": subject, "roles": roles})
}

// recordAuthzAudit 补齐操作人信息后写入审计，失败只记日志
func (h *Handler) recordAuthzAudit(c *gin.Context, input service.AuthzAuditRecordInput) {
	if h == nil || h.AuthzAuditService == nil {
		return
	}
	op := currentOperatorIdentity(c)
	input.OperatorSubject = op.Subject
	input.OperatorName = op.DisplayName()
	input.RequestID = currentRequestID(c)
	if err := h.AuthzAuditService.Record(input); err != nil {
		logger.Warnw("admin_authz_audit_record_failed",
			"error", err,
			"action", input.Action,
			"operator", input.OperatorSubject,
		)
	}
}

func respondAuthzError(c *gin.Context, err error) {
	handlershared.RespondMappedError(c, err, handlershared.AuthzErrorRules, response.CodeInternal, "authz fetch failed")
}

func decodeSubjectParam(value string) string {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}
