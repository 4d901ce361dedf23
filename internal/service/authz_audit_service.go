package service

import (
	"strings"
	"time"

	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/repository"
)

// AuthzAuditRecordInput 权限审计记录输入
type AuthzAuditRecordInput struct {
	OperatorSubject string
	OperatorName    string
	TargetSubject   string
	Action          string
	Roles           []string
	RequestID       string
	Detail          models.JSON
}

// AuthzAuditService 权限审计服务
type AuthzAuditService struct {
	repo repository.AuthzAuditLogRepository
}

// NewAuthzAuditService 创建权限审计服务
func NewAuthzAuditService(repo repository.AuthzAuditLogRepository) *AuthzAuditService {
	return &AuthzAuditService{repo: repo}
}

// Record 记录权限审计日志，缺少操作人或动作时忽略
func (s *AuthzAuditService) Record(input AuthzAuditRecordInput) error {
	if s == nil || s.repo == nil {
		return nil
	}
	operator := strings.TrimSpace(input.OperatorSubject)
	if operator == "" || strings.TrimSpace(input.Action) == "" {
		return nil
	}
	return s.repo.Create(&models.AuthzAuditLog{
		OperatorSubject: operator,
		OperatorName:    strings.TrimSpace(input.OperatorName),
		TargetSubject:   strings.TrimSpace(input.TargetSubject),
		Action:          strings.TrimSpace(input.Action),
		Roles:           strings.Join(input.Roles, ","),
		RequestID:       strings.TrimSpace(input.RequestID),
		DetailJSON:      input.Detail,
		CreatedAt:       time.Now(),
	})
}

// ListForAdmin 管理端查询权限审计日志
func (s *AuthzAuditService) ListForAdmin(filter repository.AuthzAuditLogListFilter) ([]models.AuthzAuditLog, int64, error) {
	if s == nil || s.repo == nil {
		return []models.AuthzAuditLog{}, 0, nil
	}
	return s.repo.ListAdmin(filter)
}
