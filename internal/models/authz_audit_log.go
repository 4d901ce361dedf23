package models

import "time"

// AuthzAuditLog 权限变更审计日志
// 记录操作员角色绑定变更，与对账审计记录分开存放
type AuthzAuditLog struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	OperatorSubject string    `gorm:"type:varchar(128);index;not null" json:"operator_subject"`
	OperatorName    string    `gorm:"type:varchar(100);not null;default:''" json:"operator_name"`
	TargetSubject   string    `gorm:"type:varchar(128);index;not null;default:''" json:"target_subject"`
	Action          string    `gorm:"type:varchar(100);index;not null" json:"action"`
	Roles           string    `gorm:"type:varchar(500);not null;default:''" json:"roles"` // 变更后的角色，逗号分隔
	RequestID       string    `gorm:"type:varchar(64);index;not null;default:''" json:"request_id"`
	DetailJSON      JSON      `gorm:"type:json" json:"detail"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (AuthzAuditLog) TableName() string {
	return "authz_audit_logs"
}
