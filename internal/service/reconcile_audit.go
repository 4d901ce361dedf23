package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/repository"

	"gorm.io/gorm"
)

// ActionMeta 状态动作的上下文
type ActionMeta struct {
	Source    string      // webhook/manual/scheduled/system
	EventType string      // 为空时使用动作名
	Operator  string      // 人工操作人
	RunID     string      // 对账批次
	Message   string      // 附加说明
	Payload   models.JSON // 附加数据
}

func (m ActionMeta) resolveEventType(action string) string {
	if eventType := strings.TrimSpace(m.EventType); eventType != "" {
		return eventType
	}
	return action
}

func (m ActionMeta) resolveSource() string {
	if source := strings.TrimSpace(m.Source); source != "" {
		return source
	}
	return constants.ReconcileSourceSystem
}

// BuildDedupeKey 生成对账去重键 eventType:externalRef:targetStatus
func BuildDedupeKey(eventType, externalRef, targetStatus string) string {
	return fmt.Sprintf("%s:%s:%s", eventType, externalRef, targetStatus)
}

func paymentRefKey(payment *models.Payment) string {
	if payment == nil {
		return ""
	}
	if ref := strings.TrimSpace(payment.ExternalRef); ref != "" {
		return ref
	}
	return fmt.Sprintf("payment:%d", payment.ID)
}

func payoutRefKey(payoutID uint) string {
	return fmt.Sprintf("payout:%d", payoutID)
}

// auditEntry 对账审计条目
type auditEntry struct {
	action     string
	meta       ActionMeta
	targetType string
	targetID   uint
	refKey     string
	before     string
	after      string
	outcome    string
	message    string
}

func (e auditEntry) toRecord() *models.ReconciliationRecord {
	eventType := e.meta.resolveEventType(e.action)
	message := strings.TrimSpace(e.message)
	if message == "" {
		message = strings.TrimSpace(e.meta.Message)
	}
	return &models.ReconciliationRecord{
		DedupeKey:    BuildDedupeKey(eventType, e.refKey, e.after),
		EventType:    eventType,
		Source:       e.meta.resolveSource(),
		TargetType:   e.targetType,
		TargetID:     e.targetID,
		ExternalRef:  e.refKey,
		BeforeStatus: e.before,
		AfterStatus:  e.after,
		Outcome:      e.outcome,
		Message:      message,
		Operator:     strings.TrimSpace(e.meta.Operator),
		RunID:        strings.TrimSpace(e.meta.RunID),
		Payload:      e.meta.Payload,
	}
}

// writeAppliedRecord 在事务内写入 applied 审计记录
// 同一去重键已存在 applied 记录时视为并发重复
func writeAppliedRecord(repo repository.ReconciliationRepository, entry auditEntry) error {
	entry.outcome = constants.ReconcileOutcomeApplied
	if err := repo.Create(entry.toRecord()); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrStaleState
		}
		return err
	}
	return nil
}

// writeAuditRecord 写入非 applied 审计记录，失败仅记录日志
func writeAuditRecord(repo repository.ReconciliationRepository, entry auditEntry) {
	if repo == nil {
		return
	}
	record := entry.toRecord()
	if err := repo.Create(record); err != nil {
		logger.Warnw("reconcile_audit_write_failed",
			"dedupe_key", record.DedupeKey,
			"outcome", record.Outcome,
			"error", err,
		)
	}
}
