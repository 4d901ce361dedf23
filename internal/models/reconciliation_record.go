package models

import "time"

// ReconciliationRecord 对账审计记录（只追加）
// 同一去重键只允许存在一条 applied 记录
type ReconciliationRecord struct {
	ID           uint      `gorm:"primarykey" json:"id"`                                                                                            // 主键
	DedupeKey    string    `gorm:"type:varchar(255);index;not null;uniqueIndex:idx_reconciliation_applied,where:outcome = 'applied'" json:"dedupe_key"` // 去重键 eventType:externalRef:targetStatus
	EventType    string    `gorm:"type:varchar(64);index;not null" json:"event_type"`                                                               // 事件或动作类型
	Source       string    `gorm:"type:varchar(32);index;not null" json:"source"`                                                                   // 来源 webhook/manual/scheduled/system
	TargetType   string    `gorm:"type:varchar(32);index:idx_reconciliation_target;not null" json:"target_type"`                                    // 目标类型 payment/payout
	TargetID     uint      `gorm:"index:idx_reconciliation_target" json:"target_id"`                                                                // 目标ID
	ExternalRef  string    `gorm:"type:varchar(128);index" json:"external_ref"`                                                                     // 网关交易号
	BeforeStatus string    `gorm:"type:varchar(32)" json:"before_status"`                                                                           // 动作前状态
	AfterStatus  string    `gorm:"type:varchar(32)" json:"after_status"`                                                                            // 动作后状态
	Outcome      string    `gorm:"type:varchar(32);index;not null" json:"outcome"`                                                                  // 结果
	Message      string    `gorm:"type:text" json:"message"`                                                                                        // 说明
	Operator     string    `gorm:"type:varchar(64)" json:"operator"`                                                                                // 操作人
	RunID        string    `gorm:"type:varchar(64);index" json:"run_id"`                                                                            // 批次ID
	Payload      JSON      `gorm:"type:json" json:"payload"`                                                                                        // 附加数据
	CreatedAt    time.Time `gorm:"index" json:"created_at"`                                                                                         // 创建时间
}

// TableName 指定表名
func (ReconciliationRecord) TableName() string {
	return "reconciliation_records"
}
