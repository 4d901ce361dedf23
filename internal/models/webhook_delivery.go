package models

import "time"

// WebhookDelivery 网关回调投递记录
type WebhookDelivery struct {
	ID          uint       `gorm:"primarykey" json:"id"`                              // 主键
	ExternalRef string     `gorm:"type:varchar(128);index;not null" json:"external_ref"` // 网关交易号
	EventType   string     `gorm:"type:varchar(32);index;not null" json:"event_type"` // 事件类型
	DedupeKey   string     `gorm:"type:varchar(255);index;not null" json:"dedupe_key"` // 去重键
	Payload     JSON       `gorm:"type:json" json:"payload"`                          // 原始数据
	Status      string     `gorm:"type:varchar(32);index;not null" json:"status"`     // 处理状态
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`                // 处理次数
	LastError   string     `gorm:"type:text" json:"last_error"`                       // 最近错误
	ProcessedAt *time.Time `json:"processed_at"`                                      // 处理时间
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`                           // 接收时间
	UpdatedAt   time.Time  `json:"updated_at"`                                        // 更新时间
}

// TableName 指定表名
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
