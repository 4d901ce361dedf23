package models

import "time"

// Payout 服务商打款记录
type Payout struct {
	ID             uint       `gorm:"primarykey" json:"id"`                          // 主键
	PaymentID      uint       `gorm:"index;not null" json:"payment_id"`              // 来源支付ID
	ProviderID     uint       `gorm:"index;not null" json:"provider_id"`             // 服务商ID
	Amount         int64      `gorm:"not null" json:"amount"`                        // 打款金额（分）
	Currency       string     `gorm:"type:varchar(8);not null" json:"currency"`      // 币种
	Status         string     `gorm:"type:varchar(32);index;not null" json:"status"` // 打款状态
	TransferRef    string     `gorm:"type:varchar(128);index" json:"transfer_ref"`   // 网关转账单号
	ManualOverride bool       `gorm:"not null;default:false" json:"manual_override"` // 人工确认（无转账单号）
	FailureReason  string     `gorm:"type:varchar(255)" json:"failure_reason"`       // 失败原因
	Operator       string     `gorm:"type:varchar(64)" json:"operator"`              // 最近操作人
	PayoutAccount  JSON       `gorm:"type:json" json:"payout_account"`               // 收款账户
	ProcessingAt   *time.Time `json:"processing_at"`                                 // 发起转账时间
	CompletedAt    *time.Time `gorm:"index" json:"completed_at"`                     // 完成时间
	FailedAt       *time.Time `json:"failed_at"`                                     // 失败时间
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`                       // 创建时间
	UpdatedAt      time.Time  `gorm:"index" json:"updated_at"`                       // 更新时间
}

// TableName 指定表名
func (Payout) TableName() string {
	return "payouts"
}
