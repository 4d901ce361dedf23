package models

import (
	"time"
)

// Payment 托管支付记录
// 金额均为最小货币单位（分）
type Payment struct {
	ID               uint       `gorm:"primarykey" json:"id"`                                                                                                              // 主键
	BookingID        uint       `gorm:"index;not null;uniqueIndex:idx_payments_booking_active,where:status <> 'released' AND status <> 'failed' AND status <> 'refunded'" json:"booking_id"` // 预约ID
	ProviderID       uint       `gorm:"index;not null" json:"provider_id"`                                                                                                 // 服务商ID
	ExternalRef      string     `gorm:"type:varchar(128);uniqueIndex:idx_payments_external_ref,where:external_ref <> ''" json:"external_ref"`                              // 网关交易号
	Currency         string     `gorm:"type:varchar(8);not null" json:"currency"`                                                                                          // 币种
	Amount           int64      `gorm:"not null" json:"amount"`                                                                                                            // 支付总额
	EscrowAmount     int64      `gorm:"not null" json:"escrow_amount"`                                                                                                     // 托管金额（应付服务商）
	PlatformFee      int64      `gorm:"not null;default:0" json:"platform_fee"`                                                                                            // 平台服务费
	Status           string     `gorm:"type:varchar(32);index;not null" json:"status"`                                                                                     // 支付状态
	FailureReason    string     `gorm:"type:varchar(255)" json:"failure_reason"`                                                                                           // 失败原因
	RefundReason     string     `gorm:"type:varchar(255)" json:"refund_reason"`                                                                                            // 退款原因
	NeedsReview      bool       `gorm:"index;not null;default:false" json:"needs_review"`                                                                                  // 是否需人工复核
	ReviewReason     string     `gorm:"type:varchar(255)" json:"review_reason"`                                                                                            // 复核原因
	RecoveryAttempts int        `gorm:"not null;default:0" json:"recovery_attempts"`                                                                                       // 对账恢复尝试次数
	PayoutAccount    JSON       `gorm:"type:json" json:"payout_account"`                                                                                                   // 服务商收款账户快照
	HeldAt           *time.Time `gorm:"index" json:"held_at"`                                                                                                              // 进入托管时间
	PaidAt           *time.Time `gorm:"index" json:"paid_at"`                                                                                                              // 结清时间（放款或退款）
	LastReconciledAt *time.Time `json:"last_reconciled_at"`                                                                                                                // 最近对账时间
	CreatedAt        time.Time  `gorm:"index" json:"created_at"`                                                                                                           // 创建时间
	UpdatedAt        time.Time  `gorm:"index" json:"updated_at"`                                                                                                           // 更新时间
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}
