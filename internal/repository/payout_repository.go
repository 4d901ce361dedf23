package repository

import (
	"errors"
	"time"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"

	"gorm.io/gorm"
)

// PayoutActiveStatuses 打款非终态
var PayoutActiveStatuses = []string{
	constants.PayoutStatusPending,
	constants.PayoutStatusProcessing,
}

// PayoutRepository 打款数据访问接口
type PayoutRepository interface {
	Create(payout *models.Payout) error
	GetByID(id uint) (*models.Payout, error)
	ListByPaymentID(paymentID uint) ([]models.Payout, error)
	CountActiveByPaymentID(paymentID uint) (int64, error)
	ListActiveByPaymentID(paymentID uint) ([]models.Payout, error)
	ListPaymentIDsWithDuplicateActive(limit int) ([]uint, error)
	ListOrphanedActive(limit int) ([]models.Payout, error)
	CompareAndSetStatus(id uint, expected, next string, updates map[string]interface{}) (bool, error)
	ListAdmin(filter PayoutListFilter) ([]models.Payout, int64, error)
	WithTx(tx *gorm.DB) *GormPayoutRepository
}

// GormPayoutRepository GORM 实现
type GormPayoutRepository struct {
	db *gorm.DB
}

// NewPayoutRepository 创建打款仓库
func NewPayoutRepository(db *gorm.DB) *GormPayoutRepository {
	return &GormPayoutRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPayoutRepository) WithTx(tx *gorm.DB) *GormPayoutRepository {
	if tx == nil {
		return r
	}
	return &GormPayoutRepository{db: tx}
}

// Create 创建打款记录
func (r *GormPayoutRepository) Create(payout *models.Payout) error {
	return r.db.Create(payout).Error
}

// GetByID 根据 ID 获取打款
func (r *GormPayoutRepository) GetByID(id uint) (*models.Payout, error) {
	var payout models.Payout
	if err := r.db.First(&payout, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payout, nil
}

// ListByPaymentID 查询支付下全部打款（按创建顺序）
func (r *GormPayoutRepository) ListByPaymentID(paymentID uint) ([]models.Payout, error) {
	var payouts []models.Payout
	if err := r.db.Where("payment_id = ?", paymentID).
		Order("created_at asc").Order("id asc").
		Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

// CountActiveByPaymentID 统计支付下非终态打款数量
func (r *GormPayoutRepository) CountActiveByPaymentID(paymentID uint) (int64, error) {
	var count int64
	if err := r.db.Model(&models.Payout{}).
		Where("payment_id = ? AND status IN ?", paymentID, PayoutActiveStatuses).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListActiveByPaymentID 查询支付下非终态打款，最早的排在最前
func (r *GormPayoutRepository) ListActiveByPaymentID(paymentID uint) ([]models.Payout, error) {
	var payouts []models.Payout
	if err := r.db.Where("payment_id = ? AND status IN ?", paymentID, PayoutActiveStatuses).
		Order("created_at asc").Order("id asc").
		Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

// ListPaymentIDsWithDuplicateActive 查询存在多条非终态打款的支付 ID
func (r *GormPayoutRepository) ListPaymentIDsWithDuplicateActive(limit int) ([]uint, error) {
	query := r.db.Model(&models.Payout{}).
		Select("payment_id").
		Where("status IN ?", PayoutActiveStatuses).
		Group("payment_id").
		Having("COUNT(*) > ?", 1).
		Order("payment_id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var ids []uint
	if err := query.Pluck("payment_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListOrphanedActive 查询来源支付不存在或未放款的非终态打款
func (r *GormPayoutRepository) ListOrphanedActive(limit int) ([]models.Payout, error) {
	query := r.db.Model(&models.Payout{}).
		Select("payouts.*").
		Joins("LEFT JOIN payments ON payments.id = payouts.payment_id").
		Where("payouts.status IN ?", PayoutActiveStatuses).
		Where("payments.id IS NULL OR payments.status <> ?", constants.PaymentStatusReleased).
		Order("payouts.id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payouts []models.Payout
	if err := query.Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

// CompareAndSetStatus 仅当当前状态等于 expected 时更新为 next
func (r *GormPayoutRepository) CompareAndSetStatus(id uint, expected, next string, updates map[string]interface{}) (bool, error) {
	values := make(map[string]interface{}, len(updates)+2)
	for key, value := range updates {
		values[key] = value
	}
	values["status"] = next
	values["updated_at"] = time.Now()
	result := r.db.Model(&models.Payout{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListAdmin 管理端打款列表
func (r *GormPayoutRepository) ListAdmin(filter PayoutListFilter) ([]models.Payout, int64, error) {
	query := r.db.Model(&models.Payout{})
	if filter.PaymentID != 0 {
		query = query.Where("payouts.payment_id = ?", filter.PaymentID)
	}
	if filter.ProviderID != 0 {
		query = query.Where("payouts.provider_id = ?", filter.ProviderID)
	}
	if filter.Status != "" {
		query = query.Where("payouts.status = ?", filter.Status)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("payouts.created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("payouts.created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)

	var payouts []models.Payout
	if err := query.Order("payouts.id desc").Find(&payouts).Error; err != nil {
		return nil, 0, err
	}
	return payouts, total, nil
}
