package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"

	"gorm.io/gorm"
)

// ErrStatusColumnForbidden 非 CAS 路径不允许改写状态
var ErrStatusColumnForbidden = errors.New("status must be changed through compare-and-set")

// PaymentTerminalStatuses 支付终态
var PaymentTerminalStatuses = []string{
	constants.PaymentStatusReleased,
	constants.PaymentStatusFailed,
	constants.PaymentStatusRefunded,
}

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByExternalRef(ref string) (*models.Payment, error)
	GetActiveByBookingID(bookingID uint) (*models.Payment, error)
	CompareAndSetStatus(id uint, expected, next string, updates map[string]interface{}) (bool, error)
	UpdateFields(id uint, updates map[string]interface{}) error
	IncrementRecoveryAttempts(id uint, at time.Time) error
	GuardReleased(id uint) (bool, error)
	ListStuckPending(createdBefore time.Time, limit int) ([]models.Payment, error)
	ListHeldBefore(heldBefore time.Time, limit int) ([]models.Payment, error)
	ListProcessingReleaseBefore(updatedBefore time.Time, limit int) ([]models.Payment, error)
	ListAdmin(filter PaymentListFilter) ([]models.Payment, int64, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录
func (r *GormPaymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByExternalRef 根据网关交易号获取支付记录
func (r *GormPaymentRepository) GetByExternalRef(ref string) (*models.Payment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where("external_ref = ?", ref).Order("id desc").Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// GetActiveByBookingID 获取预约下未终结的支付
func (r *GormPaymentRepository) GetActiveByBookingID(bookingID uint) (*models.Payment, error) {
	var payment models.Payment
	result := r.db.Where("booking_id = ? AND status NOT IN ?", bookingID, PaymentTerminalStatuses).
		Order("id desc").Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// CompareAndSetStatus 仅当当前状态等于 expected 时更新为 next
// 返回 false 表示状态已被其他操作改变
func (r *GormPaymentRepository) CompareAndSetStatus(id uint, expected, next string, updates map[string]interface{}) (bool, error) {
	values := make(map[string]interface{}, len(updates)+2)
	for key, value := range updates {
		values[key] = value
	}
	values["status"] = next
	values["updated_at"] = time.Now()
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateFields 更新非状态字段
func (r *GormPaymentRepository) UpdateFields(id uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["status"]; ok {
		return ErrStatusColumnForbidden
	}
	values := make(map[string]interface{}, len(updates)+1)
	for key, value := range updates {
		values[key] = value
	}
	values["updated_at"] = time.Now()
	return r.db.Model(&models.Payment{}).Where("id = ?", id).Updates(values).Error
}

// IncrementRecoveryAttempts 记录一次对账恢复尝试
func (r *GormPaymentRepository) IncrementRecoveryAttempts(id uint, at time.Time) error {
	return r.db.Model(&models.Payment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"recovery_attempts":  gorm.Expr("recovery_attempts + ?", 1),
		"last_reconciled_at": at,
		"updated_at":         at,
	}).Error
}

// GuardReleased 在事务内写锁已放款的支付行
// 返回 false 表示支付不存在或未处于 released
func (r *GormPaymentRepository) GuardReleased(id uint) (bool, error) {
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, constants.PaymentStatusReleased).
		Update("updated_at", time.Now())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListStuckPending 查询创建早于阈值仍处于 pending 的支付
// 按最近对账时间轮转，避免同一批记录长期占满批次
func (r *GormPaymentRepository) ListStuckPending(createdBefore time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("status = ? AND created_at < ?", constants.PaymentStatusPending, createdBefore).
		Order("COALESCE(last_reconciled_at, created_at) asc").Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListHeldBefore 查询托管时间早于阈值的支付
func (r *GormPaymentRepository) ListHeldBefore(heldBefore time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("status = ? AND held_at IS NOT NULL AND held_at < ? AND needs_review = ?",
		constants.PaymentStatusHeldInEscrow, heldBefore, false).
		Order("held_at asc").Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListProcessingReleaseBefore 查询停在 processing_release 且久未更新的支付
func (r *GormPaymentRepository) ListProcessingReleaseBefore(updatedBefore time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("status = ? AND updated_at < ?", constants.PaymentStatusProcessingRelease, updatedBefore).
		Order("updated_at asc").Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListAdmin 管理端支付列表
func (r *GormPaymentRepository) ListAdmin(filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.Model(&models.Payment{})

	if filter.BookingID != 0 {
		query = query.Where("payments.booking_id = ?", filter.BookingID)
	}
	if filter.ProviderID != 0 {
		query = query.Where("payments.provider_id = ?", filter.ProviderID)
	}
	if filter.Status != "" {
		query = query.Where("payments.status = ?", filter.Status)
	}
	if filter.NeedsReview != nil {
		query = query.Where("payments.needs_review = ?", *filter.NeedsReview)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		condition, argCount := buildLikeCondition(r.db, []string{"payments.external_ref", "payments.review_reason"})
		query = query.Where(condition, repeatLikeArgs("%"+search+"%", argCount)...)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("payments.created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("payments.created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("payments.id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}
