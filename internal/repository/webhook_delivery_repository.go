package repository

import (
	"errors"
	"time"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"

	"gorm.io/gorm"
)

// WebhookDeliveryRepository 回调投递数据访问接口
type WebhookDeliveryRepository interface {
	Create(delivery *models.WebhookDelivery) error
	GetByID(id uint) (*models.WebhookDelivery, error)
	MarkResult(id uint, status, lastError string, processedAt *time.Time) error
	ListRetryable(receivedBefore time.Time, maxAttempts int, limit int) ([]models.WebhookDelivery, error)
	ListAdmin(filter WebhookDeliveryListFilter) ([]models.WebhookDelivery, int64, error)
}

// GormWebhookDeliveryRepository GORM 实现
type GormWebhookDeliveryRepository struct {
	db *gorm.DB
}

// NewWebhookDeliveryRepository 创建回调投递仓库
func NewWebhookDeliveryRepository(db *gorm.DB) *GormWebhookDeliveryRepository {
	return &GormWebhookDeliveryRepository{db: db}
}

// Create 写入投递记录
func (r *GormWebhookDeliveryRepository) Create(delivery *models.WebhookDelivery) error {
	return r.db.Create(delivery).Error
}

// GetByID 根据 ID 获取投递
func (r *GormWebhookDeliveryRepository) GetByID(id uint) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	if err := r.db.First(&delivery, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &delivery, nil
}

// MarkResult 记录一次处理结果，处理次数自增
func (r *GormWebhookDeliveryRepository) MarkResult(id uint, status, lastError string, processedAt *time.Time) error {
	return r.db.Model(&models.WebhookDelivery{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       status,
		"last_error":   lastError,
		"processed_at": processedAt,
		"attempts":     gorm.Expr("attempts + ?", 1),
		"updated_at":   time.Now(),
	}).Error
}

// ListRetryable 查询需要补偿处理的投递
func (r *GormWebhookDeliveryRepository) ListRetryable(receivedBefore time.Time, maxAttempts int, limit int) ([]models.WebhookDelivery, error) {
	query := r.db.Where("status IN ? AND created_at < ?",
		[]string{constants.WebhookDeliveryStatusReceived, constants.WebhookDeliveryStatusFailed}, receivedBefore)
	if maxAttempts > 0 {
		query = query.Where("attempts < ?", maxAttempts)
	}
	query = query.Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var deliveries []models.WebhookDelivery
	if err := query.Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

// ListAdmin 管理端投递列表
func (r *GormWebhookDeliveryRepository) ListAdmin(filter WebhookDeliveryListFilter) ([]models.WebhookDelivery, int64, error) {
	query := r.db.Model(&models.WebhookDelivery{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.ExternalRef != "" {
		query = query.Where("external_ref "+likeOperatorByDialect(dbDialectName(r.db))+" ?", "%"+filter.ExternalRef+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)

	var deliveries []models.WebhookDelivery
	if err := query.Order("id desc").Find(&deliveries).Error; err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}
