package repository

import (
	"strings"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"

	"gorm.io/gorm"
)

// ReconciliationRepository 对账审计记录数据访问接口（只追加）
type ReconciliationRepository interface {
	Create(record *models.ReconciliationRecord) error
	ExistsApplied(dedupeKey string) (bool, error)
	ListByTarget(targetType string, targetID uint) ([]models.ReconciliationRecord, error)
	ListAdmin(filter ReconciliationListFilter) ([]models.ReconciliationRecord, int64, error)
	WithTx(tx *gorm.DB) *GormReconciliationRepository
}

// GormReconciliationRepository GORM 实现
type GormReconciliationRepository struct {
	db *gorm.DB
}

// NewReconciliationRepository 创建对账记录仓库
func NewReconciliationRepository(db *gorm.DB) *GormReconciliationRepository {
	return &GormReconciliationRepository{db: db}
}

// WithTx 绑定事务
func (r *GormReconciliationRepository) WithTx(tx *gorm.DB) *GormReconciliationRepository {
	if tx == nil {
		return r
	}
	return &GormReconciliationRepository{db: tx}
}

// Create 追加审计记录
func (r *GormReconciliationRepository) Create(record *models.ReconciliationRecord) error {
	return r.db.Create(record).Error
}

// ExistsApplied 判断去重键是否已有生效记录
func (r *GormReconciliationRepository) ExistsApplied(dedupeKey string) (bool, error) {
	dedupeKey = strings.TrimSpace(dedupeKey)
	if dedupeKey == "" {
		return false, nil
	}
	var count int64
	if err := r.db.Model(&models.ReconciliationRecord{}).
		Where("dedupe_key = ? AND outcome = ?", dedupeKey, constants.ReconcileOutcomeApplied).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByTarget 查询目标的审计轨迹
func (r *GormReconciliationRepository) ListByTarget(targetType string, targetID uint) ([]models.ReconciliationRecord, error) {
	var records []models.ReconciliationRecord
	if err := r.db.Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("id asc").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListAdmin 管理端审计列表
func (r *GormReconciliationRepository) ListAdmin(filter ReconciliationListFilter) ([]models.ReconciliationRecord, int64, error) {
	query := r.db.Model(&models.ReconciliationRecord{})
	if filter.TargetType != "" {
		query = query.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != 0 {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.RunID != "" {
		query = query.Where("run_id = ?", filter.RunID)
	}
	if filter.ExternalRef != "" {
		query = query.Where("external_ref = ?", filter.ExternalRef)
	}
	if filter.GatewayStatus != "" {
		query = query.Where(jsonTextExpr(r.db, "payload", "gateway_status")+" = ?", filter.GatewayStatus)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)

	var records []models.ReconciliationRecord
	if err := query.Order("id desc").Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}
