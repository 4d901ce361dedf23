package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/queue"
	"github.com/escrow-ledger/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcileOptions 对账引擎参数
type ReconcileOptions struct {
	StuckAfter          time.Duration
	BatchSize           int
	Concurrency         int
	MaxRecoveryAttempts int
	WebhookMaxAttempts  int
	SummaryTTL          time.Duration
	AutoRelease         AutoReleasePolicy
	AutoTransfer        bool
}

// ReconcileOptionsFromConfig 由配置构建对账参数
func ReconcileOptionsFromConfig(cfg *config.Config) ReconcileOptions {
	if cfg == nil {
		return ReconcileOptions{}.normalize()
	}
	opts := ReconcileOptions{
		StuckAfter:          cfg.Reconcile.StuckAfter(),
		BatchSize:           cfg.Reconcile.BatchSize,
		Concurrency:         cfg.Reconcile.Concurrency,
		MaxRecoveryAttempts: cfg.Reconcile.MaxRecoveryAttempts,
		WebhookMaxAttempts:  cfg.Reconcile.WebhookMaxAttempts,
		SummaryTTL:          time.Duration(cfg.Reconcile.SummaryTTLHours) * time.Hour,
		AutoRelease: AutoReleasePolicy{
			Enabled: cfg.Reconcile.AutoRelease.Enabled,
			HoldFor: time.Duration(cfg.Reconcile.AutoRelease.HoldHours) * time.Hour,
		},
		AutoTransfer: cfg.Payout.AutoTransfer,
	}
	return opts.normalize()
}

func (o ReconcileOptions) normalize() ReconcileOptions {
	if o.StuckAfter <= 0 {
		o.StuckAfter = 30 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRecoveryAttempts <= 0 {
		o.MaxRecoveryAttempts = 12
	}
	if o.WebhookMaxAttempts <= 0 {
		o.WebhookMaxAttempts = 8
	}
	if o.SummaryTTL <= 0 {
		o.SummaryTTL = 72 * time.Hour
	}
	return o
}

// ReconcileService 对账引擎
type ReconcileService struct {
	paymentRepo  repository.PaymentRepository
	payoutRepo   repository.PayoutRepository
	recordRepo   repository.ReconciliationRepository
	deliveryRepo repository.WebhookDeliveryRepository
	paymentSvc   *PaymentService
	payoutSvc    *PayoutService
	gateway      gateway.Client
	queueClient  *queue.Client
	opts         ReconcileOptions
}

// NewReconcileService 创建对账引擎
func NewReconcileService(
	paymentRepo repository.PaymentRepository,
	payoutRepo repository.PayoutRepository,
	recordRepo repository.ReconciliationRepository,
	deliveryRepo repository.WebhookDeliveryRepository,
	paymentSvc *PaymentService,
	payoutSvc *PayoutService,
	gw gateway.Client,
	queueClient *queue.Client,
	opts ReconcileOptions,
) *ReconcileService {
	return &ReconcileService{
		paymentRepo:  paymentRepo,
		payoutRepo:   payoutRepo,
		recordRepo:   recordRepo,
		deliveryRepo: deliveryRepo,
		paymentSvc:   paymentSvc,
		payoutSvc:    payoutSvc,
		gateway:      gw,
		queueClient:  queueClient,
		opts:         opts.normalize(),
	}
}

// RecoverySummary 卡单恢复结果
type RecoverySummary struct {
	RunID        string `json:"run_id"`
	Recovered    int    `json:"recovered"`
	StillPending int    `json:"stillPending"`
	Flagged      int    `json:"flagged"`
	Skipped      int    `json:"skipped"`
}

// CleanupSummary 孤儿打款清理结果
type CleanupSummary struct {
	RunID   string `json:"run_id"`
	Cleaned int    `json:"cleaned"`
	Skipped int    `json:"skipped"`
}

// ReleaseSummary 自动放款结果
type ReleaseSummary struct {
	RunID    string `json:"run_id"`
	Enabled  bool   `json:"enabled"`
	Resumed  int    `json:"resumed"` // 续做 ConfirmRelease 的中断放款
	Released int    `json:"released"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// WebhookRetrySummary 回调重放结果
type WebhookRetrySummary struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// MarkPayoutPaidInput 人工确认打款
type MarkPayoutPaidInput struct {
	PayoutID       uint
	TransferRef    string
	ManualOverride bool
	Operator       string
}

// MarkPayoutPaidResult 人工确认打款结果
type MarkPayoutPaidResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Payout  *models.Payout `json:"payout,omitempty"`
}

func reconcileLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

func newRunID() string {
	return uuid.NewString()
}

// prepareMeta 补齐批次 ID 与来源
func prepareMeta(meta ActionMeta, defaultSource string) ActionMeta {
	if strings.TrimSpace(meta.RunID) == "" {
		meta.RunID = newRunID()
	}
	if strings.TrimSpace(meta.Source) == "" {
		meta.Source = defaultSource
	}
	return meta
}

// Options 返回生效的对账参数
func (s *ReconcileService) Options() ReconcileOptions {
	return s.opts
}

// ListRecords 分页查询对账记录
func (s *ReconcileService) ListRecords(filter repository.ReconciliationListFilter) ([]models.ReconciliationRecord, int64, error) {
	return s.recordRepo.ListAdmin(filter)
}

// ListWebhookDeliveries 分页查询回调投递
func (s *ReconcileService) ListWebhookDeliveries(filter repository.WebhookDeliveryListFilter) ([]models.WebhookDelivery, int64, error) {
	return s.deliveryRepo.ListAdmin(filter)
}

// Summaries 读取各批次最近摘要
func (s *ReconcileService) Summaries(ctx context.Context) (map[string]*cache.ReconcileSummary, error) {
	passes := []string{
		constants.ReconcilePassRecover,
		constants.ReconcilePassCleanup,
		constants.ReconcilePassReleaseDue,
		constants.ReconcilePassWebhookRetry,
	}
	result := make(map[string]*cache.ReconcileSummary, len(passes))
	for _, pass := range passes {
		summary, hit, err := cache.GetReconcileSummary(ctx, pass)
		if err != nil {
			return nil, err
		}
		if hit {
			result[pass] = summary
		}
	}
	return result, nil
}

// RunPass 按批次类型执行对账
func (s *ReconcileService) RunPass(ctx context.Context, pass string, meta ActionMeta) (interface{}, error) {
	switch strings.TrimSpace(pass) {
	case constants.ReconcilePassRecover:
		return s.RecoverStuckPayments(ctx, meta)
	case constants.ReconcilePassCleanup:
		return s.CleanupOrphanedPayouts(ctx, meta)
	case constants.ReconcilePassReleaseDue:
		return s.ReleaseDueEscrows(ctx, meta)
	case constants.ReconcilePassWebhookRetry:
		return s.RetryWebhookDeliveries(ctx, meta)
	}
	return nil, fmt.Errorf("unknown reconcile pass %q", pass)
}

// EnqueuePass 异步执行对账批次，队列未启用时返回 false
func (s *ReconcileService) EnqueuePass(pass string, meta ActionMeta) (bool, error) {
	if s.queueClient == nil || !s.queueClient.Enabled() {
		return false, nil
	}
	meta = prepareMeta(meta, constants.ReconcileSourceManual)
	if err := s.queueClient.EnqueueReconcilePass(queue.ReconcilePassPayload{
		Pass:     pass,
		Source:   meta.Source,
		Operator: meta.Operator,
		RunID:    meta.RunID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPayoutPaid 人工确认打款完成，已完成时幂等返回成功
func (s *ReconcileService) MarkPayoutPaid(ctx context.Context, input MarkPayoutPaidInput) (*MarkPayoutPaidResult, error) {
	meta := ActionMeta{
		Source:   constants.ReconcileSourceManual,
		Operator: strings.TrimSpace(input.Operator),
	}
	log := reconcileLogger("payout_id", input.PayoutID, "operator", meta.Operator)
	payout, err := s.payoutSvc.GetByID(input.PayoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status == constants.PayoutStatusCompleted {
		return &MarkPayoutPaidResult{Success: true, Message: "payout already completed", Payout: payout}, nil
	}
	result, err := s.payoutSvc.MarkCompleted(payout.ID, CompletePayoutInput{
		TransferRef:    input.TransferRef,
		ManualOverride: input.ManualOverride,
		Meta:           meta,
	})
	if err == nil {
		log.Infow("payout_marked_paid", "manual_override", input.ManualOverride)
		return &MarkPayoutPaidResult{Success: true, Message: "payout marked as paid", Payout: result.Payout}, nil
	}
	if !IsStateMachineError(err) {
		return nil, err
	}
	current, readErr := s.payoutSvc.GetByID(payout.ID)
	if readErr != nil {
		return nil, readErr
	}
	if current.Status == constants.PayoutStatusCompleted {
		return &MarkPayoutPaidResult{Success: true, Message: "payout already completed", Payout: current}, nil
	}
	writeAuditRecord(s.recordRepo, auditEntry{
		action:     constants.ReconcileActionPayoutComplete,
		meta:       meta,
		targetType: constants.ReconcileTargetPayout,
		targetID:   current.ID,
		refKey:     payoutRefKey(current.ID),
		before:     current.Status,
		after:      constants.PayoutStatusCompleted,
		outcome:    recordOutcomeForError(err),
		message:    err.Error(),
	})
	log.Infow("payout_mark_paid_rejected", "status", current.Status, "error", err)
	return &MarkPayoutPaidResult{Success: false, Message: markPaidMessage(err, current.Status), Payout: current}, nil
}

func markPaidMessage(err error, status string) string {
	switch {
	case status == constants.PayoutStatusFailed:
		return "payout already failed, create a new payout instead"
	case err != nil:
		return err.Error()
	}
	return "payout could not be marked as paid"
}

// ReleasePayment 放款并按配置投递打款转账任务
func (s *ReconcileService) ReleasePayment(ctx context.Context, paymentID uint, meta ActionMeta) (*TransitionResult, error) {
	result, err := s.paymentSvc.Release(paymentID, meta)
	if err != nil {
		return nil, err
	}
	s.scheduleTransfer(result.Payout, meta)
	return result, nil
}

// InitiatePayoutTransfer 发起打款转账
func (s *ReconcileService) InitiatePayoutTransfer(ctx context.Context, payoutID uint, meta ActionMeta) (*PayoutTransitionResult, error) {
	return s.payoutSvc.InitiateTransfer(ctx, payoutID, meta)
}

func (s *ReconcileService) scheduleTransfer(payout *models.Payout, meta ActionMeta) {
	if payout == nil || !s.opts.AutoTransfer || s.queueClient == nil || !s.queueClient.Enabled() {
		return
	}
	if err := s.queueClient.EnqueuePayoutTransfer(queue.PayoutTransferPayload{
		PayoutID: payout.ID,
		Operator: meta.Operator,
	}, 0); err != nil {
		reconcileLogger("payout_id", payout.ID).Warnw("payout_transfer_enqueue_failed", "error", err)
	}
}

func (s *ReconcileService) saveSummary(ctx context.Context, summary *cache.ReconcileSummary, startedAt time.Time) {
	finishedAt := time.Now()
	summary.StartedAt = startedAt.Unix()
	summary.FinishedAt = finishedAt.Unix()
	summary.DurationMS = finishedAt.Sub(startedAt).Milliseconds()
	if err := cache.SetReconcileSummary(ctx, summary, s.opts.SummaryTTL); err != nil {
		reconcileLogger("pass", summary.Pass, "run_id", summary.RunID).Warnw("reconcile_summary_save_failed", "error", err)
	}
}
