package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PayoutService 服务商打款状态机
type PayoutService struct {
	payoutRepo  repository.PayoutRepository
	paymentRepo repository.PaymentRepository
	recordRepo  repository.ReconciliationRepository
	gateway     gateway.Client
}

// NewPayoutService 创建打款服务
func NewPayoutService(payoutRepo repository.PayoutRepository, paymentRepo repository.PaymentRepository, recordRepo repository.ReconciliationRepository, gw gateway.Client) *PayoutService {
	return &PayoutService{
		payoutRepo:  payoutRepo,
		paymentRepo: paymentRepo,
		recordRepo:  recordRepo,
		gateway:     gw,
	}
}

// CreatePayoutInput 创建打款请求
type CreatePayoutInput struct {
	PaymentID  uint
	ProviderID uint  // 为 0 时取支付的服务商
	Amount     int64 // 为 0 时取托管金额
	Meta       ActionMeta
}

// CompletePayoutInput 完成打款请求
type CompletePayoutInput struct {
	TransferRef    string
	ManualOverride bool
	Meta           ActionMeta
}

// PayoutTransitionResult 打款迁移结果
type PayoutTransitionResult struct {
	Payout  *models.Payout
	Applied bool
}

type payoutTransition struct {
	action   string
	from     []string
	to       string
	updates  map[string]interface{}
	message  string
	check    func(payout *models.Payout) error
	mismatch func(payout *models.Payout) error
}

func payoutLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

// GetByID 获取打款
func (s *PayoutService) GetByID(id uint) (*models.Payout, error) {
	payout, err := s.payoutRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, ErrPayoutNotFound
	}
	return payout, nil
}

// ListByPaymentID 获取支付下的全部打款
func (s *PayoutService) ListByPaymentID(paymentID uint) ([]models.Payout, error) {
	return s.payoutRepo.ListByPaymentID(paymentID)
}

// ListAdmin 后台分页查询打款
func (s *PayoutService) ListAdmin(filter repository.PayoutListFilter) ([]models.Payout, int64, error) {
	return s.payoutRepo.ListAdmin(filter)
}

// Create 为已放款支付创建打款
func (s *PayoutService) Create(input CreatePayoutInput) (*models.Payout, error) {
	var payout *models.Payout
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		created, err := s.createInTx(tx, nil, input)
		if err != nil {
			return err
		}
		payout = created
		return nil
	})
	if err != nil {
		payoutLogger("payment_id", input.PaymentID).Infow("payout_create_rejected", "error", err)
		return nil, err
	}
	return payout, nil
}

// createInTx 在调用方事务内创建打款
// 先写锁已放款的支付行，再检查进行中打款，保证每笔支付至多一笔进行中打款
func (s *PayoutService) createInTx(tx *gorm.DB, payment *models.Payment, input CreatePayoutInput) (*models.Payout, error) {
	paymentRepo := s.paymentRepo.WithTx(tx)
	payoutRepo := s.payoutRepo.WithTx(tx)
	if payment == nil {
		loaded, err := paymentRepo.GetByID(input.PaymentID)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, ErrPaymentNotFound
		}
		payment = loaded
	}
	released, err := paymentRepo.GuardReleased(payment.ID)
	if err != nil {
		return nil, err
	}
	if !released {
		return nil, ErrPaymentNotReleased
	}
	providerID := input.ProviderID
	if providerID == 0 {
		providerID = payment.ProviderID
	}
	if providerID != payment.ProviderID {
		return nil, ErrPayoutInvalid
	}
	amount := input.Amount
	if amount == 0 {
		amount = payment.EscrowAmount
	}
	if amount <= 0 || amount > payment.EscrowAmount {
		return nil, ErrAmountInvalid
	}
	active, err := payoutRepo.CountActiveByPaymentID(payment.ID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrDuplicatePayout
	}
	payout := &models.Payout{
		PaymentID:     payment.ID,
		ProviderID:    providerID,
		Amount:        amount,
		Currency:      payment.Currency,
		Status:        constants.PayoutStatusPending,
		Operator:      strings.TrimSpace(input.Meta.Operator),
		PayoutAccount: payment.PayoutAccount,
	}
	if err := payoutRepo.Create(payout); err != nil {
		return nil, err
	}
	meta := input.Meta
	meta.Payload = models.JSON{"payment_id": payment.ID, "amount": amount}
	if err := writeAppliedRecord(s.recordRepo.WithTx(tx), auditEntry{
		action:     constants.ReconcileActionPayoutCreate,
		meta:       meta,
		targetType: constants.ReconcileTargetPayout,
		targetID:   payout.ID,
		refKey:     payoutRefKey(payout.ID),
		after:      constants.PayoutStatusPending,
	}); err != nil {
		return nil, err
	}
	payoutLogger("payout_id", payout.ID, "payment_id", payment.ID, "amount", amount).Infow("payout_created")
	return payout, nil
}

// MarkProcessing pending -> processing
func (s *PayoutService) MarkProcessing(payoutID uint, transferRef string, meta ActionMeta) (*PayoutTransitionResult, error) {
	updates := map[string]interface{}{"processing_at": time.Now()}
	if ref := strings.TrimSpace(transferRef); ref != "" {
		updates["transfer_ref"] = ref
	}
	if operator := strings.TrimSpace(meta.Operator); operator != "" {
		updates["operator"] = operator
	}
	return s.runTransition(payoutID, meta, payoutTransition{
		action:  constants.ReconcileActionPayoutProcess,
		from:    []string{constants.PayoutStatusPending},
		to:      constants.PayoutStatusProcessing,
		updates: updates,
	})
}

// MarkCompleted pending/processing -> completed
// 必须具备转账单号或人工确认
func (s *PayoutService) MarkCompleted(payoutID uint, input CompletePayoutInput) (*PayoutTransitionResult, error) {
	transferRef := strings.TrimSpace(input.TransferRef)
	updates := map[string]interface{}{
		"completed_at":    time.Now(),
		"manual_override": input.ManualOverride,
	}
	if transferRef != "" {
		updates["transfer_ref"] = transferRef
	}
	if operator := strings.TrimSpace(input.Meta.Operator); operator != "" {
		updates["operator"] = operator
	}
	message := ""
	if input.ManualOverride {
		message = "manual override"
	}
	return s.runTransition(payoutID, input.Meta, payoutTransition{
		action:  constants.ReconcileActionPayoutComplete,
		from:    []string{constants.PayoutStatusPending, constants.PayoutStatusProcessing},
		to:      constants.PayoutStatusCompleted,
		updates: updates,
		message: message,
		check: func(payout *models.Payout) error {
			if transferRef == "" && strings.TrimSpace(payout.TransferRef) == "" && !input.ManualOverride {
				return ErrTransferRefRequired
			}
			return nil
		},
	})
}

// MarkFailed pending/processing -> failed
func (s *PayoutService) MarkFailed(payoutID uint, reason string, meta ActionMeta) (*PayoutTransitionResult, error) {
	reason = strings.TrimSpace(reason)
	updates := map[string]interface{}{
		"failure_reason": reason,
		"failed_at":      time.Now(),
	}
	if operator := strings.TrimSpace(meta.Operator); operator != "" {
		updates["operator"] = operator
	}
	return s.runTransition(payoutID, meta, payoutTransition{
		action:  constants.ReconcileActionPayoutFail,
		from:    []string{constants.PayoutStatusPending, constants.PayoutStatusProcessing},
		to:      constants.PayoutStatusFailed,
		updates: updates,
		message: reason,
		mismatch: func(payout *models.Payout) error {
			if payout.Status == constants.PayoutStatusFailed {
				return errTransitionNoop
			}
			return nil
		},
	})
}

// InitiateTransfer 向网关发起转账，受理后进入 processing
// 网关调用先于状态写入，转账幂等键保证重试安全
func (s *PayoutService) InitiateTransfer(ctx context.Context, payoutID uint, meta ActionMeta) (*PayoutTransitionResult, error) {
	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}
	payout, err := s.GetByID(payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != constants.PayoutStatusPending {
		return nil, classifyPayoutMismatch(payout.Status, constants.PayoutStatusProcessing)
	}
	log := payoutLogger("payout_id", payout.ID, "payment_id", payout.PaymentID)
	transfer, err := s.gateway.InitiateTransfer(ctx, gateway.TransferInput{
		PayoutID:       payout.ID,
		Amount:         payout.Amount,
		Currency:       payout.Currency,
		Account:        map[string]interface{}(payout.PayoutAccount),
		IdempotencyKey: gateway.TransferIdempotencyKey(payout.ID),
		Remark:         fmt.Sprintf("payout for payment %d", payout.PaymentID),
	})
	if err != nil {
		outcome := constants.ReconcileOutcomeFailed
		if gateway.IsTransportError(err) {
			outcome = constants.ReconcileOutcomeRetryable
		}
		writeAuditRecord(s.recordRepo, auditEntry{
			action:     constants.ReconcileActionPayoutTransfer,
			meta:       meta,
			targetType: constants.ReconcileTargetPayout,
			targetID:   payout.ID,
			refKey:     payoutRefKey(payout.ID),
			before:     payout.Status,
			after:      payout.Status,
			outcome:    outcome,
			message:    err.Error(),
		})
		log.Warnw("payout_transfer_failed", "outcome", outcome, "error", err)
		return nil, err
	}
	meta.Payload = models.JSON{"transfer_ref": transfer.TransferRef}
	result, err := s.MarkProcessing(payout.ID, transfer.TransferRef, meta)
	if err != nil {
		return nil, err
	}
	log.Infow("payout_transfer_initiated", "transfer_ref", transfer.TransferRef)
	return result, nil
}

func (s *PayoutService) runTransition(payoutID uint, meta ActionMeta, tr payoutTransition) (*PayoutTransitionResult, error) {
	log := payoutLogger(
		"payout_id", payoutID,
		"action", tr.action,
		"source", meta.resolveSource(),
		"target_status", tr.to,
	)
	result := &PayoutTransitionResult{}
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		payoutRepo := s.payoutRepo.WithTx(tx)
		payout, err := payoutRepo.GetByID(payoutID)
		if err != nil {
			return err
		}
		if payout == nil {
			return ErrPayoutNotFound
		}
		before := payout.Status
		if !containsStatus(tr.from, before) {
			if tr.mismatch != nil {
				if err := tr.mismatch(payout); err != nil {
					if errors.Is(err, errTransitionNoop) {
						result.Payout = payout
						return nil
					}
					return err
				}
			}
			return classifyPayoutMismatch(before, tr.to)
		}
		if tr.check != nil {
			if err := tr.check(payout); err != nil {
				return err
			}
		}
		ok, err := payoutRepo.CompareAndSetStatus(payout.ID, before, tr.to, tr.updates)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStaleState
		}
		updated, err := payoutRepo.GetByID(payout.ID)
		if err != nil {
			return err
		}
		if updated == nil {
			return ErrPayoutNotFound
		}
		if err := writeAppliedRecord(s.recordRepo.WithTx(tx), auditEntry{
			action:     tr.action,
			meta:       meta,
			targetType: constants.ReconcileTargetPayout,
			targetID:   updated.ID,
			refKey:     payoutRefKey(updated.ID),
			before:     before,
			after:      tr.to,
			message:    tr.message,
		}); err != nil {
			return err
		}
		result.Payout = updated
		result.Applied = true
		return nil
	})
	if err != nil {
		if IsStateMachineError(err) {
			log.Infow("payout_transition_rejected", "error", err)
		} else {
			log.Errorw("payout_transition_failed", "error", err)
		}
		return nil, err
	}
	if result.Applied {
		log.Infow("payout_transition_applied")
	}
	return result, nil
}

func containsStatus(statuses []string, status string) bool {
	for _, item := range statuses {
		if item == status {
			return true
		}
	}
	return false
}
