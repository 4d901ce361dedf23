package service

import (
	"errors"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errTransitionNoop 幂等命中，不做迁移
var errTransitionNoop = errors.New("transition noop")

// PaymentService 托管支付状态机
type PaymentService struct {
	paymentRepo    repository.PaymentRepository
	recordRepo     repository.ReconciliationRepository
	payoutSvc      *PayoutService
	platformFeeBps int64
}

// NewPaymentService 创建支付服务
func NewPaymentService(paymentRepo repository.PaymentRepository, recordRepo repository.ReconciliationRepository, payoutSvc *PayoutService, platformFeeBps int64) *PaymentService {
	return &PaymentService{
		paymentRepo:    paymentRepo,
		recordRepo:     recordRepo,
		payoutSvc:      payoutSvc,
		platformFeeBps: platformFeeBps,
	}
}

// CaptureInput 登记支付请求
type CaptureInput struct {
	BookingID     uint
	ProviderID    uint
	Amount        int64
	PlatformFee   *int64 // 为空时按费率计算
	Currency      string
	ExternalRef   string
	PayoutAccount models.JSON
	Meta          ActionMeta
}

// TransitionResult 状态迁移结果
type TransitionResult struct {
	Payment *models.Payment
	Payout  *models.Payout
	Applied bool // false 表示幂等命中
}

// paymentTransition 描述一次支付状态迁移
type paymentTransition struct {
	action  string
	from    string
	to      string
	updates map[string]interface{}
	message string
	// mismatch 当前状态不是 from 时调用，返回 errTransitionNoop 表示幂等
	mismatch func(payment *models.Payment) error
	// check 在 CAS 前校验当前行
	check func(payment *models.Payment) error
	// translate 转换 CAS 写入错误
	translate func(err error) error
	// after 在 CAS 成功后于同一事务内执行
	after func(tx *gorm.DB, payment *models.Payment) error
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

// GetByID 获取支付
func (s *PaymentService) GetByID(id uint) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// GetByExternalRef 按网关交易号获取支付
func (s *PaymentService) GetByExternalRef(ref string) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByExternalRef(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// ListAdmin 后台分页查询支付
func (s *PaymentService) ListAdmin(filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	return s.paymentRepo.ListAdmin(filter)
}

// ListRecords 查询支付的对账记录
func (s *PaymentService) ListRecords(paymentID uint) ([]models.ReconciliationRecord, error) {
	return s.recordRepo.ListByTarget(constants.ReconcileTargetPayment, paymentID)
}

// Capture 登记新支付，初始状态为 pending
func (s *PaymentService) Capture(input CaptureInput) (*models.Payment, error) {
	if input.BookingID == 0 || input.ProviderID == 0 {
		return nil, ErrCaptureInvalid
	}
	if input.Amount <= 0 {
		return nil, ErrAmountInvalid
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		return nil, ErrCurrencyRequired
	}
	fee := models.ApplyBasisPoints(input.Amount, s.platformFeeBps)
	if input.PlatformFee != nil {
		fee = *input.PlatformFee
	}
	// 托管金额必须为正，否则放款时无法生成打款
	if fee < 0 || fee >= input.Amount {
		return nil, ErrAmountInvalid
	}
	externalRef := strings.TrimSpace(input.ExternalRef)

	log := paymentLogger(
		"booking_id", input.BookingID,
		"provider_id", input.ProviderID,
		"external_ref", externalRef,
		"amount", models.FormatMinorAmount(input.Amount, currency),
		"currency", currency,
	)

	payment := &models.Payment{
		BookingID:     input.BookingID,
		ProviderID:    input.ProviderID,
		ExternalRef:   externalRef,
		Currency:      currency,
		Amount:        input.Amount,
		EscrowAmount:  input.Amount - fee,
		PlatformFee:   fee,
		Status:        constants.PaymentStatusPending,
		PayoutAccount: input.PayoutAccount,
	}
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		paymentRepo := s.paymentRepo.WithTx(tx)
		active, err := paymentRepo.GetActiveByBookingID(input.BookingID)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrDuplicateCapture
		}
		if externalRef != "" {
			existing, err := paymentRepo.GetByExternalRef(externalRef)
			if err != nil {
				return err
			}
			if existing != nil {
				return ErrDuplicateCapture
			}
		}
		if err := paymentRepo.Create(payment); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateCapture
			}
			return err
		}
		return writeAppliedRecord(s.recordRepo.WithTx(tx), auditEntry{
			action:     constants.ReconcileActionCapture,
			meta:       input.Meta,
			targetType: constants.ReconcileTargetPayment,
			targetID:   payment.ID,
			refKey:     paymentRefKey(payment),
			after:      constants.PaymentStatusPending,
		})
	})
	if err != nil {
		log.Warnw("payment_capture_rejected", "error", err)
		return nil, err
	}
	log.Infow("payment_captured", "payment_id", payment.ID, "escrow_amount", payment.EscrowAmount)
	return payment, nil
}

// ConfirmEscrow pending -> held_in_escrow
// 已处于托管及之后状态且交易号一致时幂等返回
func (s *PaymentService) ConfirmEscrow(paymentID uint, gatewayRef string, meta ActionMeta) (*TransitionResult, error) {
	gatewayRef = strings.TrimSpace(gatewayRef)
	now := time.Now()
	updates := map[string]interface{}{"held_at": now}
	if gatewayRef != "" {
		updates["external_ref"] = gatewayRef
	}
	matchRef := func(payment *models.Payment) error {
		stored := strings.TrimSpace(payment.ExternalRef)
		if stored == "" && gatewayRef == "" {
			return ErrReferenceMismatch
		}
		if stored != "" && gatewayRef != "" && stored != gatewayRef {
			return ErrReferenceMismatch
		}
		return nil
	}
	return s.runTransition(paymentID, meta, paymentTransition{
		action:  constants.ReconcileActionConfirmEscrow,
		from:    constants.PaymentStatusPending,
		to:      constants.PaymentStatusHeldInEscrow,
		updates: updates,
		check:   matchRef,
		mismatch: func(payment *models.Payment) error {
			if payment.Status == constants.PaymentStatusHeldInEscrow ||
				reachable(paymentTransitions, constants.PaymentStatusHeldInEscrow, payment.Status) {
				if err := matchRef(payment); err != nil {
					return err
				}
				return errTransitionNoop
			}
			return nil
		},
		translate: func(err error) error {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrReferenceMismatch
			}
			return err
		},
	})
}

// BeginRelease held_in_escrow -> processing_release
func (s *PaymentService) BeginRelease(paymentID uint, meta ActionMeta) (*TransitionResult, error) {
	return s.runTransition(paymentID, meta, paymentTransition{
		action: constants.ReconcileActionBeginRelease,
		from:   constants.PaymentStatusHeldInEscrow,
		to:     constants.PaymentStatusProcessingRelease,
	})
}

// ConfirmRelease processing_release -> released，同一事务内创建打款
func (s *PaymentService) ConfirmRelease(paymentID uint, meta ActionMeta) (*TransitionResult, error) {
	var payout *models.Payout
	result, err := s.runTransition(paymentID, meta, paymentTransition{
		action:  constants.ReconcileActionConfirmRelease,
		from:    constants.PaymentStatusProcessingRelease,
		to:      constants.PaymentStatusReleased,
		updates: map[string]interface{}{"paid_at": time.Now()},
		after: func(tx *gorm.DB, payment *models.Payment) error {
			created, err := s.payoutSvc.createInTx(tx, payment, CreatePayoutInput{
				PaymentID:  payment.ID,
				ProviderID: payment.ProviderID,
				Amount:     payment.EscrowAmount,
				Meta:       meta,
			})
			if err != nil {
				return err
			}
			payout = created
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	result.Payout = payout
	return result, nil
}

// Release 依次执行 BeginRelease 与 ConfirmRelease
// 已停在 processing_release 的支付直接续做 ConfirmRelease
func (s *PaymentService) Release(paymentID uint, meta ActionMeta) (*TransitionResult, error) {
	payment, err := s.GetByID(paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != constants.PaymentStatusProcessingRelease {
		if _, err := s.BeginRelease(paymentID, meta); err != nil {
			return nil, err
		}
	}
	return s.ConfirmRelease(paymentID, meta)
}

// Refund held_in_escrow -> refunded
func (s *PaymentService) Refund(paymentID uint, reason string, meta ActionMeta) (*TransitionResult, error) {
	reason = strings.TrimSpace(reason)
	return s.runTransition(paymentID, meta, paymentTransition{
		action: constants.ReconcileActionRefund,
		from:   constants.PaymentStatusHeldInEscrow,
		to:     constants.PaymentStatusRefunded,
		updates: map[string]interface{}{
			"refund_reason": reason,
			"paid_at":       time.Now(),
		},
		message: reason,
		mismatch: func(payment *models.Payment) error {
			switch payment.Status {
			case constants.PaymentStatusProcessingRelease, constants.PaymentStatusReleased:
				return ErrTooLateToRefund
			case constants.PaymentStatusRefunded:
				return errTransitionNoop
			}
			return nil
		},
	})
}

// MarkFailed pending -> failed
func (s *PaymentService) MarkFailed(paymentID uint, reason string, meta ActionMeta) (*TransitionResult, error) {
	reason = strings.TrimSpace(reason)
	return s.runTransition(paymentID, meta, paymentTransition{
		action:  constants.ReconcileActionFail,
		from:    constants.PaymentStatusPending,
		to:      constants.PaymentStatusFailed,
		updates: map[string]interface{}{"failure_reason": reason},
		message: reason,
		mismatch: func(payment *models.Payment) error {
			if payment.Status == constants.PaymentStatusFailed {
				return errTransitionNoop
			}
			return nil
		},
	})
}

// FlagForReview 标记人工复核，不改变状态
func (s *PaymentService) FlagForReview(paymentID uint, reason string) error {
	return s.paymentRepo.UpdateFields(paymentID, map[string]interface{}{
		"needs_review":       true,
		"review_reason":      strings.TrimSpace(reason),
		"last_reconciled_at": time.Now(),
	})
}

// ResolveReview 清除复核标记
func (s *PaymentService) ResolveReview(paymentID uint, meta ActionMeta) (*models.Payment, error) {
	payment, err := s.GetByID(paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.NeedsReview {
		return payment, nil
	}
	if err := s.paymentRepo.UpdateFields(paymentID, map[string]interface{}{
		"needs_review":  false,
		"review_reason": "",
	}); err != nil {
		return nil, err
	}
	writeAuditRecord(s.recordRepo, auditEntry{
		action:     constants.ReconcileActionFlag,
		meta:       meta,
		targetType: constants.ReconcileTargetPayment,
		targetID:   payment.ID,
		refKey:     paymentRefKey(payment),
		before:     payment.Status,
		after:      payment.Status,
		outcome:    constants.ReconcileOutcomeNoop,
		message:    "review resolved",
	})
	paymentLogger("payment_id", payment.ID, "operator", meta.Operator).Infow("payment_review_resolved")
	return s.GetByID(paymentID)
}

// RecordRecoveryAttempt 网关仍为 pending 时累加恢复次数
func (s *PaymentService) RecordRecoveryAttempt(paymentID uint) error {
	return s.paymentRepo.IncrementRecoveryAttempts(paymentID, time.Now())
}

func (s *PaymentService) runTransition(paymentID uint, meta ActionMeta, tr paymentTransition) (*TransitionResult, error) {
	log := paymentLogger(
		"payment_id", paymentID,
		"action", tr.action,
		"source", meta.resolveSource(),
		"target_status", tr.to,
	)
	result := &TransitionResult{}
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		paymentRepo := s.paymentRepo.WithTx(tx)
		payment, err := paymentRepo.GetByID(paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return ErrPaymentNotFound
		}
		if payment.Status != tr.from {
			if tr.mismatch != nil {
				if err := tr.mismatch(payment); err != nil {
					if errors.Is(err, errTransitionNoop) {
						result.Payment = payment
						return nil
					}
					return err
				}
			}
			return classifyPaymentMismatch(payment.Status, tr.to)
		}
		if tr.check != nil {
			if err := tr.check(payment); err != nil {
				return err
			}
		}
		ok, err := paymentRepo.CompareAndSetStatus(payment.ID, tr.from, tr.to, tr.updates)
		if err != nil {
			if tr.translate != nil {
				return tr.translate(err)
			}
			return err
		}
		if !ok {
			return ErrStaleState
		}
		updated, err := paymentRepo.GetByID(payment.ID)
		if err != nil {
			return err
		}
		if updated == nil {
			return ErrPaymentNotFound
		}
		if tr.after != nil {
			if err := tr.after(tx, updated); err != nil {
				return err
			}
		}
		if err := writeAppliedRecord(s.recordRepo.WithTx(tx), auditEntry{
			action:     tr.action,
			meta:       meta,
			targetType: constants.ReconcileTargetPayment,
			targetID:   updated.ID,
			refKey:     paymentRefKey(updated),
			before:     tr.from,
			after:      tr.to,
			message:    tr.message,
		}); err != nil {
			return err
		}
		result.Payment = updated
		result.Applied = true
		return nil
	})
	if err != nil {
		if IsStateMachineError(err) {
			log.Infow("payment_transition_rejected", "error", err)
		} else {
			log.Errorw("payment_transition_failed", "error", err)
		}
		return nil, err
	}
	if result.Applied {
		log.Infow("payment_transition_applied")
	} else {
		log.Debugw("payment_transition_noop", "status", result.Payment.Status)
	}
	return result, nil
}
