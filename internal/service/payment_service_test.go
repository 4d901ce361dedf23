package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/queue"
	"github.com/escrow-ledger/internal/repository"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type ledgerTestEnv struct {
	db           *gorm.DB
	paymentSvc   *PaymentService
	payoutSvc    *PayoutService
	reconcileSvc *ReconcileService
	gateway      *fakeGateway
}

func setupLedgerServiceTest(t *testing.T, opts ReconcileOptions) *ledgerTestEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_service_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	models.DB = db

	paymentRepo := repository.NewPaymentRepository(db)
	payoutRepo := repository.NewPayoutRepository(db)
	recordRepo := repository.NewReconciliationRepository(db)
	deliveryRepo := repository.NewWebhookDeliveryRepository(db)
	gw := newFakeGateway()
	queueClient, err := queue.NewClient(&config.QueueConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new queue client failed: %v", err)
	}

	payoutSvc := NewPayoutService(payoutRepo, paymentRepo, recordRepo, gw)
	paymentSvc := NewPaymentService(paymentRepo, recordRepo, payoutSvc, 1000)
	reconcileSvc := NewReconcileService(paymentRepo, payoutRepo, recordRepo, deliveryRepo, paymentSvc, payoutSvc, gw, queueClient, opts)
	return &ledgerTestEnv{
		db:           db,
		paymentSvc:   paymentSvc,
		payoutSvc:    payoutSvc,
		reconcileSvc: reconcileSvc,
		gateway:      gw,
	}
}

// fakeGateway 可编排的网关
type fakeGateway struct {
	mu          sync.Mutex
	statuses    map[string]*gateway.TransactionStatus
	queryErrs   map[string]error
	transfers   []gateway.TransferInput
	transferErr error
	transferRef string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses:    make(map[string]*gateway.TransactionStatus),
		queryErrs:   make(map[string]error),
		transferRef: "tr_fake",
	}
}

func (g *fakeGateway) setStatus(ref string, status gateway.Status, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = &gateway.TransactionStatus{ExternalRef: ref, Status: status, Amount: amount}
}

func (g *fakeGateway) setQueryError(ref string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryErrs[ref] = err
}

func (g *fakeGateway) QueryTransactionStatus(ctx context.Context, externalRef string) (*gateway.TransactionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.queryErrs[externalRef]; ok {
		return nil, err
	}
	if status, ok := g.statuses[externalRef]; ok {
		return status, nil
	}
	return &gateway.TransactionStatus{ExternalRef: externalRef, Status: gateway.StatusNotFound}, nil
}

func (g *fakeGateway) InitiateTransfer(ctx context.Context, input gateway.TransferInput) (*gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, input)
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	return &gateway.TransferResult{TransferRef: g.transferRef}, nil
}

func createLedgerPayment(t *testing.T, db *gorm.DB, bookingID uint, ref, status string, createdAt time.Time) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		BookingID:    bookingID,
		ProviderID:   7,
		ExternalRef:  ref,
		Currency:     "USD",
		Amount:       10000,
		EscrowAmount: 9000,
		PlatformFee:  1000,
		Status:       status,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	switch status {
	case constants.PaymentStatusHeldInEscrow, constants.PaymentStatusProcessingRelease:
		payment.HeldAt = &createdAt
	case constants.PaymentStatusReleased, constants.PaymentStatusRefunded:
		payment.HeldAt = &createdAt
		payment.PaidAt = &createdAt
	}
	if err := db.Create(payment).Error; err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return payment
}

func createLedgerPayout(t *testing.T, db *gorm.DB, paymentID uint, status string, createdAt time.Time) *models.Payout {
	t.Helper()
	payout := &models.Payout{
		PaymentID:  paymentID,
		ProviderID: 7,
		Amount:     9000,
		Currency:   "USD",
		Status:     status,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if err := db.Create(payout).Error; err != nil {
		t.Fatalf("create payout failed: %v", err)
	}
	return payout
}

func reloadPayment(t *testing.T, db *gorm.DB, id uint) *models.Payment {
	t.Helper()
	var payment models.Payment
	if err := db.First(&payment, id).Error; err != nil {
		t.Fatalf("reload payment failed: %v", err)
	}
	return &payment
}

func reloadPayout(t *testing.T, db *gorm.DB, id uint) *models.Payout {
	t.Helper()
	var payout models.Payout
	if err := db.First(&payout, id).Error; err != nil {
		t.Fatalf("reload payout failed: %v", err)
	}
	return &payout
}

func countAppliedRecords(t *testing.T, db *gorm.DB, dedupeKey string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&models.ReconciliationRecord{}).
		Where("dedupe_key = ? AND outcome = ?", dedupeKey, constants.ReconcileOutcomeApplied).
		Count(&count).Error; err != nil {
		t.Fatalf("count records failed: %v", err)
	}
	return count
}

func assertLedgerInvariants(t *testing.T, db *gorm.DB) {
	t.Helper()
	var payments []models.Payment
	if err := db.Find(&payments).Error; err != nil {
		t.Fatalf("list payments failed: %v", err)
	}
	for _, payment := range payments {
		if payment.EscrowAmount+payment.PlatformFee != payment.Amount {
			t.Fatalf("payment %d amounts do not add up: %+v", payment.ID, payment)
		}
		var active int64
		if err := db.Model(&models.Payout{}).
			Where("payment_id = ? AND status IN ?", payment.ID, []string{constants.PayoutStatusPending, constants.PayoutStatusProcessing}).
			Count(&active).Error; err != nil {
			t.Fatalf("count payouts failed: %v", err)
		}
		if active > 1 {
			t.Fatalf("payment %d has %d active payouts", payment.ID, active)
		}
	}
}

func TestCaptureComputesFeeAndRejectsDuplicateBooking(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})

	payment, err := env.paymentSvc.Capture(CaptureInput{
		BookingID:   101,
		ProviderID:  7,
		Amount:      10000,
		Currency:    "usd",
		ExternalRef: "tx_capture",
		Meta:        ActionMeta{Source: constants.ReconcileSourceManual, Operator: "ops"},
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if payment.Status != constants.PaymentStatusPending || payment.Currency != "USD" {
		t.Fatalf("unexpected payment: %+v", payment)
	}
	if payment.PlatformFee != 1000 || payment.EscrowAmount != 9000 {
		t.Fatalf("fee split want 1000/9000 got %d/%d", payment.PlatformFee, payment.EscrowAmount)
	}
	if countAppliedRecords(t, env.db, "capture:tx_capture:pending") != 1 {
		t.Fatalf("capture should write one applied record")
	}

	_, err = env.paymentSvc.Capture(CaptureInput{BookingID: 101, ProviderID: 7, Amount: 5000, Currency: "USD"})
	if !errors.Is(err, ErrDuplicateCapture) {
		t.Fatalf("second capture for booking want ErrDuplicateCapture got %v", err)
	}

	fee := int64(20000)
	if _, err := env.paymentSvc.Capture(CaptureInput{BookingID: 102, ProviderID: 7, Amount: 10000, Currency: "USD", PlatformFee: &fee}); !errors.Is(err, ErrAmountInvalid) {
		t.Fatalf("fee above amount want ErrAmountInvalid got %v", err)
	}
	fullFee := int64(10000)
	if _, err := env.paymentSvc.Capture(CaptureInput{BookingID: 104, ProviderID: 7, Amount: 10000, Currency: "USD", PlatformFee: &fullFee}); !errors.Is(err, ErrAmountInvalid) {
		t.Fatalf("fee equal to amount want ErrAmountInvalid got %v", err)
	}
	if _, err := env.paymentSvc.Capture(CaptureInput{BookingID: 103, ProviderID: 7, Amount: 0, Currency: "USD"}); !errors.Is(err, ErrAmountInvalid) {
		t.Fatalf("zero amount want ErrAmountInvalid got %v", err)
	}
	assertLedgerInvariants(t, env.db)
}

func TestCaptureAllowedAfterTerminalPayment(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	createLedgerPayment(t, env.db, 201, "tx_old", constants.PaymentStatusFailed, time.Now().Add(-time.Hour))

	payment, err := env.paymentSvc.Capture(CaptureInput{BookingID: 201, ProviderID: 7, Amount: 8000, Currency: "USD"})
	if err != nil {
		t.Fatalf("capture after failed payment should succeed: %v", err)
	}
	if payment.EscrowAmount+payment.PlatformFee != payment.Amount {
		t.Fatalf("amount invariant broken: %+v", payment)
	}
}

func TestReleaseContinuesFromProcessingRelease(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 310, "tx_stalled", constants.PaymentStatusProcessingRelease, time.Now().Add(-time.Hour))

	result, err := env.paymentSvc.Release(payment.ID, ActionMeta{Operator: "ops"})
	if err != nil {
		t.Fatalf("release from processing_release failed: %v", err)
	}
	if result.Payment.Status != constants.PaymentStatusReleased || result.Payout == nil {
		t.Fatalf("release should finish with a payout: %+v", result)
	}
	if result.Payout.Amount != payment.EscrowAmount {
		t.Fatalf("payout amount want %d got %d", payment.EscrowAmount, result.Payout.Amount)
	}

	if _, err := env.paymentSvc.Release(payment.ID, ActionMeta{}); !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrStaleState) {
		t.Fatalf("second release want state machine error got %v", err)
	}
	var payouts int64
	if err := env.db.Model(&models.Payout{}).Where("payment_id = ?", payment.ID).Count(&payouts).Error; err != nil {
		t.Fatalf("count payouts failed: %v", err)
	}
	if payouts != 1 {
		t.Fatalf("want one payout got %d", payouts)
	}
	assertLedgerInvariants(t, env.db)
}

func TestEscrowReleaseCreatesSinglePayout(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 301, "", constants.PaymentStatusPending, time.Now())

	if _, err := env.paymentSvc.ConfirmEscrow(payment.ID, "tx_a", ActionMeta{}); err != nil {
		t.Fatalf("confirm escrow failed: %v", err)
	}
	if _, err := env.paymentSvc.BeginRelease(payment.ID, ActionMeta{}); err != nil {
		t.Fatalf("begin release failed: %v", err)
	}
	result, err := env.paymentSvc.ConfirmRelease(payment.ID, ActionMeta{})
	if err != nil {
		t.Fatalf("confirm release failed: %v", err)
	}
	if result.Payout == nil || result.Payout.Amount != 9000 || result.Payout.Status != constants.PayoutStatusPending {
		t.Fatalf("unexpected payout: %+v", result.Payout)
	}

	released := reloadPayment(t, env.db, payment.ID)
	if released.Status != constants.PaymentStatusReleased || released.PaidAt == nil {
		t.Fatalf("payment should be released with paid_at: %+v", released)
	}
	if released.ExternalRef != "tx_a" {
		t.Fatalf("external ref should be recorded, got %q", released.ExternalRef)
	}
	var payouts []models.Payout
	if err := env.db.Where("payment_id = ?", payment.ID).Find(&payouts).Error; err != nil {
		t.Fatalf("list payouts failed: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("want exactly one payout got %d", len(payouts))
	}
	for _, key := range []string{
		"confirm_escrow:tx_a:held_in_escrow",
		"begin_release:tx_a:processing_release",
		"confirm_release:tx_a:released",
		fmt.Sprintf("payout_create:payout:%d:pending", payouts[0].ID),
	} {
		if countAppliedRecords(t, env.db, key) != 1 {
			t.Fatalf("missing applied record %s", key)
		}
	}
	assertLedgerInvariants(t, env.db)
}

func TestConfirmEscrowIsIdempotentForSameReference(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 401, "tx_same", constants.PaymentStatusPending, time.Now())

	first, err := env.paymentSvc.ConfirmEscrow(payment.ID, "tx_same", ActionMeta{})
	if err != nil || !first.Applied {
		t.Fatalf("first confirm should apply: %+v %v", first, err)
	}
	second, err := env.paymentSvc.ConfirmEscrow(payment.ID, "tx_same", ActionMeta{})
	if err != nil {
		t.Fatalf("second confirm should be a noop: %v", err)
	}
	if second.Applied || second.Payment.Status != constants.PaymentStatusHeldInEscrow {
		t.Fatalf("second confirm should return current state: %+v", second)
	}
	if _, err := env.paymentSvc.ConfirmEscrow(payment.ID, "tx_other", ActionMeta{}); !errors.Is(err, ErrReferenceMismatch) {
		t.Fatalf("different ref want ErrReferenceMismatch got %v", err)
	}
}

func TestConfirmEscrowRejectsReferenceOwnedByAnotherPayment(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	createLedgerPayment(t, env.db, 451, "tx_taken", constants.PaymentStatusPending, time.Now())
	payment := createLedgerPayment(t, env.db, 452, "", constants.PaymentStatusPending, time.Now())

	if _, err := env.paymentSvc.ConfirmEscrow(payment.ID, "tx_taken", ActionMeta{}); !errors.Is(err, ErrReferenceMismatch) {
		t.Fatalf("ref used by another payment want ErrReferenceMismatch got %v", err)
	}
	if current := reloadPayment(t, env.db, payment.ID); current.Status != constants.PaymentStatusPending {
		t.Fatalf("payment should stay pending, got %s", current.Status)
	}
}

func TestConcurrentBeginReleaseOnlyOneWins(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 501, "tx_race", constants.PaymentStatusHeldInEscrow, time.Now())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = env.paymentSvc.BeginRelease(payment.ID, ActionMeta{})
		}(i)
	}
	wg.Wait()

	success, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || stale != 1 {
		t.Fatalf("want one success and one stale, got success=%d stale=%d", success, stale)
	}
	if current := reloadPayment(t, env.db, payment.ID); current.Status != constants.PaymentStatusProcessingRelease {
		t.Fatalf("payment should be processing_release, got %s", current.Status)
	}
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	now := time.Now()
	cases := []struct {
		name   string
		status string
		apply  func(id uint) error
		want   error
	}{
		{"pending begin release", constants.PaymentStatusPending, func(id uint) error {
			_, err := env.paymentSvc.BeginRelease(id, ActionMeta{})
			return err
		}, ErrInvalidTransition},
		{"pending refund", constants.PaymentStatusPending, func(id uint) error {
			_, err := env.paymentSvc.Refund(id, "client cancelled", ActionMeta{})
			return err
		}, ErrInvalidTransition},
		{"held confirm release", constants.PaymentStatusHeldInEscrow, func(id uint) error {
			_, err := env.paymentSvc.ConfirmRelease(id, ActionMeta{})
			return err
		}, ErrInvalidTransition},
		{"held mark failed", constants.PaymentStatusHeldInEscrow, func(id uint) error {
			_, err := env.paymentSvc.MarkFailed(id, "late failure", ActionMeta{})
			return err
		}, ErrInvalidTransition},
		{"failed confirm escrow", constants.PaymentStatusFailed, func(id uint) error {
			_, err := env.paymentSvc.ConfirmEscrow(id, "tx_illegal_4", ActionMeta{})
			return err
		}, ErrInvalidTransition},
		{"refunded begin release", constants.PaymentStatusRefunded, func(id uint) error {
			_, err := env.paymentSvc.BeginRelease(id, ActionMeta{})
			return err
		}, ErrInvalidTransition},
		{"processing release refund", constants.PaymentStatusProcessingRelease, func(id uint) error {
			_, err := env.paymentSvc.Refund(id, "too late", ActionMeta{})
			return err
		}, ErrTooLateToRefund},
		{"released refund", constants.PaymentStatusReleased, func(id uint) error {
			_, err := env.paymentSvc.Refund(id, "too late", ActionMeta{})
			return err
		}, ErrTooLateToRefund},
		{"released begin release", constants.PaymentStatusReleased, func(id uint) error {
			_, err := env.paymentSvc.BeginRelease(id, ActionMeta{})
			return err
		}, ErrStaleState},
	}
	for i, tc := range cases {
		payment := createLedgerPayment(t, env.db, uint(600+i), fmt.Sprintf("tx_illegal_%d", i), tc.status, now)
		err := tc.apply(payment.ID)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v got %v", tc.name, tc.want, err)
		}
		if current := reloadPayment(t, env.db, payment.ID); current.Status != tc.status {
			t.Fatalf("%s: status changed from %s to %s", tc.name, tc.status, current.Status)
		}
	}
}

func TestConfirmReleaseRollsBackWhenPayoutCannotBeCreated(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 701, "tx_rollback", constants.PaymentStatusProcessingRelease, time.Now())
	createLedgerPayout(t, env.db, payment.ID, constants.PayoutStatusPending, time.Now())

	if _, err := env.paymentSvc.ConfirmRelease(payment.ID, ActionMeta{}); !errors.Is(err, ErrDuplicatePayout) {
		t.Fatalf("confirm release want ErrDuplicatePayout got %v", err)
	}
	current := reloadPayment(t, env.db, payment.ID)
	if current.Status != constants.PaymentStatusProcessingRelease || current.PaidAt != nil {
		t.Fatalf("release should roll back, got %+v", current)
	}
	if countAppliedRecords(t, env.db, "confirm_release:tx_rollback:released") != 0 {
		t.Fatalf("rolled back release must not leave an applied record")
	}
}

func TestRefundAndMarkFailedAreIdempotent(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	held := createLedgerPayment(t, env.db, 801, "tx_refund", constants.PaymentStatusHeldInEscrow, time.Now())
	pending := createLedgerPayment(t, env.db, 802, "tx_fail", constants.PaymentStatusPending, time.Now())

	result, err := env.paymentSvc.Refund(held.ID, "client cancelled", ActionMeta{})
	if err != nil || !result.Applied {
		t.Fatalf("refund should apply: %+v %v", result, err)
	}
	if result.Payment.RefundReason != "client cancelled" || result.Payment.PaidAt == nil {
		t.Fatalf("refund fields not set: %+v", result.Payment)
	}
	again, err := env.paymentSvc.Refund(held.ID, "client cancelled", ActionMeta{})
	if err != nil || again.Applied {
		t.Fatalf("second refund should be noop: %+v %v", again, err)
	}

	if _, err := env.paymentSvc.MarkFailed(pending.ID, "card declined", ActionMeta{}); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	failed := reloadPayment(t, env.db, pending.ID)
	if failed.Status != constants.PaymentStatusFailed || failed.FailureReason != "card declined" || failed.PaidAt != nil {
		t.Fatalf("unexpected failed payment: %+v", failed)
	}
	if again, err := env.paymentSvc.MarkFailed(pending.ID, "card declined", ActionMeta{}); err != nil || again.Applied {
		t.Fatalf("second mark failed should be noop: %+v %v", again, err)
	}
}

func TestPaymentTransitionTable(t *testing.T) {
	allowed := [][2]string{
		{constants.PaymentStatusPending, constants.PaymentStatusHeldInEscrow},
		{constants.PaymentStatusPending, constants.PaymentStatusFailed},
		{constants.PaymentStatusHeldInEscrow, constants.PaymentStatusProcessingRelease},
		{constants.PaymentStatusHeldInEscrow, constants.PaymentStatusRefunded},
		{constants.PaymentStatusProcessingRelease, constants.PaymentStatusReleased},
	}
	for _, edge := range allowed {
		if !CanTransitionPayment(edge[0], edge[1]) {
			t.Fatalf("%s -> %s should be allowed", edge[0], edge[1])
		}
	}
	if CanTransitionPayment(constants.PaymentStatusReleased, constants.PaymentStatusRefunded) {
		t.Fatalf("released -> refunded must be rejected")
	}
	if CanTransitionPayment(constants.PaymentStatusPending, constants.PaymentStatusReleased) {
		t.Fatalf("pending -> released must be rejected")
	}
	for _, status := range []string{constants.PaymentStatusReleased, constants.PaymentStatusFailed, constants.PaymentStatusRefunded} {
		if !IsPaymentTerminal(status) {
			t.Fatalf("%s should be terminal", status)
		}
	}
}
