package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
)

func TestPayoutCreateRequiresReleasedPayment(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	held := createLedgerPayment(t, env.db, 1001, "tx_p1", constants.PaymentStatusHeldInEscrow, time.Now())

	if _, err := env.payoutSvc.Create(CreatePayoutInput{PaymentID: held.ID}); !errors.Is(err, ErrPaymentNotReleased) {
		t.Fatalf("held payment want ErrPaymentNotReleased got %v", err)
	}
	if _, err := env.payoutSvc.Create(CreatePayoutInput{PaymentID: 99999}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("missing payment want ErrPaymentNotFound got %v", err)
	}
}

func TestPayoutCreateRejectsSecondActivePayout(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	released := createLedgerPayment(t, env.db, 1101, "tx_p2", constants.PaymentStatusReleased, time.Now())

	first, err := env.payoutSvc.Create(CreatePayoutInput{PaymentID: released.ID})
	if err != nil {
		t.Fatalf("create payout failed: %v", err)
	}
	if first.Amount != released.EscrowAmount || first.ProviderID != released.ProviderID || first.Currency != "USD" {
		t.Fatalf("payout should default to escrow amount and provider: %+v", first)
	}
	if _, err := env.payoutSvc.Create(CreatePayoutInput{PaymentID: released.ID}); !errors.Is(err, ErrDuplicatePayout) {
		t.Fatalf("second payout want ErrDuplicatePayout got %v", err)
	}

	if _, err := env.payoutSvc.MarkFailed(first.ID, "bank rejected", ActionMeta{}); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	retry, err := env.payoutSvc.Create(CreatePayoutInput{PaymentID: released.ID})
	if err != nil {
		t.Fatalf("payout after failure should be allowed: %v", err)
	}
	if retry.ID == first.ID {
		t.Fatalf("retry must be a new payout record")
	}
	if failed := reloadPayout(t, env.db, first.ID); failed.Status != constants.PayoutStatusFailed {
		t.Fatalf("failed payout must not be resurrected, got %s", failed.Status)
	}

	if _, err := env.payoutSvc.Create(CreatePayoutInput{PaymentID: released.ID, Amount: 20000}); err == nil {
		t.Fatalf("amount above escrow should be rejected")
	}
	assertLedgerInvariants(t, env.db)
}

func TestMarkCompletedRequiresTransferRefOrOverride(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 1201, "tx_p3", constants.PaymentStatusReleased, time.Now())
	payout := createLedgerPayout(t, env.db, payment.ID, constants.PayoutStatusPending, time.Now())

	if _, err := env.payoutSvc.MarkCompleted(payout.ID, CompletePayoutInput{}); !errors.Is(err, ErrTransferRefRequired) {
		t.Fatalf("missing ref want ErrTransferRefRequired got %v", err)
	}
	if current := reloadPayout(t, env.db, payout.ID); current.Status != constants.PayoutStatusPending {
		t.Fatalf("payout should stay pending, got %s", current.Status)
	}

	result, err := env.payoutSvc.MarkCompleted(payout.ID, CompletePayoutInput{
		ManualOverride: true,
		Meta:           ActionMeta{Source: constants.ReconcileSourceManual, Operator: "finance"},
	})
	if err != nil {
		t.Fatalf("override completion failed: %v", err)
	}
	if result.Payout.Status != constants.PayoutStatusCompleted || !result.Payout.ManualOverride || result.Payout.CompletedAt == nil {
		t.Fatalf("unexpected completed payout: %+v", result.Payout)
	}
	if result.Payout.Operator != "finance" {
		t.Fatalf("operator not recorded: %q", result.Payout.Operator)
	}
	if _, err := env.payoutSvc.MarkFailed(payout.ID, "late", ActionMeta{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> failed want ErrInvalidTransition got %v", err)
	}
}

func TestMarkProcessingThenCompletedWithStoredRef(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 1301, "tx_p4", constants.PaymentStatusReleased, time.Now())
	payout := createLedgerPayout(t, env.db, payment.ID, constants.PayoutStatusPending, time.Now())

	if _, err := env.payoutSvc.MarkProcessing(payout.ID, "tr_stored", ActionMeta{}); err != nil {
		t.Fatalf("mark processing failed: %v", err)
	}
	if _, err := env.payoutSvc.MarkProcessing(payout.ID, "tr_stored", ActionMeta{}); !errors.Is(err, ErrStaleState) {
		t.Fatalf("second mark processing want ErrStaleState got %v", err)
	}
	result, err := env.payoutSvc.MarkCompleted(payout.ID, CompletePayoutInput{})
	if err != nil {
		t.Fatalf("completion with stored ref failed: %v", err)
	}
	if result.Payout.TransferRef != "tr_stored" || result.Payout.ManualOverride {
		t.Fatalf("unexpected completed payout: %+v", result.Payout)
	}
	key := fmt.Sprintf("payout_completed:payout:%d:completed", payout.ID)
	if countAppliedRecords(t, env.db, key) != 1 {
		t.Fatalf("missing applied record %s", key)
	}
}

func TestInitiateTransferMovesPayoutToProcessing(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 1401, "tx_p5", constants.PaymentStatusReleased, time.Now())
	payout := createLedgerPayout(t, env.db, payment.ID, constants.PayoutStatusPending, time.Now())
	env.gateway.transferRef = "tr_gateway_1"

	result, err := env.payoutSvc.InitiateTransfer(context.Background(), payout.ID, ActionMeta{Source: constants.ReconcileSourceManual})
	if err != nil {
		t.Fatalf("initiate transfer failed: %v", err)
	}
	if result.Payout.Status != constants.PayoutStatusProcessing || result.Payout.TransferRef != "tr_gateway_1" {
		t.Fatalf("unexpected payout after transfer: %+v", result.Payout)
	}
	if len(env.gateway.transfers) != 1 || env.gateway.transfers[0].IdempotencyKey != gateway.TransferIdempotencyKey(payout.ID) {
		t.Fatalf("unexpected transfer calls: %+v", env.gateway.transfers)
	}
	if env.gateway.transfers[0].Amount != 9000 {
		t.Fatalf("transfer amount want 9000 got %d", env.gateway.transfers[0].Amount)
	}

	if _, err := env.payoutSvc.InitiateTransfer(context.Background(), payout.ID, ActionMeta{}); !errors.Is(err, ErrStaleState) {
		t.Fatalf("second transfer want ErrStaleState got %v", err)
	}
	if len(env.gateway.transfers) != 1 {
		t.Fatalf("gateway must not be called for a processing payout")
	}
}

func TestInitiateTransferTransportErrorKeepsPayoutPending(t *testing.T) {
	env := setupLedgerServiceTest(t, ReconcileOptions{})
	payment := createLedgerPayment(t, env.db, 1501, "tx_p6", constants.PaymentStatusReleased, time.Now())
	payout := createLedgerPayout(t, env.db, payment.ID, constants.PayoutStatusPending, time.Now())
	env.gateway.transferErr = fmt.Errorf("%w: connection reset", gateway.ErrRequestFailed)

	if _, err := env.payoutSvc.InitiateTransfer(context.Background(), payout.ID, ActionMeta{}); !errors.Is(err, gateway.ErrRequestFailed) {
		t.Fatalf("want gateway error got %v", err)
	}
	if current := reloadPayout(t, env.db, payout.ID); current.Status != constants.PayoutStatusPending {
		t.Fatalf("payout should stay pending, got %s", current.Status)
	}
	var retryable int64
	if err := env.db.Model(&models.ReconciliationRecord{}).
		Where("target_type = ? AND target_id = ? AND outcome = ?", constants.ReconcileTargetPayout, payout.ID, constants.ReconcileOutcomeRetryable).
		Count(&retryable).Error; err != nil {
		t.Fatalf("count records failed: %v", err)
	}
	if retryable != 1 {
		t.Fatalf("want one retryable record got %d", retryable)
	}
}

func TestPayoutTransitionTable(t *testing.T) {
	if !CanTransitionPayout(constants.PayoutStatusPending, constants.PayoutStatusCompleted) {
		t.Fatalf("pending -> completed should be allowed")
	}
	if CanTransitionPayout(constants.PayoutStatusFailed, constants.PayoutStatusPending) {
		t.Fatalf("failed payouts must never be resurrected")
	}
	if CanTransitionPayout(constants.PayoutStatusCompleted, constants.PayoutStatusFailed) {
		t.Fatalf("completed -> failed must be rejected")
	}
	if !IsPayoutActive(constants.PayoutStatusProcessing) || IsPayoutActive(constants.PayoutStatusFailed) {
		t.Fatalf("unexpected active classification")
	}
	if !IsPayoutTerminal(constants.PayoutStatusCompleted) || IsPayoutTerminal(constants.PayoutStatusPending) {
		t.Fatalf("unexpected terminal classification")
	}
}
