package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/escrow-ledger/internal/authz"
	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/constants"
	handlershared "github.com/escrow-ledger/internal/http/handlers/shared"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/provider"
	"github.com/escrow-ledger/internal/queue"
	"github.com/escrow-ledger/internal/repository"
	"github.com/escrow-ledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type adminEnvelope struct {
	StatusCode int             `json:"status_code"`
	Msg        string          `json:"msg"`
	Data       json.RawMessage `json:"data"`
}

func setupAdminLedgerHandlerTest(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:admin_ledger_handler_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	queueClient, err := queue.NewClient(&config.QueueConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new queue client failed: %v", err)
	}
	authzService, err := authz.NewService(db)
	if err != nil {
		t.Fatalf("new authz service failed: %v", err)
	}
	if err := authzService.BootstrapBuiltinRoles(); err != nil {
		t.Fatalf("bootstrap roles failed: %v", err)
	}
	paymentRepo := repository.NewPaymentRepository(db)
	payoutRepo := repository.NewPayoutRepository(db)
	recordRepo := repository.NewReconciliationRepository(db)
	deliveryRepo := repository.NewWebhookDeliveryRepository(db)
	auditRepo := repository.NewAuthzAuditLogRepository(db)
	gw := gateway.Disabled{}
	payoutSvc := service.NewPayoutService(payoutRepo, paymentRepo, recordRepo, gw)
	paymentSvc := service.NewPaymentService(paymentRepo, recordRepo, payoutSvc, 1000)
	reconcileSvc := service.NewReconcileService(paymentRepo, payoutRepo, recordRepo, deliveryRepo, paymentSvc, payoutSvc, gw, queueClient, service.ReconcileOptions{})

	h := New(&provider.Container{
		Config:            &config.Config{},
		QueueClient:       queueClient,
		Gateway:           gw,
		AuthzService:      authzService,
		AuthzAuditService: service.NewAuthzAuditService(auditRepo),
		PaymentService:    paymentSvc,
		PayoutService:     payoutSvc,
		ReconcileService:  reconcileSvc,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		handlershared.SetContextOperator(c, authz.Operator{Subject: "ops_lee", Name: "Lee"})
		c.Set("request_id", "req-test")
		c.Next()
	})
	r.GET("/payments", h.ListPayments)
	r.POST("/payments", h.CapturePayment)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/escrow", h.ConfirmEscrow)
	r.POST("/payments/:id/release", h.ReleasePayment)
	r.POST("/payments/:id/refund", h.RefundPayment)
	r.GET("/payouts", h.ListPayouts)
	r.POST("/payouts/:id/mark-paid", h.MarkPayoutPaid)
	r.POST("/payouts/:id/transfer", h.TransferPayout)
	r.POST("/reconcile/cleanup", h.RunCleanupPass)
	r.GET("/reconcile/records", h.ListReconcileRecords)
	r.PUT("/authz/operators/:subject/roles", h.BindAuthzOperatorRoles)
	r.GET("/authz/audit-logs", h.ListAuthzAuditLogs)
	return r, db
}

func doAdminRequest(t *testing.T, r *gin.Engine, method, path, body string) adminEnvelope {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("%s %s http status want 200 got %d", method, path, w.Code)
	}
	var env adminEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal response failed: %v body=%s", err, w.Body.String())
	}
	return env
}

func decodeData(t *testing.T, env adminEnvelope, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dest); err != nil {
		t.Fatalf("decode data failed: %v data=%s", err, string(env.Data))
	}
}

func TestAdminPaymentLifecycle(t *testing.T) {
	r, db := setupAdminLedgerHandlerTest(t)

	env := doAdminRequest(t, r, http.MethodPost, "/payments",
		`{"booking_id":11,"provider_id":22,"amount":10000,"currency":"usd","external_ref":"tx_admin_1"}`)
	if env.StatusCode != 0 {
		t.Fatalf("capture want 0 got %d (%s)", env.StatusCode, env.Msg)
	}
	var captured models.Payment
	decodeData(t, env, &captured)
	if captured.EscrowAmount != 9000 || captured.PlatformFee != 1000 || captured.Currency != "USD" {
		t.Fatalf("unexpected captured payment: %+v", captured)
	}

	env = doAdminRequest(t, r, http.MethodPost, "/payments",
		`{"booking_id":11,"provider_id":22,"amount":500,"currency":"usd"}`)
	if env.StatusCode != 409 {
		t.Fatalf("duplicate capture want 409 got %d", env.StatusCode)
	}

	env = doAdminRequest(t, r, http.MethodPost, fmt.Sprintf("/payments/%d/escrow", captured.ID), "")
	if env.StatusCode != 0 {
		t.Fatalf("escrow want 0 got %d (%s)", env.StatusCode, env.Msg)
	}

	env = doAdminRequest(t, r, http.MethodPost, fmt.Sprintf("/payments/%d/release", captured.ID), "")
	if env.StatusCode != 0 {
		t.Fatalf("release want 0 got %d (%s)", env.StatusCode, env.Msg)
	}
	var released struct {
		Applied bool           `json:"applied"`
		Payment models.Payment `json:"payment"`
		Payout  models.Payout  `json:"payout"`
	}
	decodeData(t, env, &released)
	if !released.Applied || released.Payment.Status != constants.PaymentStatusReleased {
		t.Fatalf("unexpected release result: %+v", released)
	}
	if released.Payout.Amount != 9000 || released.Payout.Status != constants.PayoutStatusPending {
		t.Fatalf("unexpected payout: %+v", released.Payout)
	}

	env = doAdminRequest(t, r, http.MethodPost, fmt.Sprintf("/payments/%d/refund", captured.ID), `{"reason":"customer asked"}`)
	if env.StatusCode != 422 {
		t.Fatalf("refund after release want 422 got %d", env.StatusCode)
	}

	var records int64
	if err := db.Model(&models.ReconciliationRecord{}).
		Where("target_type = ? AND target_id = ? AND operator = ?", constants.ReconcileTargetPayment, captured.ID, "ops_lee").
		Count(&records).Error; err != nil {
		t.Fatalf("count records failed: %v", err)
	}
	if records == 0 {
		t.Fatalf("manual actions should be audited with operator")
	}

	env = doAdminRequest(t, r, http.MethodGet, fmt.Sprintf("/payments/%d", captured.ID), "")
	if env.StatusCode != 0 {
		t.Fatalf("get payment want 0 got %d", env.StatusCode)
	}
	var detail struct {
		Payouts []models.Payout               `json:"payouts"`
		Records []models.ReconciliationRecord `json:"records"`
	}
	decodeData(t, env, &detail)
	if len(detail.Payouts) != 1 || len(detail.Records) == 0 {
		t.Fatalf("unexpected payment detail: payouts=%d records=%d", len(detail.Payouts), len(detail.Records))
	}
}

func TestAdminMarkPayoutPaid(t *testing.T) {
	r, _ := setupAdminLedgerHandlerTest(t)

	env := doAdminRequest(t, r, http.MethodPost, "/payments",
		`{"booking_id":31,"provider_id":32,"amount":2000,"platform_fee":0,"currency":"EUR","external_ref":"tx_admin_paid"}`)
	var payment models.Payment
	decodeData(t, env, &payment)
	doAdminRequest(t, r, http.MethodPost, fmt.Sprintf("/payments/%d/escrow", payment.ID), "")
	env = doAdminRequest(t, r, http.MethodPost, fmt.Sprintf("/payments/%d/release", payment.ID), "")
	var released struct {
		Payout models.Payout `json:"payout"`
	}
	decodeData(t, env, &released)
	if released.Payout.Amount != 2000 {
		t.Fatalf("payout amount want 2000 got %d", released.Payout.Amount)
	}
	path := fmt.Sprintf("/payouts/%d/mark-paid", released.Payout.ID)

	var result service.MarkPayoutPaidResult
	env = doAdminRequest(t, r, http.MethodPost, path, "")
	decodeData(t, env, &result)
	if env.StatusCode != 0 || result.Success {
		t.Fatalf("mark paid without reference should be reported unsuccessful: code=%d result=%+v", env.StatusCode, result)
	}

	env = doAdminRequest(t, r, http.MethodPost, path, `{"transfer_ref":"tr_9"}`)
	decodeData(t, env, &result)
	if !result.Success || result.Payout == nil || result.Payout.Status != constants.PayoutStatusCompleted {
		t.Fatalf("mark paid should complete payout: %+v", result)
	}

	env = doAdminRequest(t, r, http.MethodPost, path, `{"transfer_ref":"tr_9"}`)
	decodeData(t, env, &result)
	if !result.Success {
		t.Fatalf("repeated mark paid should stay successful: %+v", result)
	}
}

func TestAdminTransferWithoutGatewayIsUnavailable(t *testing.T) {
	r, db := setupAdminLedgerHandlerTest(t)
	payout := &models.Payout{
		PaymentID:  99,
		ProviderID: 1,
		Amount:     100,
		Currency:   "USD",
		Status:     constants.PayoutStatusPending,
	}
	if err := db.Create(payout).Error; err != nil {
		t.Fatalf("create payout failed: %v", err)
	}

	env := doAdminRequest(t, r, http.MethodPost, fmt.Sprintf("/payouts/%d/transfer", payout.ID), "")
	if env.StatusCode != 503 {
		t.Fatalf("transfer without gateway want 503 got %d", env.StatusCode)
	}
	env = doAdminRequest(t, r, http.MethodPost, "/payouts/abc/transfer", "")
	if env.StatusCode != 400 {
		t.Fatalf("invalid id want 400 got %d", env.StatusCode)
	}
}

func TestAdminCleanupPassRunsSynchronously(t *testing.T) {
	r, db := setupAdminLedgerHandlerTest(t)
	orphan := &models.Payout{
		PaymentID:  4242,
		ProviderID: 1,
		Amount:     100,
		Currency:   "USD",
		Status:     constants.PayoutStatusPending,
	}
	if err := db.Create(orphan).Error; err != nil {
		t.Fatalf("create payout failed: %v", err)
	}

	env := doAdminRequest(t, r, http.MethodPost, "/reconcile/cleanup?async=1", "")
	if env.StatusCode != 0 {
		t.Fatalf("cleanup want 0 got %d (%s)", env.StatusCode, env.Msg)
	}
	var result struct {
		Queued bool   `json:"queued"`
		RunID  string `json:"run_id"`
	}
	decodeData(t, env, &result)
	if result.Queued || result.RunID == "" {
		t.Fatalf("queue disabled pass should run inline: %+v", result)
	}

	var current models.Payout
	if err := db.First(&current, orphan.ID).Error; err != nil {
		t.Fatalf("reload payout failed: %v", err)
	}
	if current.Status != constants.PayoutStatusFailed {
		t.Fatalf("orphaned payout should fail, got %s", current.Status)
	}

	env = doAdminRequest(t, r, http.MethodGet, "/reconcile/records?run_id="+result.RunID, "")
	var records []models.ReconciliationRecord
	decodeData(t, env, &records)
	if len(records) == 0 {
		t.Fatalf("cleanup records should carry the run id")
	}
}

func TestAdminBindOperatorRolesWritesAuthzAudit(t *testing.T) {
	r, _ := setupAdminLedgerHandlerTest(t)

	env := doAdminRequest(t, r, http.MethodPut, "/authz/operators/fin-9/roles", `{"roles":["finance_operator"]}`)
	if env.StatusCode != 0 {
		t.Fatalf("bind roles want 0 got %d (%s)", env.StatusCode, env.Msg)
	}
	env = doAdminRequest(t, r, http.MethodGet, "/authz/audit-logs?target_subject=fin-9", "")
	var logs []models.AuthzAuditLog
	decodeData(t, env, &logs)
	if len(logs) != 1 || logs[0].Action != "operator_roles_bind" || logs[0].OperatorSubject != "ops_lee" ||
		logs[0].Roles != "role:finance_operator" || logs[0].RequestID != "req-test" {
		t.Fatalf("unexpected authz audit logs: %+v", logs)
	}
}

func TestAdminBindOperatorRolesRejectsCustomRole(t *testing.T) {
	r, _ := setupAdminLedgerHandlerTest(t)

	env := doAdminRequest(t, r, http.MethodPut, "/authz/operators/fin-9/roles", `{"roles":["superuser"]}`)
	if env.StatusCode != 400 {
		t.Fatalf("custom role want 400 got %d (%s)", env.StatusCode, env.Msg)
	}
	env = doAdminRequest(t, r, http.MethodPut, "/authz/operators/ops_lee/roles", `{"roles":["access_admin"]}`)
	if env.StatusCode != 403 {
		t.Fatalf("self bind want 403 got %d (%s)", env.StatusCode, env.Msg)
	}
	env = doAdminRequest(t, r, http.MethodGet, "/authz/audit-logs", "")
	var logs []models.AuthzAuditLog
	decodeData(t, env, &logs)
	if len(logs) != 0 {
		t.Fatalf("rejected binds must not be audited: %+v", logs)
	}
}
