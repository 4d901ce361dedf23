package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/escrow-ledger/internal/authz"
	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/repository"
	"github.com/escrow-ledger/internal/service"
)

func main() {
	var (
		operator     string
		operatorRole string
		withDemo     bool
	)
	flag.StringVar(&operator, "operator", "", "绑定角色的操作员主体，取令牌 sub（为空表示跳过）")
	flag.StringVar(&operatorRole, "operator-role", "access_admin", "绑定给操作员的预置角色，多个用逗号分隔")
	flag.BoolVar(&withDemo, "demo", false, "写入演示账务数据")
	flag.Parse()

	// 连接数据库
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	stdLog := logger.StdLogger()
	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}); err != nil {
		stdLog.Fatalf("Failed to connect database: %v", err)
	}

	// 自动迁移
	if err := models.AutoMigrate(); err != nil {
		stdLog.Fatalf("Failed to migrate database: %v", err)
	}

	// 内置角色
	authzService, err := authz.NewService(models.DB)
	if err != nil {
		stdLog.Fatalf("Failed to init authz: %v", err)
	}
	if err := authzService.BootstrapBuiltinRoles(); err != nil {
		stdLog.Fatalf("Failed to bootstrap roles: %v", err)
	}
	stdLog.Printf("Builtin roles ready: %d", len(authz.BuiltinRoleSeeds()))

	if subject := strings.TrimSpace(operator); subject != "" {
		bound, err := authzService.BindOperatorRoles(subject, strings.Split(operatorRole, ","))
		if err != nil {
			stdLog.Fatalf("Failed to bind roles %s to operator %s: %v", operatorRole, subject, err)
		}
		stdLog.Printf("Bound roles %v to operator %s", bound, subject)
	}

	if !withDemo {
		stdLog.Println("Seed completed")
		return
	}

	paymentRepo := repository.NewPaymentRepository(models.DB)
	payoutRepo := repository.NewPayoutRepository(models.DB)
	recordRepo := repository.NewReconciliationRepository(models.DB)
	payoutSvc := service.NewPayoutService(payoutRepo, paymentRepo, recordRepo, gateway.Disabled{})
	paymentSvc := service.NewPaymentService(paymentRepo, recordRepo, payoutSvc, cfg.Reconcile.PlatformFeeBps)

	meta := service.ActionMeta{Source: constants.ReconcileSourceSystem, Operator: "seed", Message: "demo data"}
	demos := []struct {
		bookingID  uint
		providerID uint
		amount     int64
		escrow     bool
		release    bool
	}{
		{bookingID: 9001, providerID: 501, amount: 12000, escrow: false},
		{bookingID: 9002, providerID: 501, amount: 45000, escrow: true},
		{bookingID: 9003, providerID: 502, amount: 8800, escrow: true, release: true},
	}
	for _, demo := range demos {
		ref := fmt.Sprintf("demo_tx_%d", demo.bookingID)
		payment, err := paymentSvc.Capture(service.CaptureInput{
			BookingID:   demo.bookingID,
			ProviderID:  demo.providerID,
			Amount:      demo.amount,
			Currency:    "USD",
			ExternalRef: ref,
			PayoutAccount: models.JSON{
				"type":    "bank_account",
				"account": fmt.Sprintf("acct_demo_%d", demo.providerID),
			},
			Meta: meta,
		})
		if err != nil {
			stdLog.Printf("Skip demo booking %d: %v", demo.bookingID, err)
			continue
		}
		if demo.escrow {
			if _, err := paymentSvc.ConfirmEscrow(payment.ID, ref, meta); err != nil {
				stdLog.Printf("Failed to hold demo payment %d: %v", payment.ID, err)
				continue
			}
		}
		if demo.release {
			if _, err := paymentSvc.Release(payment.ID, meta); err != nil {
				stdLog.Printf("Failed to release demo payment %d: %v", payment.ID, err)
				continue
			}
		}
		stdLog.Printf("Created demo payment %d for booking %d", payment.ID, demo.bookingID)
	}

	stdLog.Println("Seed completed")
}
