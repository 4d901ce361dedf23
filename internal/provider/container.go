package provider

import (
	"context"

	"github.com/escrow-ledger/internal/authz"
	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/queue"
	"github.com/escrow-ledger/internal/repository"
	"github.com/escrow-ledger/internal/service"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	Gateway     gateway.Client

	// Repositories
	PaymentRepo         repository.PaymentRepository
	PayoutRepo          repository.PayoutRepository
	ReconciliationRepo  repository.ReconciliationRepository
	WebhookDeliveryRepo repository.WebhookDeliveryRepository
	AuthzAuditLogRepo   repository.AuthzAuditLogRepository

	// Services
	AuthzService      *authz.Service
	AuthzAuditService *service.AuthzAuditService
	PaymentService    *service.PaymentService
	PayoutService     *service.PayoutService
	ReconcileService  *service.ReconcileService
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	// 网关初始化失败不阻塞启动，恢复批次会按不可用处理
	gw, err := payment.NewGateway(context.Background(), cfg.Gateway, cfg.Reconcile.Retry)
	if err != nil {
		logger.Errorw("provider_init_gateway_failed", "driver", cfg.Gateway.Driver, "error", err)
		gw = gateway.Disabled{}
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
		Gateway:     gw,
	}

	// 1. 初始化 Repositories
	c.initRepositories()

	// 2. 初始化 Services
	c.initServices()

	return c
}

func (c *Container) initRepositories() {
	db := models.DB
	c.PaymentRepo = repository.NewPaymentRepository(db)
	c.PayoutRepo = repository.NewPayoutRepository(db)
	c.ReconciliationRepo = repository.NewReconciliationRepository(db)
	c.WebhookDeliveryRepo = repository.NewWebhookDeliveryRepository(db)
	c.AuthzAuditLogRepo = repository.NewAuthzAuditLogRepository(db)
}

func (c *Container) initServices() {
	authzService, err := authz.NewService(models.DB)
	if err != nil {
		logger.Errorw("provider_init_authz_failed", "error", err)
		panic(err)
	}
	c.AuthzService = authzService
	if err := c.AuthzService.BootstrapBuiltinRoles(); err != nil {
		logger.Errorw("provider_bootstrap_builtin_roles_failed", "error", err)
		panic(err)
	}

	c.AuthzAuditService = service.NewAuthzAuditService(c.AuthzAuditLogRepo)

	c.PayoutService = service.NewPayoutService(c.PayoutRepo, c.PaymentRepo, c.ReconciliationRepo, c.Gateway)
	c.PaymentService = service.NewPaymentService(c.PaymentRepo, c.ReconciliationRepo, c.PayoutService, c.Config.Reconcile.PlatformFeeBps)
	c.ReconcileService = service.NewReconcileService(
		c.PaymentRepo,
		c.PayoutRepo,
		c.ReconciliationRepo,
		c.WebhookDeliveryRepo,
		c.PaymentService,
		c.PayoutService,
		c.Gateway,
		c.QueueClient,
		service.ReconcileOptionsFromConfig(c.Config),
	)
}
