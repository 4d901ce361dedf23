package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/escrow-ledger/internal/authz"
	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/config"
	adminhandlers "github.com/escrow-ledger/internal/http/handlers/admin"
	publichandlers "github.com/escrow-ledger/internal/http/handlers/public"
	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	// 初始化 Handler（按回调/后台分组）
	publicHandler := publichandlers.New(c)
	adminHandler := adminhandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "escrow"
	}
	redisClient := cache.Client()
	webhookRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:webhook", redisPrefix),
		WindowSeconds: cfg.Security.WebhookRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.WebhookRateLimit.MaxRequests,
		Message:       "webhook rate limited",
	}
	adminRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:admin", redisPrefix),
		WindowSeconds: cfg.Security.AdminRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.AdminRateLimit.MaxRequests,
		Message:       "admin rate limited",
	}

	// 中间件
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg.CORS))

	apiV1 := r.Group("/api/v1")
	{
		// 网关回调
		apiV1.POST("/webhooks/gateway", RateLimitMiddleware(redisClient, webhookRule, KeyByIP), publicHandler.GatewayWebhook)

		// 运营端接口
		admin := apiV1.Group("/admin")
		authorized := admin.Use(
			JWTAuthMiddleware(cfg.JWT.SecretKey, cfg.JWT.Issuer),
			RateLimitMiddleware(redisClient, adminRule, KeyByOperator),
			AdminRBACMiddleware(c.AuthzService),
		)
		{
			// 支付
			authorized.GET("/payments", adminHandler.ListPayments)
			authorized.POST("/payments", adminHandler.CapturePayment)
			authorized.GET("/payments/:id", adminHandler.GetPayment)
			authorized.POST("/payments/:id/escrow", adminHandler.ConfirmEscrow)
			authorized.POST("/payments/:id/release", adminHandler.ReleasePayment)
			authorized.POST("/payments/:id/refund", adminHandler.RefundPayment)
			authorized.POST("/payments/:id/resolve-review", adminHandler.ResolvePaymentReview)

			// 打款
			authorized.GET("/payouts", adminHandler.ListPayouts)
			authorized.GET("/payouts/:id", adminHandler.GetPayout)
			authorized.POST("/payouts/:id/mark-paid", adminHandler.MarkPayoutPaid)
			authorized.POST("/payouts/:id/transfer", adminHandler.TransferPayout)
			authorized.POST("/payouts/:id/fail", adminHandler.FailPayout)

			// 对账
			authorized.POST("/reconcile/recover", adminHandler.RunRecoverPass)
			authorized.POST("/reconcile/cleanup", adminHandler.RunCleanupPass)
			authorized.POST("/reconcile/release-due", adminHandler.RunReleaseDuePass)
			authorized.GET("/reconcile/records", adminHandler.ListReconcileRecords)
			authorized.GET("/reconcile/summary", adminHandler.GetReconcileSummary)
			authorized.GET("/webhook-deliveries", adminHandler.ListWebhookDeliveries)
			authorized.POST("/webhook-deliveries/:id/replay", adminHandler.ReplayWebhookDelivery)

			// 权限管理
			authorized.GET("/authz/me", adminHandler.GetAuthzMe)
			authorized.GET("/authz/roles", adminHandler.ListAuthzRoles)
			authorized.GET("/authz/audit-logs", adminHandler.ListAuthzAuditLogs)
			authorized.GET("/authz/permissions/catalog", func(ctx *gin.Context) {
				response.Success(ctx, buildAdminPermissionCatalog(r))
			})
			authorized.GET("/authz/operators/:subject/roles", adminHandler.GetAuthzOperatorRoles)
			authorized.PUT("/authz/operators/:subject/roles", adminHandler.BindAuthzOperatorRoles)
		}
	}

	// 健康检查
	r.GET("/health", publicHandler.Health)

	return r
}

type adminPermissionCatalogItem struct {
	Module     string `json:"module"`
	Method     string `json:"method"`
	Object     string `json:"object"`
	Permission string `json:"permission"`
}

func buildAdminPermissionCatalog(engine *gin.Engine) []adminPermissionCatalogItem {
	if engine == nil {
		return []adminPermissionCatalogItem{}
	}

	routes := engine.Routes()
	seen := make(map[string]struct{}, len(routes))
	items := make([]adminPermissionCatalogItem, 0, len(routes))

	for _, item := range routes {
		method := strings.ToUpper(strings.TrimSpace(item.Method))
		if method == "" || method == "OPTIONS" || method == "HEAD" {
			continue
		}
		if !strings.HasPrefix(item.Path, "/api/v1/admin/") {
			continue
		}
		object := authz.NormalizeObject(item.Path)
		permission := method + ":" + object
		if _, exists := seen[permission]; exists {
			continue
		}
		seen[permission] = struct{}{}
		items = append(items, adminPermissionCatalogItem{
			Module:     deriveAdminPermissionModule(object),
			Method:     method,
			Object:     object,
			Permission: permission,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Module == items[j].Module {
			if items[i].Object == items[j].Object {
				return items[i].Method < items[j].Method
			}
			return items[i].Object < items[j].Object
		}
		return items[i].Module < items[j].Module
	})

	return items
}

func deriveAdminPermissionModule(object string) string {
	normalized := strings.TrimPrefix(strings.TrimSpace(object), "/")
	if normalized == "" {
		return "system"
	}
	segments := strings.Split(normalized, "/")
	if len(segments) <= 1 {
		return segments[0]
	}
	if segments[0] != "admin" {
		return segments[0]
	}
	if segments[1] == "authz" {
		return "authz"
	}
	return segments[1]
}
