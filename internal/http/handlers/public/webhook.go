package public

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	handlershared "github.com/escrow-ledger/internal/http/handlers/shared"
	"github.com/escrow-ledger/internal/http/response"
	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	webhookBodyLimit     = 1 << 20
	webhookLogValueLimit = 512
)

var errDatabaseNotReady = errors.New("database not initialized")

// GatewayWebhookRequest 网关回调请求体 {externalRef, eventType, payload}
type GatewayWebhookRequest struct {
	ExternalRef string      `json:"externalRef"`
	EventType   string      `json:"eventType"`
	Payload     models.JSON `json:"payload"`

	// 旧版网关的下划线字段，驼峰字段为空时取用
	LegacyExternalRef string `json:"external_ref"`
	LegacyEventType   string `json:"event_type"`
}

// normalize 合并两种字段风格
func (r *GatewayWebhookRequest) normalize() {
	if strings.TrimSpace(r.ExternalRef) == "" {
		r.ExternalRef = r.LegacyExternalRef
	}
	if strings.TrimSpace(r.EventType) == "" {
		r.EventType = r.LegacyEventType
	}
	r.ExternalRef = strings.TrimSpace(r.ExternalRef)
	r.EventType = strings.TrimSpace(r.EventType)
}

// GatewayWebhook 网关异步回调
// 投递行落库即返回成功，状态机处理异步进行
func (h *Handler) GatewayWebhook(c *gin.Context) {
	log := requestLog(c)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		log.Warnw("gateway_webhook_body_read_failed", "error", err)
		respondError(c, response.CodeBadRequest, "invalid request body", nil)
		return
	}
	signature := strings.TrimSpace(c.GetHeader(gateway.SignatureHeader))
	log.Infow("gateway_webhook_received",
		"client_ip", c.ClientIP(),
		"body_size", len(body),
		"signature", truncateLogValue(signature),
		"raw_body", truncateLogValue(string(body)),
	)

	if secret := strings.TrimSpace(h.Config.Gateway.WebhookSecret); secret != "" {
		if err := gateway.VerifyWebhookSignature(secret, signature, body); err != nil {
			log.Warnw("gateway_webhook_signature_invalid", "error", err)
			respondError(c, response.CodeUnauthorized, service.ErrWebhookSignature.Error(), nil)
			return
		}
	}

	var req GatewayWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warnw("gateway_webhook_body_invalid", "error", err)
		respondError(c, response.CodeBadRequest, service.ErrWebhookInvalid.Error(), nil)
		return
	}
	req.normalize()

	delivery, err := h.ReconcileService.IngestWebhook(c.Request.Context(), service.WebhookEvent{
		ExternalRef: req.ExternalRef,
		EventType:   req.EventType,
		Payload:     req.Payload,
	})
	if err != nil {
		log.Warnw("gateway_webhook_ingest_failed",
			"external_ref", req.ExternalRef,
			"event_type", req.EventType,
			"error", err,
		)
		handlershared.RespondMappedError(c, err, handlershared.LedgerErrorRules, response.CodeInternal, "webhook ingest failed")
		return
	}

	response.Success(c, gin.H{
		"accepted":    true,
		"delivery_id": delivery.ID,
		"event_type":  delivery.EventType,
	})
}

func truncateLogValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= webhookLogValueLimit {
		return raw
	}
	return raw[:webhookLogValueLimit] + "...(truncated)"
}
