package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/payment/gateway"
	"github.com/escrow-ledger/internal/payment/restgw"
	"github.com/escrow-ledger/internal/payment/wechatpay"

	"golang.org/x/time/rate"
)

// 网关驱动
const (
	DriverREST      = "rest"
	DriverWechatPay = "wechatpay"
	DriverDisabled  = "disabled"
)

// NewGateway 按配置构建网关客户端，并包装超时、重试与限流
func NewGateway(ctx context.Context, gwCfg config.GatewayConfig, retryCfg config.RetryConfig) (gateway.Client, error) {
	driver := strings.ToLower(strings.TrimSpace(gwCfg.Driver))

	var base gateway.Client
	switch driver {
	case "", DriverDisabled:
		logger.Warnw("gateway_driver_disabled")
		return gateway.Disabled{}, nil
	case DriverREST:
		client, err := restgw.New(restgw.Config{
			BaseURL: gwCfg.BaseURL,
			APIKey:  gwCfg.APIKey,
			Timeout: gwCfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		base = client
	case DriverWechatPay:
		client, err := wechatpay.New(ctx, wechatpay.Config{
			AppID:              gwCfg.WechatPay.AppID,
			MerchantID:         gwCfg.WechatPay.MerchantID,
			MerchantSerialNo:   gwCfg.WechatPay.MerchantSerialNo,
			MerchantPrivateKey: gwCfg.WechatPay.MerchantPrivateKey,
			BaseURL:            gwCfg.WechatPay.BaseURL,
			TransferScene:      gwCfg.WechatPay.TransferScene,
		})
		if err != nil {
			return nil, err
		}
		base = client
	default:
		return nil, fmt.Errorf("%w: unsupported driver %s", gateway.ErrConfigInvalid, gwCfg.Driver)
	}

	var limiter *rate.Limiter
	if gwCfg.RatePerSecond > 0 {
		burst := gwCfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(gwCfg.RatePerSecond), burst)
	}
	logger.Infow("gateway_client_ready",
		"driver", driver,
		"rate_per_second", gwCfg.RatePerSecond,
		"max_attempts", retryCfg.MaxAttempts,
	)
	return gateway.WithRetry(base, RetryPolicyFromConfig(gwCfg, retryCfg), limiter), nil
}

// RetryPolicyFromConfig 由配置构建重试策略
func RetryPolicyFromConfig(gwCfg config.GatewayConfig, retryCfg config.RetryConfig) gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxAttempts: retryCfg.MaxAttempts,
		BaseDelay:   time.Duration(retryCfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(retryCfg.MaxDelayMS) * time.Millisecond,
		Jitter:      retryCfg.Jitter,
		Timeout:     gwCfg.Timeout(),
	}
}
