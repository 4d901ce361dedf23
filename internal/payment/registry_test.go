package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/payment/gateway"
)

func TestNewGatewayDisabled(t *testing.T) {
	client, err := NewGateway(context.Background(), config.GatewayConfig{Driver: DriverDisabled}, config.RetryConfig{})
	if err != nil {
		t.Fatalf("disabled driver should not fail: %v", err)
	}
	_, err = client.QueryTransactionStatus(context.Background(), "tx_1")
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("disabled gateway want ErrUnavailable got %v", err)
	}
}

func TestNewGatewayUnknownDriver(t *testing.T) {
	_, err := NewGateway(context.Background(), config.GatewayConfig{Driver: "paypal"}, config.RetryConfig{})
	if !errors.Is(err, gateway.ErrConfigInvalid) {
		t.Fatalf("unknown driver want ErrConfigInvalid got %v", err)
	}
}

func TestNewGatewayRESTRequiresBaseURL(t *testing.T) {
	_, err := NewGateway(context.Background(), config.GatewayConfig{Driver: DriverREST, APIKey: "sk"}, config.RetryConfig{})
	if !errors.Is(err, gateway.ErrConfigInvalid) {
		t.Fatalf("rest without base url want ErrConfigInvalid got %v", err)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	policy := RetryPolicyFromConfig(
		config.GatewayConfig{TimeoutSeconds: 3},
		config.RetryConfig{MaxAttempts: 4, BaseDelayMS: 250, MaxDelayMS: 2000, Jitter: 0.2},
	)
	if policy.MaxAttempts != 4 || policy.BaseDelay != 250*time.Millisecond || policy.MaxDelay != 2*time.Second || policy.Jitter != 0.2 {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if policy.Timeout != 3*time.Second {
		t.Fatalf("timeout want 3s got %s", policy.Timeout)
	}
}
