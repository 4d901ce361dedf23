package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type scriptedClient struct {
	queryErrs []error
	calls     int
	status    *TransactionStatus
	block     bool
}

func (s *scriptedClient) QueryTransactionStatus(ctx context.Context, externalRef string) (*TransactionStatus, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.calls <= len(s.queryErrs) && s.queryErrs[s.calls-1] != nil {
		return nil, s.queryErrs[s.calls-1]
	}
	return s.status, nil
}

func (s *scriptedClient) InitiateTransfer(ctx context.Context, input TransferInput) (*TransferResult, error) {
	s.calls++
	return &TransferResult{TransferRef: "tr_" + input.IdempotencyKey}, nil
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Succeeded ")
	if err != nil || status != StatusSucceeded {
		t.Fatalf("want succeeded got %s err=%v", status, err)
	}
	if _, err := ParseStatus("refund_pending"); !errors.Is(err, ErrStatusUnrecognized) {
		t.Fatalf("unknown status should be ErrStatusUnrecognized, got %v", err)
	}
}

func TestIsTransportError(t *testing.T) {
	if !IsTransportError(fmt.Errorf("%w: dial tcp", ErrRequestFailed)) {
		t.Fatalf("request failed should be transport error")
	}
	if IsTransportError(fmt.Errorf("%w: bad json", ErrResponseInvalid)) {
		t.Fatalf("response invalid should not be transport error")
	}
	if IsTransportError(nil) {
		t.Fatalf("nil should not be transport error")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	b := policy.newBackOff(context.Background())
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, delay := range want {
		if got := b.NextBackOff(); got != delay {
			t.Fatalf("retry %d want %s got %s", i+1, delay, got)
		}
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Fatalf("retries beyond max attempts should stop, got %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := policy.newBackOff(ctx).NextBackOff(); got != backoff.Stop {
		t.Fatalf("cancelled context should stop immediately, got %s", got)
	}
}

func TestWithRetryCancelledContextIsTimeout(t *testing.T) {
	transient := fmt.Errorf("%w: 503", ErrRequestFailed)
	inner := &scriptedClient{queryErrs: []error{transient, transient, transient}}
	client := WithRetry(inner, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.QueryTransactionStatus(ctx, "tx_5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("cancelled caller should surface ErrTimeout, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("cancelled caller must not be retried, calls=%d", inner.calls)
	}
}

func TestWithRetryRecoversFromTransientError(t *testing.T) {
	inner := &scriptedClient{
		queryErrs: []error{fmt.Errorf("%w: connection reset", ErrRequestFailed)},
		status:    &TransactionStatus{ExternalRef: "tx_1", Status: StatusSucceeded},
	}
	client := WithRetry(inner, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

	result, err := client.QueryTransactionStatus(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("query should succeed after retry: %v", err)
	}
	if result.Status != StatusSucceeded || inner.calls != 2 {
		t.Fatalf("unexpected result status=%s calls=%d", result.Status, inner.calls)
	}
}

func TestWithRetryDoesNotRetryBusinessErrors(t *testing.T) {
	inner := &scriptedClient{
		queryErrs: []error{fmt.Errorf("%w: %q", ErrStatusUnrecognized, "weird")},
	}
	client := WithRetry(inner, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	_, err := client.QueryTransactionStatus(context.Background(), "tx_2")
	if !errors.Is(err, ErrStatusUnrecognized) {
		t.Fatalf("want ErrStatusUnrecognized got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("business error should not be retried, calls=%d", inner.calls)
	}
}

func TestWithRetryExhaustedIsUnavailable(t *testing.T) {
	transient := fmt.Errorf("%w: 502", ErrRequestFailed)
	inner := &scriptedClient{queryErrs: []error{transient, transient, transient}}
	client := WithRetry(inner, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)

	_, err := client.QueryTransactionStatus(context.Background(), "tx_3")
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("exhausted retries should wrap ErrUnavailable and cause, got %v", err)
	}
	if !IsTransportError(err) {
		t.Fatalf("exhausted retries must stay a transport error")
	}
	if inner.calls != 3 {
		t.Fatalf("calls want 3 got %d", inner.calls)
	}
}

func TestWithRetryPerCallTimeout(t *testing.T) {
	inner := &scriptedClient{block: true}
	client := WithRetry(inner, RetryPolicy{MaxAttempts: 1, Timeout: 10 * time.Millisecond}, nil)

	_, err := client.QueryTransactionStatus(context.Background(), "tx_4")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("blocked call should time out, got %v", err)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"external_ref":"tx_1","event_type":"escrow_held"}`)
	signature := ComputeSignature("whsec_test", body)

	if err := VerifyWebhookSignature("whsec_test", signature, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyWebhookSignature("whsec_test", "sha256="+signature, body); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	if err := VerifyWebhookSignature("whsec_test", signature, []byte(`{}`)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("tampered body should fail, got %v", err)
	}
	if err := VerifyWebhookSignature("whsec_test", "", body); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("missing signature should fail, got %v", err)
	}
}
