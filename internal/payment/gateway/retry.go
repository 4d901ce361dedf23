package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-ledger/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryPolicy 网关调用重试策略
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0~1，0 表示不加随机
	Timeout     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	return p
}

// newBackOff 每次调用新建退避序列：翻倍增长、封顶 MaxDelay，最多重试 MaxAttempts-1 次
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	p = p.normalize()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

type retryingClient struct {
	next    Client
	policy  RetryPolicy
	limiter *rate.Limiter
}

// WithRetry 为网关调用增加单次超时、指数退避与限流
// 仅传输类错误会重试，业务结果直接返回
func WithRetry(next Client, policy RetryPolicy, limiter *rate.Limiter) Client {
	return &retryingClient{next: next, policy: policy.normalize(), limiter: limiter}
}

func (c *retryingClient) QueryTransactionStatus(ctx context.Context, externalRef string) (*TransactionStatus, error) {
	return callWithRetry(ctx, c, "query_transaction_status", func(callCtx context.Context) (*TransactionStatus, error) {
		return c.next.QueryTransactionStatus(callCtx, externalRef)
	})
}

func (c *retryingClient) InitiateTransfer(ctx context.Context, input TransferInput) (*TransferResult, error) {
	return callWithRetry(ctx, c, "initiate_transfer", func(callCtx context.Context) (*TransferResult, error) {
		return c.next.InitiateTransfer(callCtx, input)
	})
}

func callWithRetry[T any](ctx context.Context, c *retryingClient, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero      T
		result    T
		attempts  int
		permanent bool
	)
	if ctx == nil {
		ctx = context.Background()
	}

	operation := func() error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				permanent = true
				return backoff.Permanent(fmt.Errorf("%w: rate limiter: %v", ErrTimeout, err))
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		value, err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err == nil {
			result = value
			return nil
		}
		if timedOut && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if !isRetryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warnw("gateway_call_retry",
			"op", op,
			"attempt", attempts,
			"delay", delay.String(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, c.policy.newBackOff(ctx), notify)
	switch {
	case err == nil:
		return result, nil
	case permanent:
		return zero, err
	case ctx.Err() != nil:
		return zero, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return zero, fmt.Errorf("%w: %s failed after %d attempts: %w", ErrUnavailable, op, attempts, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRequestFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
