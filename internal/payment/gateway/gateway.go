package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfigInvalid      = errors.New("gateway config invalid")
	ErrRequestFailed      = errors.New("gateway request failed")
	ErrTimeout            = errors.New("gateway request timeout")
	ErrResponseInvalid    = errors.New("gateway response invalid")
	ErrStatusUnrecognized = errors.New("gateway status unrecognized")
	ErrUnavailable        = errors.New("gateway unavailable")
	ErrSignatureInvalid   = errors.New("gateway signature invalid")
)

// Status 网关侧交易状态
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
	StatusPending   Status = "pending"
	StatusNotFound  Status = "not_found"
)

// ParseStatus 解析网关状态，未知值返回 ErrStatusUnrecognized
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusSucceeded:
		return StatusSucceeded, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusAbandoned:
		return StatusAbandoned, nil
	case StatusPending:
		return StatusPending, nil
	case StatusNotFound:
		return StatusNotFound, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStatusUnrecognized, raw)
	}
}

// TransactionStatus 交易查询结果
// Amount 为最小货币单位，网关未返回金额时为 0
type TransactionStatus struct {
	ExternalRef string
	Status      Status
	Amount      int64
	Currency    string
	Raw         map[string]interface{}
}

// TransferInput 发起打款转账输入
type TransferInput struct {
	PayoutID       uint
	Amount         int64
	Currency       string
	Account        map[string]interface{}
	IdempotencyKey string
	Remark         string
}

// TransferResult 转账受理结果
type TransferResult struct {
	TransferRef string
	Raw         map[string]interface{}
}

// Client 外部支付网关
// 传输错误（ErrRequestFailed/ErrTimeout/ErrUnavailable）与业务结果严格区分
type Client interface {
	QueryTransactionStatus(ctx context.Context, externalRef string) (*TransactionStatus, error)
	InitiateTransfer(ctx context.Context, input TransferInput) (*TransferResult, error)
}

// IsTransportError 是否属于结果未知的传输类错误
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRequestFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// TransferIdempotencyKey 打款转账幂等键
func TransferIdempotencyKey(payoutID uint) string {
	return fmt.Sprintf("payout-%d", payoutID)
}

// Disabled 未配置网关时使用，所有调用返回 ErrUnavailable
type Disabled struct{}

// QueryTransactionStatus 总是返回 ErrUnavailable
func (Disabled) QueryTransactionStatus(ctx context.Context, externalRef string) (*TransactionStatus, error) {
	return nil, fmt.Errorf("%w: no gateway driver configured", ErrUnavailable)
}

// InitiateTransfer 总是返回 ErrUnavailable
func (Disabled) InitiateTransfer(ctx context.Context, input TransferInput) (*TransferResult, error) {
	return nil, fmt.Errorf("%w: no gateway driver configured", ErrUnavailable)
}
