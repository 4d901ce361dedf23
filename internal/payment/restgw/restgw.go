package restgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/models"
	"github.com/escrow-ledger/internal/payment/gateway"
)

const defaultTimeout = 15 * time.Second

// Config 通用 REST 网关配置
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通用 REST 网关客户端
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New 创建 REST 网关客户端
func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base_url is required", gateway.ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: base_url is invalid", gateway.ErrConfigInvalid)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", gateway.ErrConfigInvalid)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}, nil
}

// QueryTransactionStatus 查询交易状态
// GET {base}/v1/transactions/{ref}，404 视为 not_found
func (c *Client) QueryTransactionStatus(ctx context.Context, externalRef string) (*gateway.TransactionStatus, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, fmt.Errorf("%w: external_ref is required", gateway.ErrConfigInvalid)
	}
	body, statusCode, err := c.doJSONRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(externalRef), nil, "")
	if err != nil {
		return nil, err
	}
	if statusCode == http.StatusNotFound {
		return &gateway.TransactionStatus{ExternalRef: externalRef, Status: gateway.StatusNotFound}, nil
	}
	if err := classifyStatusCode(statusCode, body); err != nil {
		return nil, err
	}

	raw, err := decodeRawMap(body)
	if err != nil {
		return nil, err
	}
	status, err := gateway.ParseStatus(readString(raw, "status"))
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(readString(raw, "currency"))
	result := &gateway.TransactionStatus{
		ExternalRef: pickFirstNonEmpty(readString(raw, "id"), externalRef),
		Status:      status,
		Currency:    currency,
		Raw:         raw,
	}
	if amount := readString(raw, "amount"); amount != "" {
		minor, err := models.ParseMinorAmount(amount, currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrResponseInvalid, err)
		}
		result.Amount = minor
	}
	return result, nil
}

// InitiateTransfer 发起打款转账
// POST {base}/v1/transfers，携带 Idempotency-Key
func (c *Client) InitiateTransfer(ctx context.Context, input gateway.TransferInput) (*gateway.TransferResult, error) {
	if input.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", gateway.ErrConfigInvalid)
	}
	if len(input.Account) == 0 {
		return nil, fmt.Errorf("%w: payout account is required", gateway.ErrConfigInvalid)
	}
	idempotencyKey := strings.TrimSpace(input.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = gateway.TransferIdempotencyKey(input.PayoutID)
	}
	payload := map[string]interface{}{
		"amount":      models.FormatMinorAmount(input.Amount, input.Currency),
		"currency":    strings.ToUpper(strings.TrimSpace(input.Currency)),
		"destination": input.Account,
		"reference":   idempotencyKey,
	}
	if remark := strings.TrimSpace(input.Remark); remark != "" {
		payload["description"] = remark
	}

	body, statusCode, err := c.doJSONRequest(ctx, http.MethodPost, "/v1/transfers", payload, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := classifyStatusCode(statusCode, body); err != nil {
		return nil, err
	}
	raw, err := decodeRawMap(body)
	if err != nil {
		return nil, err
	}
	transferRef := pickFirstNonEmpty(readString(raw, "transfer_id"), readString(raw, "id"))
	if transferRef == "" {
		return nil, fmt.Errorf("%w: missing transfer id", gateway.ErrResponseInvalid)
	}
	return &gateway.TransferResult{TransferRef: transferRef, Raw: raw}, nil
}

func (c *Client) doJSONRequest(ctx context.Context, method, path string, payload interface{}, idempotencyKey string) ([]byte, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: encode request failed", gateway.ErrConfigInvalid)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request failed", gateway.ErrRequestFailed)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", gateway.ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response failed", gateway.ErrRequestFailed)
	}
	return body, resp.StatusCode, nil
}

// classifyStatusCode 5xx/429 可重试，其余非 2xx 为业务拒绝
func classifyStatusCode(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d %s", gateway.ErrRequestFailed, statusCode, snippet)
	}
	return fmt.Errorf("%w: status %d %s", gateway.ErrResponseInvalid, statusCode, snippet)
}

func decodeRawMap(body []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", gateway.ErrResponseInvalid)
	}
	return raw, nil
}

func readString(raw map[string]interface{}, key string) string {
	if raw == nil {
		return ""
	}
	switch value := raw[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

func pickFirstNonEmpty(values ...string) string {
	for _, val := range values {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
