package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader 回调签名请求头
const SignatureHeader = "X-Gateway-Signature"

// ComputeSignature 计算回调体的 HMAC-SHA256 十六进制签名
func ComputeSignature(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write(body)
	return strings.ToLower(hex.EncodeToString(h.Sum(nil)))
}

// VerifyWebhookSignature 校验回调签名
func VerifyWebhookSignature(secret, signature string, body []byte) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("%w: webhook secret is empty", ErrConfigInvalid)
	}
	signature = strings.ToLower(strings.TrimSpace(signature))
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return fmt.Errorf("%w: %s is required", ErrSignatureInvalid, SignatureHeader)
	}
	expected := ComputeSignature(secret, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: verify failed", ErrSignatureInvalid)
	}
	return nil
}
