package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultReconcileSummaryTTL = 72 * time.Hour

// ReconcileSummary 最近一次对账批次摘要
// 计数字段按批次类型取用，未用到的保持为 0
type ReconcileSummary struct {
	Pass         string `json:"pass"`
	RunID        string `json:"run_id"`
	Source       string `json:"source"`
	Operator     string `json:"operator,omitempty"`
	Recovered    int    `json:"recovered"`
	StillPending int    `json:"stillPending"`
	Flagged      int    `json:"flagged"`
	Cleaned      int    `json:"cleaned"`
	Released     int    `json:"released"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"failed"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at"`
	DurationMS   int64  `json:"duration_ms"`
}

func reconcileSummaryKey(pass string) string {
	return fmt.Sprintf("reconcile:summary:%s", strings.TrimSpace(pass))
}

func reconcileLeaseKey(pass string) string {
	return fmt.Sprintf("reconcile:lease:%s", strings.TrimSpace(pass))
}

// GetReconcileSummary 获取某类批次的最近摘要
func GetReconcileSummary(ctx context.Context, pass string) (*ReconcileSummary, bool, error) {
	if strings.TrimSpace(pass) == "" {
		return nil, false, nil
	}
	var summary ReconcileSummary
	hit, err := GetJSON(ctx, reconcileSummaryKey(pass), &summary)
	if err != nil || !hit {
		return nil, hit, err
	}
	return &summary, true, nil
}

// SetReconcileSummary 写入批次摘要
func SetReconcileSummary(ctx context.Context, summary *ReconcileSummary, ttl time.Duration) error {
	if summary == nil || strings.TrimSpace(summary.Pass) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultReconcileSummaryTTL
	}
	return SetJSON(ctx, reconcileSummaryKey(summary.Pass), summary, ttl)
}

// AcquireReconcileLease 抢占定时批次租约，多实例部署时同一时刻只有一个实例执行
// Redis 未启用时总是成功
func AcquireReconcileLease(ctx context.Context, pass, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return SetNX(ctx, reconcileLeaseKey(pass), owner, ttl)
}

// 只删除仍归属于 owner 的租约
const releaseLeaseScriptSource = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLeaseScript = redis.NewScript(releaseLeaseScriptSource)

// ReleaseReconcileLease 释放批次租约
// 租约已过期并被其他实例抢占时不做删除，返回 false
func ReleaseReconcileLease(ctx context.Context, pass, owner string) (bool, error) {
	if !Enabled() {
		return true, nil
	}
	deleted, err := releaseLeaseScript.Run(ctx, redisClient, []string{buildKey(reconcileLeaseKey(pass))}, owner).Int()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}
