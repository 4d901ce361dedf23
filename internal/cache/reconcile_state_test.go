package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/escrow-ledger/internal/config"
)

func TestReconcileStateDisabledRedis(t *testing.T) {
	if err := InitRedis(&config.RedisConfig{Enabled: false}); err != nil {
		t.Fatalf("init disabled redis failed: %v", err)
	}
	ctx := context.Background()
	if err := SetReconcileSummary(ctx, &ReconcileSummary{Pass: "recover", Recovered: 2}, 0); err != nil {
		t.Fatalf("set summary should be noop: %v", err)
	}
	summary, hit, err := GetReconcileSummary(ctx, "recover")
	if err != nil || hit || summary != nil {
		t.Fatalf("disabled cache should miss: summary=%v hit=%v err=%v", summary, hit, err)
	}
	acquired, err := AcquireReconcileLease(ctx, "recover", "node-1", 0)
	if err != nil || !acquired {
		t.Fatalf("lease without redis should always be granted: %v %v", acquired, err)
	}
	released, err := ReleaseReconcileLease(ctx, "recover", "node-1")
	if err != nil || !released {
		t.Fatalf("release without redis should be a noop success: %v %v", released, err)
	}
}

func TestReleaseLeaseScriptChecksOwner(t *testing.T) {
	if releaseLeaseScript.Hash() == "" {
		t.Fatalf("release script should be loaded")
	}
	body := strings.Join(strings.Fields(releaseLeaseScriptSource), " ")
	if !strings.Contains(body, `redis.call("GET", KEYS[1]) == ARGV[1]`) {
		t.Fatalf("release must compare owner before delete: %s", body)
	}
}

func TestReconcileKeys(t *testing.T) {
	if got := reconcileSummaryKey(" cleanup "); got != "reconcile:summary:cleanup" {
		t.Fatalf("unexpected summary key: %s", got)
	}
	if got := reconcileLeaseKey("recover"); got != "reconcile:lease:recover" {
		t.Fatalf("unexpected lease key: %s", got)
	}
}
