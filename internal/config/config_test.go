package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestSetDefaultsUnmarshal(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal defaults failed: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("driver want sqlite got %s", cfg.Database.Driver)
	}
	if cfg.Reconcile.PlatformFeeBps != 1000 {
		t.Fatalf("platform fee bps want 1000 got %d", cfg.Reconcile.PlatformFeeBps)
	}
	if cfg.Reconcile.Retry.MaxAttempts != 4 {
		t.Fatalf("retry attempts want 4 got %d", cfg.Reconcile.Retry.MaxAttempts)
	}
	if cfg.Reconcile.Schedule.Recover != "@every 5m" {
		t.Fatalf("recover schedule want @every 5m got %q", cfg.Reconcile.Schedule.Recover)
	}
	if cfg.Queue.Queues["critical"] != 6 {
		t.Fatalf("critical queue weight want 6 got %d", cfg.Queue.Queues["critical"])
	}
}

func TestDurationHelpersFallback(t *testing.T) {
	if got := (ReconcileConfig{}).StuckAfter(); got != 30*time.Minute {
		t.Fatalf("stuck after fallback want 30m got %s", got)
	}
	if got := (ReconcileConfig{StuckAfterMinutes: 5}).StuckAfter(); got != 5*time.Minute {
		t.Fatalf("stuck after want 5m got %s", got)
	}
	if got := (GatewayConfig{}).Timeout(); got != 10*time.Second {
		t.Fatalf("gateway timeout fallback want 10s got %s", got)
	}
}
