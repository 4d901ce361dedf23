package worker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/constants"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/service"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultPassLease = 10 * time.Minute

// PassRunner 执行一次对账批次
type PassRunner interface {
	RunPass(ctx context.Context, pass string, meta service.ActionMeta) (interface{}, error)
}

// LeaseStore 批次租约，多实例部署时保证同一批次只有一个实例执行
type LeaseStore interface {
	Acquire(ctx context.Context, pass, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, pass, owner string) (bool, error)
}

// redisLeases 基于 Redis 的租约，Redis 未启用时总是成功
type redisLeases struct{}

func (redisLeases) Acquire(ctx context.Context, pass, owner string, ttl time.Duration) (bool, error) {
	return cache.AcquireReconcileLease(ctx, pass, owner, ttl)
}

func (redisLeases) Release(ctx context.Context, pass, owner string) (bool, error) {
	return cache.ReleaseReconcileLease(ctx, pass, owner)
}

// Scheduler 定时对账批次
// 同一批次在单实例内不会重叠执行，多实例之间依赖 Redis 租约互斥
type Scheduler struct {
	name     string
	cron     *cron.Cron
	runner   PassRunner
	leases   LeaseStore
	owner    string
	leaseTTL time.Duration
	passes   []string
}

// NewScheduler 按 cron 表达式注册批次，表达式为空的批次不注册
func NewScheduler(cfg config.ScheduleConfig, runner PassRunner) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("pass runner is nil")
	}
	cronLogger := cronLogAdapter{log: logger.SW("component", "scheduler")}
	s := &Scheduler{
		name:     "scheduler",
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger)),
		runner:   runner,
		leases:   redisLeases{},
		owner:    schedulerOwner(),
		leaseTTL: defaultPassLease,
	}
	specs := map[string]string{
		constants.ReconcilePassRecover:      cfg.Recover,
		constants.ReconcilePassCleanup:      cfg.Cleanup,
		constants.ReconcilePassReleaseDue:   cfg.ReleaseDue,
		constants.ReconcilePassWebhookRetry: cfg.WebhookRetry,
	}
	for pass, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		pass := pass
		if _, err := s.cron.AddFunc(spec, func() { s.runPass(pass) }); err != nil {
			return nil, fmt.Errorf("invalid schedule for %s %q: %w", pass, spec, err)
		}
		s.passes = append(s.passes, pass)
	}
	sort.Strings(s.passes)
	return s, nil
}

// Passes 已注册的批次
func (s *Scheduler) Passes() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.passes...)
}

// Name 服务名称
func (s *Scheduler) Name() string {
	if s == nil || s.name == "" {
		return "scheduler"
	}
	return s.name
}

// Start 启动定时器并阻塞到 ctx 结束
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil || s.cron == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	logger.Infow("scheduler_started", "passes", s.passes, "owner", s.owner)
	s.cron.Start()
	<-ctx.Done()
	return nil
}

// Stop 停止定时器并等待运行中的批次结束
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil || s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runPass(pass string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.leaseTTL)
	defer cancel()
	log := logger.SW("pass", pass, "owner", s.owner)

	acquired, err := s.leases.Acquire(ctx, pass, s.owner, s.leaseTTL)
	if err != nil {
		log.Warnw("scheduler_lease_acquire_failed", "error", err)
		return
	}
	if !acquired {
		log.Debugw("scheduler_pass_skip_leased")
		return
	}
	defer func() {
		released, err := s.leases.Release(context.Background(), pass, s.owner)
		if err != nil {
			log.Warnw("scheduler_lease_release_failed", "error", err)
			return
		}
		if !released {
			// 批次超过租约时长，租约已被其他实例接手
			log.Warnw("scheduler_lease_lost")
		}
	}()

	startedAt := time.Now()
	if _, err := s.runner.RunPass(ctx, pass, service.ActionMeta{Source: constants.ReconcileSourceScheduled}); err != nil {
		log.Errorw("scheduler_pass_failed", "error", err, "elapsed_ms", time.Since(startedAt).Milliseconds())
		return
	}
	log.Debugw("scheduler_pass_done", "elapsed_ms", time.Since(startedAt).Milliseconds())
}

func schedulerOwner() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// cronLogAdapter 将 cron 日志接入 zap
type cronLogAdapter struct {
	log *zap.SugaredLogger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log.Debugw("cron_"+strings.ReplaceAll(msg, " ", "_"), keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.log.Errorw("cron_"+strings.ReplaceAll(msg, " ", "_"), append(keysAndValues, "error", err)...)
}
