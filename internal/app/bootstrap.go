package app

import (
	"errors"

	"github.com/escrow-ledger/internal/config"
	"github.com/escrow-ledger/internal/logger"
	"github.com/escrow-ledger/internal/provider"
	"github.com/escrow-ledger/internal/router"
	"github.com/escrow-ledger/internal/worker"
)

// BuildRunner 构建服务运行器
func BuildRunner(cfg *config.Config, mode string) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	container := provider.NewContainer(cfg)

	var services []Service

	// 初始化 HTTP 服务
	if mode == ModeAll || mode == ModeAPI {
		engine := router.SetupRouter(cfg, container)
		services = append(services, NewHTTPService(cfg.Server, engine))
	}

	if mode == ModeAll || mode == ModeWorker {
		// 队列未启用时回调与打款在请求内同步处理，不需要消费者
		if cfg.Queue.Enabled {
			consumer := worker.NewConsumer(container)
			workerService, err := worker.NewService(&cfg.Queue, consumer)
			if err != nil {
				return nil, err
			}
			services = append(services, workerService)
		} else {
			logger.Infow("app_worker_skip_queue_disabled", "mode", mode)
		}

		scheduler, err := worker.NewScheduler(cfg.Reconcile.Schedule, container.ReconcileService)
		if err != nil {
			return nil, err
		}
		if len(scheduler.Passes()) > 0 {
			services = append(services, scheduler)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("no services initialized (check mode and config)")
	}

	return NewRunner(services...), nil
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	runner, err := BuildRunner(opts.Config, opts.Mode)
	if err != nil {
		return err
	}

	opts.Logger.Infow("app_start", "mode", opts.Mode, "services", runner.Names())
	return RunWithOptions(runner, opts)
}
