package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ChainPilot/internal/api"
	"ChainPilot/internal/chain"
	"ChainPilot/internal/chain/provider"
	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/execution"
	"ChainPilot/internal/market"
	"ChainPilot/internal/notify"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/policy"
	"ChainPilot/internal/recovery"
	"ChainPilot/internal/scheduler"
	"ChainPilot/internal/session"
	storagemysql "ChainPilot/internal/storage/mysql"
	"ChainPilot/internal/strategy"
	"ChainPilot/internal/txcoord"
	"ChainPilot/pkg/logger"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv(filepath.Join("configs", "chainpilot.json")))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 存储层。策略与执行共用同一个连接池。
	var (
		strategyStore  strategy.Store
		executionStore execution.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		strategyStore = strategy.NewMemoryStore()
		executionStore = execution.NewMemoryStore()
	case "mysql":
		db, err := storagemysql.Open(ctx, storagemysql.Config{DSN: cfg.Storage.DSN})
		if err != nil {
			return err
		}
		strategyStore, err = strategy.NewMySQLStore(db)
		if err != nil {
			db.Close()
			return err
		}
		executionStore, err = execution.NewMySQLStore(db)
		if err != nil {
			db.Close()
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer strategyStore.Close()
	defer executionStore.Close()

	// 会话凭证。
	sessions := session.NewMemoryStore()
	if cfg.Sessions.Source != "" {
		count, err := session.LoadFile(ctx, cfg.Sessions.Source, sessions)
		if err != nil {
			return err
		}
		logger.L().Info("已加载会话凭证", slog.Int("count", count))
	}

	// 链客户端与签名器。
	registry, err := provider.NewRegistry(ctx, provider.Config{
		ChainConfig:  cfg.Chains.ChainConfig,
		DefaultChain: cfg.Chains.DefaultChain,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	signer, err := chain.NewLocalSigner(os.Getenv(cfg.Signer.PrivateKeyEnv))
	if err != nil {
		return fmt.Errorf("从 %s 加载签名私钥失败: %w", cfg.Signer.PrivateKeyEnv, err)
	}

	// 事件推送。
	dispatcher, err := buildDispatcher(cfg.Notify)
	if err != nil {
		return err
	}
	adapter := notify.NewExecutionAdapter(dispatcher)

	// 错误恢复执行器。重试耗尽或熔断打开时推送告警事件。
	executor := recovery.NewExecutor(recovery.WithEscalation(func(dep string, attempts int, cause error) {
		_ = dispatcher.Notify(context.Background(), notify.Event{
			Kind:       notify.KindAlert,
			Message:    cause.Error(),
			Metadata:   map[string]string{"dependency": dep, "attempts": fmt.Sprintf("%d", attempts)},
			OccurredAt: time.Now(),
		})
	}))

	coordinator := txcoord.NewCoordinator(registry, signer, executor, txcoord.Config{
		PollInterval:      time.Duration(cfg.Coordinator.PollIntervalSeconds) * time.Second,
		MonitorTimeout:    time.Duration(cfg.Coordinator.MonitorTimeoutSeconds) * time.Second,
		NonceSyncInterval: time.Duration(cfg.Coordinator.NonceSyncIntervalSeconds) * time.Second,
	})

	// 三层策略引擎。顺序即评估顺序：系统、会话、风险。
	systemPolicy := policy.NewSystemPolicy(cfg.Policy.System)
	engine := policy.NewEngine(
		systemPolicy,
		policy.NewSessionPolicy(),
		policy.NewRiskPolicy(cfg.Policy.Risk),
	)

	machine := execution.NewMachine(executionStore, adapter)
	service := execution.NewService(executionStore, machine)

	quoter, err := market.LoadStaticQuoter(cfg.Market.Catalog)
	if err != nil {
		return err
	}

	driver := execution.NewDriver(service, strategyStore, sessions, engine, quoter, coordinator, adapter,
		execution.WithApprovalPollInterval(time.Duration(cfg.Driver.ApprovalPollSeconds)*time.Second),
		execution.WithFailPauseThreshold(cfg.Driver.FailPauseThreshold),
	)

	// 调度器：策略到期即尝试创建执行。活跃执行存在时按无操作处理。
	sched := scheduler.New(strategyStore, func(triggerCtx context.Context, strategyID string) {
		strat, err := strategyStore.Get(triggerCtx, strategyID)
		if err != nil {
			scheduler.HandleTriggerResult(strategyID, err)
			return
		}
		exec, err := service.Create(triggerCtx, strat)
		if err != nil {
			// 活跃执行停在 monitoring 时借重复触发继续查询回执。
			// 重查没有副作用，驱动器在该状态下绝不重发。
			if xerrors.CodeOf(err) == xerrors.CodeExecutionActive {
				if active, activeErr := service.ActiveForStrategy(triggerCtx, strategyID); activeErr == nil &&
					active.State == execution.StateMonitoring {
					go func() {
						if runErr := driver.Run(triggerCtx, active.ID); runErr != nil {
							logger.L().Error("重查执行失败",
								slog.String("execution_id", active.ID),
								slog.String("strategy_id", strategyID),
								slog.String("error", runErr.Error()),
							)
						}
					}()
					return
				}
			}
			scheduler.HandleTriggerResult(strategyID, err)
			return
		}
		go func() {
			if err := driver.Run(triggerCtx, exec.ID); err != nil {
				logger.L().Error("执行驱动失败",
					slog.String("execution_id", exec.ID),
					slog.String("strategy_id", strategyID),
					slog.String("error", err.Error()),
				)
			}
		}()
	})

	// 恢复崩溃前的在途执行。驱动器只信任持久化状态。
	active, err := executionStore.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, exec := range active {
		exec := exec
		logger.L().Info("恢复在途执行",
			slog.String("execution_id", exec.ID),
			slog.String("state", string(exec.State)),
		)
		go func() {
			if err := driver.Run(ctx, exec.ID); err != nil {
				logger.L().Error("恢复执行失败",
					slog.String("execution_id", exec.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	// 每条链一个 nonce 对账循环。
	for _, name := range registry.Chains() {
		client, ok := registry.Client(name)
		if !ok {
			continue
		}
		go coordinator.Nonces().SyncLoop(ctx, client, signer.Address(),
			time.Duration(cfg.Coordinator.NonceSyncIntervalSeconds)*time.Second)
	}

	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", slog.String("error", err.Error()))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, strategyStore, systemPolicy, sched)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildDispatcher 按配置组装事件推送渠道。
func buildDispatcher(cfg config.NotifyConfig) (*notify.FanoutDispatcher, error) {
	notifiers := make([]notify.Notifier, 0, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		switch notify.Channel(channel) {
		case notify.ChannelLog:
			notifiers = append(notifiers, notify.NewLogNotifier())
		case notify.ChannelMetrics:
			notifiers = append(notifiers, notify.NewMetricsNotifier())
		case notify.ChannelRabbitMQ:
			notifier, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{URL: cfg.RabbitMQURL})
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, notifier)
		case notify.ChannelRedis:
			notifier, err := notify.NewRedisNotifier(notify.RedisConfig{
				Address:  cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, notifier)
		default:
			return nil, fmt.Errorf("未知的通知渠道: %s", channel)
		}
	}
	return notify.NewFanout(notifiers...), nil
}
