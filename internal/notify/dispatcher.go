package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ChainPilot/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelRabbitMQ Channel = "rabbitmq"
	ChannelRedis    Channel = "redis"
)

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入结构化日志，是默认兜底渠道。
type LogNotifier struct{}

// NewLogNotifier 构造日志通知器。
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.L().Info("执行事件",
		slog.String("kind", string(event.Kind)),
		slog.String("execution_id", event.ExecutionID),
		slog.String("strategy_id", event.StrategyID),
		slog.String("from", event.FromState),
		slog.String("to", event.ToState),
		slog.String("reason", event.Reason),
		slog.Int("violations", len(event.Violations)),
		slog.String("message", event.Message),
	)
	return nil
}
