package notify

import (
	"context"

	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/policy"
)

// ChannelMetrics 是进程内指标渠道。
const ChannelMetrics Channel = "metrics"

// MetricsNotifier 把事件折算成计数器，挂在分发器上即可让指标
// 与其他渠道共用同一条事件流。
type MetricsNotifier struct{}

var _ Notifier = (*MetricsNotifier)(nil)

// NewMetricsNotifier 构造指标通知器。
func NewMetricsNotifier() *MetricsNotifier { return &MetricsNotifier{} }

// Channel 实现 Notifier。
func (n *MetricsNotifier) Channel() Channel { return ChannelMetrics }

// Notify 实现 Notifier。计数永不失败。
func (n *MetricsNotifier) Notify(_ context.Context, event Event) error {
	switch event.Kind {
	case KindStateChange:
		metrics.IncExecutionState(event.ToState)
	case KindPolicyViolation:
		for _, violation := range event.Violations {
			if violation.Severity == policy.SeverityBlock {
				metrics.IncPolicyBlock(violation.Layer, violation.Rule)
			}
		}
	}
	return nil
}
