package strategy

import "context"

// Store 抽象了策略记录的持久化接口。
type Store interface {
	Create(ctx context.Context, s *Strategy) error
	Get(ctx context.Context, id string) (*Strategy, error)
	// ListByOwner 返回指定用户的策略，status 为空时不过滤。
	ListByOwner(ctx context.Context, owner string, status Status) ([]*Strategy, error)
	// ListByStatus 返回处于指定状态的全部策略，调度器启动时用它装载活跃策略。
	ListByStatus(ctx context.Context, status Status) ([]*Strategy, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// RecordOutcome 维护连续失败计数；succeeded 为 true 时清零。
	RecordOutcome(ctx context.Context, id string, succeeded bool) (failStreak int, err error)
	Close() error
}
