package execution

import "context"

// Store 抽象了执行记录的持久化接口。持久存储是执行状态的
// 唯一事实来源，内存中的对象只是可重建的缓存。
type Store interface {
	// Create 写入新执行。同一策略已存在非终态执行时返回
	// ErrExecutionActive，并发创建只允许一个成功。
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// Update 覆盖执行的完整状态，包括追加后的转移历史。
	Update(ctx context.Context, exec *Execution) error
	// LoadActive 返回策略当前的非终态执行，不存在时返回
	// ErrExecutionNotFound。
	LoadActive(ctx context.Context, strategyID string) (*Execution, error)
	// ListActive 返回全部非终态执行，进程重启后用于恢复驱动。
	ListActive(ctx context.Context) ([]*Execution, error)
	// ListPendingApproval 返回指定用户等待人工确认的执行。
	ListPendingApproval(ctx context.Context, owner string) ([]*Execution, error)
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
