package execution

// Stats 聚合了执行状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Active          int   `json:"active"`
	AwaitingApprove int   `json:"awaiting_approval"`
	Completed       int   `json:"completed"`
	Skipped         int   `json:"skipped"`
	Cancelled       int   `json:"cancelled"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
