package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainPilot/internal/errors"
)

// MySQLStore 使用 MySQL 记录执行。转移历史作为 JSON 随执行
// 一起落库，保证审计轨迹与状态同一事务内可见。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接创建 MySQLStore，并保证表结构存在。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	// active_strategy 是生成的排它键：非终态时取策略 ID，终态时为
	// NULL。唯一索引因此在数据库层面保证每个策略至多一个活跃执行。
	const schema = `CREATE TABLE IF NOT EXISTS executions (
        id VARCHAR(64) PRIMARY KEY,
        strategy_id VARCHAR(64) NOT NULL,
        owner VARCHAR(128) NOT NULL,
        state VARCHAR(32) NOT NULL,
        state_entered_at BIGINT NOT NULL,
        history TEXT NOT NULL,
        requires_approval TINYINT(1) NOT NULL DEFAULT 0,
        approval_reason VARCHAR(512),
        approved_by VARCHAR(128),
        skip_reason VARCHAR(512),
        params TEXT,
        result TEXT,
        error TEXT,
        retry_count INT NOT NULL DEFAULT 0,
        active_strategy VARCHAR(64)
            AS (CASE WHEN state IN ('completed','skipped','cancelled','failed') THEN NULL ELSE strategy_id END) STORED,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE INDEX uniq_execution_active (active_strategy),
        INDEX idx_execution_strategy_state (strategy_id, state),
        INDEX idx_execution_owner_state (owner, state)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 executions 表失败")
	}
	return nil
}

// Create 插入新执行。同一策略已有活跃执行时唯一索引冲突，
// 并发触发只有一个插入成功。
func (s *MySQLStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if strings.TrimSpace(exec.ID) == "" || strings.TrimSpace(exec.StrategyID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行必须携带 ID 与策略 ID")
	}
	now := time.Now().Unix()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if exec.StateEnteredAt == 0 {
		exec.StateEnteredAt = now
	}

	historyRaw, paramsRaw, resultRaw, errorRaw, err := encodePayloads(exec)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO executions
        (id, strategy_id, owner, state, state_entered_at, history, requires_approval,
         approval_reason, approved_by, skip_reason, params, result, error, retry_count, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		exec.ID, exec.StrategyID, exec.Owner, exec.State, exec.StateEnteredAt, historyRaw,
		exec.RequiresApproval, exec.ApprovalReason, exec.ApprovedBy, exec.SkipReason,
		paramsRaw, resultRaw, errorRaw, exec.RetryCount, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrExecutionActive
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行失败")
	}
	return nil
}

const executionColumns = `id, strategy_id, owner, state, state_entered_at, history, requires_approval,
        approval_reason, approved_by, skip_reason, params, result, error, retry_count, created_at, updated_at`

func scanExecution(scanner interface{ Scan(...any) error }) (*Execution, error) {
	var exec Execution
	var historyRaw string
	var approvalReason, approvedBy, skipReason sql.NullString
	var paramsRaw, resultRaw, errorRaw sql.NullString
	if err := scanner.Scan(
		&exec.ID,
		&exec.StrategyID,
		&exec.Owner,
		&exec.State,
		&exec.StateEnteredAt,
		&historyRaw,
		&exec.RequiresApproval,
		&approvalReason,
		&approvedBy,
		&skipReason,
		&paramsRaw,
		&resultRaw,
		&errorRaw,
		&exec.RetryCount,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	exec.ApprovalReason = approvalReason.String
	exec.ApprovedBy = approvedBy.String
	exec.SkipReason = skipReason.String
	if historyRaw != "" {
		if err := json.Unmarshal([]byte(historyRaw), &exec.History); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析转移历史失败")
		}
	}
	if paramsRaw.Valid && paramsRaw.String != "" {
		exec.Params = &Params{}
		if err := json.Unmarshal([]byte(paramsRaw.String), exec.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行参数失败")
		}
	}
	if resultRaw.Valid && resultRaw.String != "" {
		exec.Result = &Outcome{}
		if err := json.Unmarshal([]byte(resultRaw.String), exec.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
		}
	}
	if errorRaw.Valid && errorRaw.String != "" {
		exec.Error = &ErrorInfo{}
		if err := json.Unmarshal([]byte(errorRaw.String), exec.Error); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行错误失败")
		}
	}
	return &exec, nil
}

func encodePayloads(exec *Execution) (history, params, result, errInfo string, err error) {
	historyRaw, err := json.Marshal(exec.History)
	if err != nil {
		return "", "", "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码转移历史失败")
	}
	history = string(historyRaw)
	if exec.Params != nil {
		raw, err := json.Marshal(exec.Params)
		if err != nil {
			return "", "", "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行参数失败")
		}
		params = string(raw)
	}
	if exec.Result != nil {
		raw, err := json.Marshal(exec.Result)
		if err != nil {
			return "", "", "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
		}
		result = string(raw)
	}
	if exec.Error != nil {
		raw, err := json.Marshal(exec.Error)
		if err != nil {
			return "", "", "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行错误失败")
		}
		errInfo = string(raw)
	}
	return history, params, result, errInfo, nil
}

// Get 查询指定执行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行失败")
	}
	return exec, nil
}

// Update 覆盖执行的完整状态。
func (s *MySQLStore) Update(ctx context.Context, exec *Execution) error {
	if exec == nil || strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	exec.UpdatedAt = time.Now().Unix()

	historyRaw, paramsRaw, resultRaw, errorRaw, err := encodePayloads(exec)
	if err != nil {
		return err
	}

	const stmt = `UPDATE executions SET
        state = ?, state_entered_at = ?, history = ?, requires_approval = ?,
        approval_reason = ?, approved_by = ?, skip_reason = ?,
        params = ?, result = ?, error = ?, retry_count = ?, updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		exec.State, exec.StateEnteredAt, historyRaw, exec.RequiresApproval,
		exec.ApprovalReason, exec.ApprovedBy, exec.SkipReason,
		paramsRaw, resultRaw, errorRaw, exec.RetryCount, exec.UpdatedAt, exec.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// LoadActive 返回策略当前的非终态执行。
func (s *MySQLStore) LoadActive(ctx context.Context, strategyID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE active_strategy = ?`, strategyID)
	exec, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询活跃执行失败")
	}
	return exec, nil
}

// ListActive 返回全部非终态执行。
func (s *MySQLStore) ListActive(ctx context.Context) ([]*Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE active_strategy IS NOT NULL ORDER BY created_at ASC`)
}

// ListPendingApproval 返回指定用户等待人工确认的执行。
func (s *MySQLStore) ListPendingApproval(ctx context.Context, owner string) ([]*Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE owner = ? AND state = ? ORDER BY state_entered_at ASC`,
		owner, StateAwaitingApproval)
}

// List 返回符合过滤条件的执行列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	opts.applyDefaults()
	query, args := buildListQuery(`SELECT `+executionColumns+` FROM executions`, opts)
	order := ` ORDER BY updated_at DESC, id DESC`
	if opts.Order == SortByUpdatedAsc {
		order = ` ORDER BY updated_at ASC, id ASC`
	}
	query += order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return s.queryExecutions(ctx, query, args...)
}

func buildListQuery(base string, opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if opts.Owner != "" {
		clauses = append(clauses, `owner = ?`)
		args = append(args, opts.Owner)
	}
	if opts.StrategyID != "" {
		clauses = append(clauses, `strategy_id = ?`)
		args = append(args, opts.StrategyID)
	}
	if len(opts.States) > 0 {
		placeholders := strings.Repeat("?,", len(opts.States))
		clauses = append(clauses, `state IN (`+placeholders[:len(placeholders)-1]+`)`)
		for _, state := range opts.States {
			args = append(args, state)
		}
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, `updated_at >= ?`)
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, `updated_at <= ?`)
		args = append(args, opts.UpdatedLTE)
	}
	if len(clauses) > 0 {
		base += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	return base, args
}

func (s *MySQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	results := make([]*Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		results = append(results, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行数量与更新时间范围。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	query, args := buildListQuery(`SELECT state, updated_at FROM executions`, opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计执行失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var state State
		var updatedAt int64
		if err := rows.Scan(&state, &updatedAt); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计行失败")
		}
		stats.Total++
		switch {
		case state == StateAwaitingApproval:
			stats.AwaitingApprove++
			stats.Active++
		case state == StateCompleted:
			stats.Completed++
		case state == StateSkipped:
			stats.Skipped++
		case state == StateCancelled:
			stats.Cancelled++
		case state == StateFailed:
			stats.Failed++
		default:
			stats.Active++
		}
		if updatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = updatedAt
		}
		if stats.OldestUpdatedAt == 0 || (updatedAt != 0 && updatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计行失败")
	}
	return stats, nil
}

// Close 由连接的持有方关闭底层数据库，这里无需操作。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
