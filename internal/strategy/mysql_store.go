package strategy

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

// MySQLStore 使用 MySQL 记录策略。
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
	const schema = `CREATE TABLE IF NOT EXISTS strategies (
        id VARCHAR(64) PRIMARY KEY,
        owner VARCHAR(128) NOT NULL,
        type VARCHAR(32) NOT NULL,
        config TEXT NOT NULL,
        status VARCHAR(16) NOT NULL,
        fail_streak INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_strategy_owner_status (owner, status),
        INDEX idx_strategy_status (status)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 strategies 表失败")
	}
	return nil
}

// Create 插入新的策略记录。
func (s *MySQLStore) Create(ctx context.Context, strat *Strategy) error {
	if err := strat.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(strat.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	now := time.Now().Unix()
	strat.CreatedAt = now
	strat.UpdatedAt = now
	if strat.Status == "" {
		strat.Status = StatusDraft
	}

	configRaw, err := json.Marshal(strat.Config)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略配置失败")
	}

	const stmt = `INSERT INTO strategies (id, owner, type, config, status, fail_streak, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, strat.ID, strat.Owner, strat.Type, string(configRaw), strat.Status, strat.CreatedAt, strat.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrStrategyConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入策略失败")
	}
	return nil
}

const strategyColumns = `id, owner, type, config, status, fail_streak, created_at, updated_at`

func scanStrategy(scanner interface{ Scan(...any) error }) (*Strategy, error) {
	var strat Strategy
	var configRaw string
	if err := scanner.Scan(
		&strat.ID,
		&strat.Owner,
		&strat.Type,
		&configRaw,
		&strat.Status,
		&strat.FailStreak,
		&strat.CreatedAt,
		&strat.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configRaw), &strat.Config); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略配置失败")
	}
	return &strat, nil
}

// Get 查询指定策略。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Strategy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	strat, err := scanStrategy(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrStrategyNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略失败")
	}
	return strat, nil
}

// ListByOwner 返回指定用户的策略。
func (s *MySQLStore) ListByOwner(ctx context.Context, owner string, status Status) ([]*Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE owner = ?`
	args := []any{owner}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	return s.queryStrategies(ctx, query, args...)
}

// ListByStatus 返回处于指定状态的策略。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status) ([]*Strategy, error) {
	return s.queryStrategies(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE status = ? ORDER BY updated_at DESC, id DESC`, status)
}

func (s *MySQLStore) queryStrategies(ctx context.Context, query string, args ...any) ([]*Strategy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略列表失败")
	}
	defer rows.Close()

	results := make([]*Strategy, 0)
	for rows.Next() {
		strat, err := scanStrategy(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略记录失败")
		}
		results = append(results, strat)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略失败")
	}
	return results, nil
}

// UpdateStatus 变更策略状态。已归档的策略不允许再变更。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的策略状态")
	}
	const stmt = `UPDATE strategies SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`
	res, err := s.db.ExecContext(ctx, stmt, status, time.Now().Unix(), id, StatusArchived)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略状态失败")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStrategyConflict
	}
	return nil
}

// RecordOutcome 维护连续失败计数。
func (s *MySQLStore) RecordOutcome(ctx context.Context, id string, succeeded bool) (int, error) {
	stmt := `UPDATE strategies SET fail_streak = fail_streak + 1, updated_at = ? WHERE id = ?`
	if succeeded {
		stmt = `UPDATE strategies SET fail_streak = 0, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略失败计数失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, ErrStrategyNotFound
	}
	strat, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return strat.FailStreak, nil
}

// Close 由连接的持有方关闭底层数据库，这里无需操作。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
