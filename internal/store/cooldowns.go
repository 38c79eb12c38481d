package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CooldownRepo 持久化各类复评触发的最近执行时间，进程重启后冷却依然生效。
type CooldownRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCooldownRepo 创建仓储并初始化表结构。
func NewCooldownRepo(st *Store, logger *zap.Logger) (*CooldownRepo, error) {
	if st == nil || st.DB() == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := &CooldownRepo{db: st.DB(), logger: logger}
	if _, err := repo.db.Exec(`CREATE TABLE IF NOT EXISTS review_cooldowns (
		kind TEXT PRIMARY KEY,
		last_run_at TEXT NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("store: 初始化冷却表失败: %w", err)
	}
	return repo, nil
}

// LoadCooldowns 返回每类触发的最近执行时间。
func (r *CooldownRepo) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, last_run_at FROM review_cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询冷却记录失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var kind, raw string
		if err := rows.Scan(&kind, &raw); err != nil {
			return nil, fmt.Errorf("store: 读取冷却记录失败: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			r.logger.Warn("忽略无法解析的冷却时间", zap.String("kind", kind), zap.String("value", raw))
			continue
		}
		out[kind] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历冷却记录失败: %w", err)
	}
	return out, nil
}

// SaveCooldown 记录某类触发的执行时间。
func (r *CooldownRepo) SaveCooldown(ctx context.Context, kind string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO review_cooldowns (kind, last_run_at) VALUES (?, ?)
		 ON CONFLICT(kind) DO UPDATE SET last_run_at = excluded.last_run_at`,
		kind, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 写入冷却记录失败: %w", err)
	}
	return nil
}
