package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/position"
)

// PositionRepo 以 JSON 形式保存活跃持仓与平仓归档。
type PositionRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPositionRepo 创建仓储并初始化表结构。
func NewPositionRepo(st *Store, logger *zap.Logger) (*PositionRepo, error) {
	if st == nil || st.DB() == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := &PositionRepo{db: st.DB(), logger: logger}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PositionRepo) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS active_positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS closed_records (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			realized_pnl REAL NOT NULL,
			payload TEXT NOT NULL,
			closed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_records_closed_at ON closed_records(closed_at);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化持仓表失败: %w", err)
		}
	}
	return nil
}

// SavePositions 以快照整体替换活跃持仓。
func (r *PositionRepo) SavePositions(ctx context.Context, positions []position.Position) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM active_positions`); err != nil {
		return fmt.Errorf("store: 清理活跃持仓失败: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range positions {
		p := positions[i]
		payload, marshalErr := json.Marshal(p)
		if marshalErr != nil {
			err = fmt.Errorf("store: 序列化持仓 %s 失败: %w", p.ID, marshalErr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO active_positions (id, symbol, status, payload, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Symbol, string(p.Status()), string(payload), now,
		); err != nil {
			return fmt.Errorf("store: 写入持仓 %s 失败: %w", p.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

// LoadPositions 读取活跃持仓，无法解析的行记录警告后跳过。
func (r *PositionRepo) LoadPositions(ctx context.Context) ([]*position.Position, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, payload FROM active_positions ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询活跃持仓失败: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("store: 读取持仓失败: %w", err)
		}
		var p position.Position
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			r.logger.Warn("跳过无法解析的持仓", zap.String("position_id", id), zap.Error(err))
			continue
		}
		p.NormalizeTrailing()
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历持仓失败: %w", err)
	}
	return out, nil
}

// SaveArchive 追加归档记录，已存在的 ID 忽略。
func (r *PositionRepo) SaveArchive(ctx context.Context, records []position.ClosedRecord) error {
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: 序列化归档 %s 失败: %w", rec.ID, err)
		}
		if _, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO closed_records (id, position_id, symbol, kind, realized_pnl, payload, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.PositionID, rec.Symbol, string(rec.Kind), rec.RealizedPnl, string(payload),
			rec.ClosedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("store: 写入归档 %s 失败: %w", rec.ID, err)
		}
	}
	return nil
}

// LoadArchive 按平仓时间升序返回最近 limit 条归档。
func (r *PositionRepo) LoadArchive(ctx context.Context, limit int) ([]position.ClosedRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM (SELECT payload, closed_at FROM closed_records ORDER BY closed_at DESC LIMIT ?) ORDER BY closed_at ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询归档失败: %w", err)
	}
	defer rows.Close()

	records := make([]position.ClosedRecord, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 读取归档失败: %w", err)
		}
		var rec position.ClosedRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			r.logger.Warn("跳过无法解析的归档", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历归档失败: %w", err)
	}
	return records, nil
}
