// Package aggregate 汇总组合层面的收益：按交易日累计已实现盈亏，并记录活跃持仓的浮动盈亏快照。
package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

// DailyStatus 为单个交易日的已实现收益。
type DailyStatus struct {
	TradingDate string
	RealizedPnl float64
	Closes      int
	Partials    int
	Wins        int
	Losses      int
}

// ActiveSnapshot 为最近一次按活跃持仓重算的结果。
type ActiveSnapshot struct {
	Positions     int
	UnrealizedPnl float64
	Notional      float64
	UpdatedAt     time.Time
}

// Tracker 维护日度收益统计，实现 book.Aggregator。
type Tracker struct {
	db     *sql.DB
	cfg    config.AggregateConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	active ActiveSnapshot
}

// NewTracker 创建收益汇总器并初始化表结构。
func NewTracker(db *sql.DB, cfg config.AggregateConfig, logger *zap.Logger) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("aggregate: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &Tracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *Tracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS aggregate_daily (
			trading_date TEXT PRIMARY KEY,
			realized_pnl REAL NOT NULL DEFAULT 0,
			closes INTEGER NOT NULL DEFAULT 0,
			partials INTEGER NOT NULL DEFAULT 0,
			wins INTEGER NOT NULL DEFAULT 0,
			losses INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS aggregate_active_snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			positions INTEGER NOT NULL,
			unrealized_pnl REAL NOT NULL,
			notional REAL NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("aggregate: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// RecordClose 将一条归档记录计入其平仓时间所在的交易日。
func (t *Tracker) RecordClose(ctx context.Context, rec position.ClosedRecord) (err error) {
	ts := rec.ClosedAt
	if ts.IsZero() {
		ts = t.now()
	}
	tradingDate := tradingDay(ts, t.cfg.DailyResetHour)
	now := t.now().UTC().Format(time.RFC3339)

	var closes, partials, wins, losses int
	if rec.Kind == position.RecordPartial {
		partials = 1
	} else {
		closes = 1
		switch {
		case rec.TotalPnl > 0:
			wins = 1
		case rec.TotalPnl < 0:
			losses = 1
		}
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggregate: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, execErr := tx.ExecContext(ctx,
		`INSERT INTO aggregate_daily (trading_date, realized_pnl, closes, partials, wins, losses, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			closes = closes + excluded.closes,
			partials = partials + excluded.partials,
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			updated_at = excluded.updated_at`,
		tradingDate, rec.RealizedPnl, closes, partials, wins, losses, now,
	); execErr != nil {
		err = fmt.Errorf("aggregate: 更新日度收益失败: %w", execErr)
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("aggregate: 提交事务失败: %w", commitErr)
		return err
	}

	t.logger.Debug("已计入日度收益",
		zap.String("trading_date", tradingDate),
		zap.String("record_id", rec.ID),
		zap.Float64("realized_pnl", rec.RealizedPnl),
	)
	return nil
}

// RecomputeFromActive 按当前活跃持仓重算浮动盈亏与名义价值。
func (t *Tracker) RecomputeFromActive(ctx context.Context, active []position.Position) error {
	snap := ActiveSnapshot{UpdatedAt: t.now().UTC()}
	for _, p := range active {
		if p.Status().Terminal() {
			continue
		}
		snap.Positions++
		snap.UnrealizedPnl += p.UnrealizedPnl
		snap.Notional += p.Quantity * p.LastPrice
	}

	t.mu.Lock()
	t.active = snap
	t.mu.Unlock()

	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO aggregate_active_snapshot (id, positions, unrealized_pnl, notional, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			positions = excluded.positions,
			unrealized_pnl = excluded.unrealized_pnl,
			notional = excluded.notional,
			updated_at = excluded.updated_at`,
		snap.Positions, snap.UnrealizedPnl, snap.Notional, snap.UpdatedAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("aggregate: 保存活跃持仓快照失败: %w", err)
	}
	return nil
}

// Active 返回内存中的最新快照。
func (t *Tracker) Active() ActiveSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Daily 查询指定时间所在交易日的统计，没有记录时返回零值。
func (t *Tracker) Daily(ctx context.Context, ts time.Time) (DailyStatus, error) {
	status := DailyStatus{TradingDate: tradingDay(ts, t.cfg.DailyResetHour)}

	row := t.db.QueryRowContext(ctx,
		`SELECT realized_pnl, closes, partials, wins, losses FROM aggregate_daily WHERE trading_date = ?`,
		status.TradingDate,
	)
	switch err := row.Scan(&status.RealizedPnl, &status.Closes, &status.Partials, &status.Wins, &status.Losses); {
	case err == nil, errors.Is(err, sql.ErrNoRows):
		return status, nil
	default:
		return status, fmt.Errorf("aggregate: 查询日度收益失败: %w", err)
	}
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
