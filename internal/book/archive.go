package book

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trades-keeper/internal/cache"
	"trades-keeper/internal/monitor"
	"trades-keeper/internal/position"
)

// Aggregator 为组合层面的收益汇总。
type Aggregator interface {
	RecordClose(ctx context.Context, rec position.ClosedRecord) error
	RecomputeFromActive(ctx context.Context, active []position.Position) error
}

// Repository 持久化归档记录，需按 ID 幂等。
type Repository interface {
	SaveArchive(ctx context.Context, records []position.ClosedRecord) error
}

// Notifier 发送平仓通知，失败由实现方自行吞掉。
type Notifier interface {
	NotifyClose(ctx context.Context, rec position.ClosedRecord)
}

// Archive 为定容的已平仓记录，按 ID 去重，容量满时淘汰最早的记录。
type Archive struct {
	mu       sync.Mutex
	records  *cache.Bounded[string, position.ClosedRecord]
	repo     Repository
	agg      Aggregator
	notifier Notifier
	monitor  *monitor.Service
	logger   *zap.Logger
}

// NewArchive 创建归档。repo、agg、notifier、mon 均可为 nil。
func NewArchive(capacity int, repo Repository, agg Aggregator, notifier Notifier, mon *monitor.Service, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		records:  cache.NewBounded[string, position.ClosedRecord](capacity),
		repo:     repo,
		agg:      agg,
		notifier: notifier,
		monitor:  mon,
		logger:   logger,
	}
}

// Restore 载入历史记录，不触发汇总与通知。
func (a *Archive) Restore(records []position.ClosedRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		a.records.Set(rec.ID, rec)
	}
}

// Append 写入一条记录。重复 ID 返回 false 且不产生任何副作用；
// 持久化、汇总失败会返回错误，但记录已进入内存归档。
func (a *Archive) Append(ctx context.Context, rec position.ClosedRecord) (bool, error) {
	a.mu.Lock()
	if _, exists := a.records.Get(rec.ID); exists {
		a.mu.Unlock()
		a.logger.Debug("忽略重复归档", zap.String("record_id", rec.ID))
		return false, nil
	}
	a.records.Set(rec.ID, rec)
	a.mu.Unlock()

	var err error
	if a.repo != nil {
		err = multierr.Append(err, a.repo.SaveArchive(ctx, []position.ClosedRecord{rec}))
	}
	if a.agg != nil {
		err = multierr.Append(err, a.agg.RecordClose(ctx, rec))
	}

	if rec.Kind == position.RecordPartial {
		a.monitor.RecordPartial(ctx, rec)
	} else {
		a.monitor.RecordArchive(ctx, rec)
	}
	if a.notifier != nil {
		a.notifier.NotifyClose(ctx, rec)
	}

	a.logger.Info("平仓归档",
		zap.String("record_id", rec.ID),
		zap.String("symbol", rec.Symbol),
		zap.String("kind", string(rec.Kind)),
		zap.String("status", string(rec.Status)),
		zap.String("reason", rec.Reason),
		zap.Float64("exit_price", rec.ExitPrice),
		zap.Float64("realized_pnl", rec.RealizedPnl),
	)
	return true, err
}

// Settle 取出持仓簿中的终态持仓并归档，随后按剩余活跃持仓重算汇总。
func (a *Archive) Settle(ctx context.Context, store *Store) (int, error) {
	settled, err := a.appendFinal(ctx, store.TakeTerminal())
	if a.agg != nil {
		err = multierr.Append(err, a.agg.RecomputeFromActive(ctx, store.Snapshot()))
	}
	return settled, err
}

// Recover 归档重启时载入的终态持仓，例如上一进程在结算前退出。已归档的 ID 会被忽略。
func (a *Archive) Recover(ctx context.Context, positions []position.Position) (int, error) {
	return a.appendFinal(ctx, positions)
}

func (a *Archive) appendFinal(ctx context.Context, positions []position.Position) (int, error) {
	var (
		err     error
		settled int
	)
	for i := range positions {
		rec, recErr := positions[i].FinalRecord()
		if recErr != nil {
			err = multierr.Append(err, recErr)
			continue
		}
		added, appendErr := a.Append(ctx, rec)
		err = multierr.Append(err, appendErr)
		if added {
			settled++
		}
	}
	return settled, err
}

// Records 按写入顺序返回当前归档。
func (a *Archive) Records() []position.ClosedRecord {
	return a.records.Values()
}

// Len 返回归档条数。
func (a *Archive) Len() int {
	return a.records.Len()
}
