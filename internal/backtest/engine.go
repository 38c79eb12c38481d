// Package backtest 以历史价格序列回放持仓生命周期，执行走模拟成交。
package backtest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/book"
	"trades-keeper/internal/execution"
	"trades-keeper/internal/lifecycle"
	"trades-keeper/internal/position"
)

// Result 汇总回测结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Trades       int
	FinalEquity  float64
	Closed       []position.ClosedRecord
	Open         []position.Position
}

// Engine 串联价格源、生命周期管理器与模拟执行。
type Engine struct {
	cfg       Config
	provider  PriceProvider
	book      *book.Store
	archive   *book.Archive
	manager   *lifecycle.Manager
	simulator *execution.Simulator
	logger    *zap.Logger

	clock time.Time
}

// NewEngine 构建回测引擎，cfg.Positions 在回放开始前建仓。
func NewEngine(cfg Config, provider PriceProvider, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		provider: provider,
		book:     book.NewStore(logger),
		logger:   logger,
	}

	e.simulator = execution.NewSimulator(cfg.Execution, cfg.SlippagePercent, logger).WithClock(e.now)
	e.archive = book.NewArchive(cfg.ArchiveCapacity, nil, nil, nil, nil, logger)

	machine := position.NewMachine(cfg.DCA)
	machine.Now = e.now
	manager, err := lifecycle.NewManager(lifecycle.Deps{
		Machine:  machine,
		Ladder:   cfg.Ladder,
		Executor: e.simulator,
		Archive:  e.archive,
	}, cfg.Execution, logger)
	if err != nil {
		return nil, err
	}
	e.manager = manager

	for i, params := range cfg.Positions {
		p, err := position.New(params)
		if err != nil {
			return nil, fmt.Errorf("backtest: 第 %d 个持仓参数非法: %w", i, err)
		}
		if err := e.book.Add(p); err != nil {
			return nil, fmt.Errorf("backtest: 加入持仓失败: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.clock.IsZero() {
		return time.Now()
	}
	return e.clock
}

// Run 执行完整回测流程。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	equity := []float64{e.cfg.InitialEquity}
	var returns []float64

	for {
		tick, ok, err := e.provider.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		if tick.Price <= 0 {
			continue
		}
		if !tick.At.IsZero() {
			e.clock = tick.At
		}

		for _, p := range e.book.Snapshot() {
			if p.Symbol != tick.Symbol {
				continue
			}
			tickErr := e.book.With(p.ID, func(pos *position.Position) error {
				_, err := e.manager.Tick(ctx, pos, tick.Price)
				return err
			})
			if tickErr != nil {
				e.logger.Warn("回测推进持仓失败", zap.String("position_id", p.ID), zap.Error(tickErr))
			}
		}
		if _, err := e.archive.Settle(ctx, e.book); err != nil {
			e.logger.Warn("回测归档失败", zap.Error(err))
		}

		prev := equity[len(equity)-1]
		cur := e.equity()
		equity = append(equity, cur)
		if prev != 0 {
			returns = append(returns, cur/prev-1)
		}
	}

	closed := e.archive.Records()
	metrics := calculateMetrics(equity, returns, e.cfg.PeriodsPerYear)
	metrics.WinRate = winRate(closed)

	return Result{
		Metrics:      metrics,
		EquityCurve:  equity,
		ReturnSeries: returns,
		Trades:       len(e.simulator.Orders()),
		FinalEquity:  equity[len(equity)-1],
		Closed:       closed,
		Open:         e.book.Snapshot(),
	}, nil
}

// equity 为初始净值加上已平仓收益与活跃持仓的已实现、未实现收益。
func (e *Engine) equity() float64 {
	total := e.cfg.InitialEquity
	for _, rec := range e.archive.Records() {
		if rec.Kind == position.RecordFinal {
			total += rec.TotalPnl
		}
	}
	for _, p := range e.book.Snapshot() {
		total += p.RealizedPnl + p.UnrealizedPnl
	}
	return total
}
