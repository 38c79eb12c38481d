// Package lifecycle 在每次价格更新时推进单个持仓：状态机、跟随止损、分批止盈，并带重试地执行订单。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/execution"
	"trades-keeper/internal/monitor"
	"trades-keeper/internal/position"
)

// Executor 为下单能力，execution.Executor 与 execution.Simulator 均满足。
type Executor interface {
	TakeProfit(ctx context.Context, p position.Position) (execution.Fill, error)
	StopLoss(ctx context.Context, p position.Position) (execution.Fill, error)
	AddPosition(ctx context.Context, p position.Position, qty float64) (execution.Fill, error)
	ReducePosition(ctx context.Context, p position.Position, qty float64) (execution.Fill, error)
}

// Archiver 接收分批止盈与部分平仓产生的归档记录，book.Archive 满足。
type Archiver interface {
	Append(ctx context.Context, rec position.ClosedRecord) (bool, error)
}

// Notifier 发送补仓通知。
type Notifier interface {
	NotifyScaleIn(ctx context.Context, p position.Position, fill position.Fill)
}

// Deps 汇总 Manager 的依赖，除 Machine 与 Executor 外均可为空。
type Deps struct {
	Machine  *position.Machine
	Ladder   position.Ladder
	Executor Executor
	Archive  Archiver
	Monitor  *monitor.Service
	Notifier Notifier
	// OnScaleIn 在补仓成交后调用，用于触发 AI 复评。
	OnScaleIn func(ctx context.Context, p position.Position)
}

// TickResult 汇总一次 Tick 的结果。
type TickResult struct {
	Outcome        position.Outcome
	Partials       []position.ClosedRecord
	TrailingMoved  bool
	BreakevenMoved bool
}

// Manager 负责单个持仓的价格驱动流程，本身无持仓状态，调用方需保证同一持仓串行。
type Manager struct {
	deps       Deps
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewManager 创建生命周期管理器。
func NewManager(deps Deps, cfg config.ExecutionConfig, logger *zap.Logger) (*Manager, error) {
	if deps.Machine == nil {
		return nil, errors.New("lifecycle: machine 不能为空")
	}
	if deps.Executor == nil {
		return nil, errors.New("lifecycle: executor 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	return &Manager{
		deps:       deps,
		maxRetries: retries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		now: func() time.Time {
			if deps.Machine.Now != nil {
				return deps.Machine.Now()
			}
			return time.Now()
		},
		sleep: sleepCtx,
	}, nil
}

// Tick 以已通过价格守卫的报价推进持仓。执行失败不会返回错误，持仓保持原状态等待下一次价格更新。
func (m *Manager) Tick(ctx context.Context, p *position.Position, price float64) (TickResult, error) {
	var res TickResult

	out, err := m.deps.Machine.Step(ctx, p, price, actions{m: m})
	if err != nil {
		return res, fmt.Errorf("lifecycle: 持仓 %s 状态推进失败: %w", p.ID, err)
	}
	res.Outcome = out

	if out.Rule != "" {
		m.deps.Monitor.RecordTransition(ctx, p.Clone(), price, out)
		m.logOutcome(p, price, out)
	}
	if out.ExecErr != nil {
		m.deps.Monitor.RecordError(ctx, "订单执行失败，等待下一次价格更新", out.ExecErr, map[string]interface{}{
			"position_id": p.ID,
			"symbol":      p.Symbol,
			"rule":        string(out.Rule),
		})
	}
	if out.Partial != nil {
		res.Partials = append(res.Partials, *out.Partial)
		m.archivePartial(ctx, *out.Partial)
	}
	if out.ScaledIn() {
		snapshot := p.Clone()
		if m.deps.Notifier != nil {
			m.deps.Notifier.NotifyScaleIn(ctx, snapshot, out.Fill)
		}
		if m.deps.OnScaleIn != nil {
			m.deps.OnScaleIn(ctx, snapshot)
		}
	}

	if !p.Status().Terminal() {
		if p.UpdateTrailing() {
			res.TrailingMoved = true
			m.logger.Info("跟随止损上移",
				zap.String("position_id", p.ID),
				zap.String("symbol", p.Symbol),
				zap.Float64("peak", p.Trailing.PeakPrice),
				zap.Float64("stop", p.Trailing.CurrentStop),
			)
		}
		var partials []position.ClosedRecord
		partials, res.BreakevenMoved = m.runLadder(ctx, p)
		res.Partials = append(res.Partials, partials...)
	}

	if invErr := p.CheckInvariants(); invErr != nil {
		m.logger.Warn("持仓不变量校验失败", zap.String("position_id", p.ID), zap.Error(invErr))
	}
	return res, nil
}

// CloseByReview 执行 AI 复评给出的平仓建议，按实际盈亏进入 AI_CLOSED_PROFIT 或 AI_CLOSED_LOSS。
// 下单失败时持仓保持不变。
func (m *Manager) CloseByReview(ctx context.Context, p *position.Position) (position.Status, error) {
	if p.Status().Terminal() {
		return p.Status(), nil
	}
	snapshot := p.Clone()
	exec := m.deps.Executor.StopLoss
	intent := execution.IntentStopLoss
	if p.UnrealizedPnl > 0 {
		exec = m.deps.Executor.TakeProfit
		intent = execution.IntentTakeProfit
	}
	fill, err := m.withRetry(ctx, intent, p, func() (execution.Fill, error) {
		return exec(ctx, snapshot)
	})
	if err != nil {
		return p.Status(), err
	}

	from := p.Status()
	pf := toPositionFill(fill)
	if pf.Skipped {
		pf = position.Fill{Price: p.LastPrice, Skipped: true}
	}
	if rec, partial := p.ReduceOnExit("ai_review", pf, m.now()); partial {
		m.archivePartial(ctx, rec)
		m.logger.Warn("AI 平仓单部分成交，剩余仓位保持原状态",
			zap.String("position_id", p.ID),
			zap.Float64("filled", rec.Quantity),
			zap.Float64("remaining", p.Quantity),
		)
		return p.Status(), fmt.Errorf("lifecycle: 持仓 %s: %w", p.ID, position.ErrPartialExit)
	}
	status, err := p.CloseByReview(pf, m.now())
	if err != nil {
		return status, err
	}
	m.deps.Monitor.RecordTransition(ctx, p.Clone(), p.LastPrice, position.Outcome{
		Rule: position.RuleReview,
		From: from,
		To:   status,
		Fill: pf,
	})
	m.logger.Info("按 AI 复评平仓",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("status", string(status)),
		zap.Float64("exit_price", p.ExitPrice),
		zap.Float64("realized_pnl", p.FinalPnl),
	)
	return status, nil
}

func (m *Manager) runLadder(ctx context.Context, p *position.Position) ([]position.ClosedRecord, bool) {
	var (
		records   []position.ClosedRecord
		breakeven bool
	)
	ladder := m.deps.Ladder
	for _, rung := range ladder.Due(p) {
		qty := ladder.SliceQuantity(p, rung)
		snapshot := p.Clone()
		fill, err := m.withRetry(ctx, execution.IntentReduce, p, func() (execution.Fill, error) {
			return m.deps.Executor.ReducePosition(ctx, snapshot, qty)
		})
		if err != nil {
			m.deps.Monitor.RecordError(ctx, "分批止盈执行失败", err, map[string]interface{}{
				"position_id": p.ID,
				"trigger":     rung.TriggerPercent,
			})
			break
		}

		now := m.now()
		if fill.Skipped {
			p.SkipRung(rung, now)
			m.logger.Info("分批止盈数量过小，跳过该档",
				zap.String("position_id", p.ID),
				zap.Float64("trigger_percent", rung.TriggerPercent),
			)
			continue
		}
		pf := toPositionFill(fill)
		if pf.Price <= 0 {
			pf.Price = p.LastPrice
		}
		rec, applyErr := p.ApplyPartial(rung, pf, now)
		if applyErr != nil {
			m.logger.Warn("分批止盈记录失败", zap.String("position_id", p.ID), zap.Error(applyErr))
			continue
		}
		records = append(records, rec)
		m.archivePartial(ctx, rec)

		if ladder.BreakevenAfterFirst && p.ApplyBreakeven() {
			breakeven = true
			m.logger.Info("止损移至保本",
				zap.String("position_id", p.ID),
				zap.Float64("stop_loss", p.StopLoss),
			)
		}
		if p.Quantity <= 0 {
			break
		}
	}
	return records, breakeven
}

func (m *Manager) archivePartial(ctx context.Context, rec position.ClosedRecord) {
	if m.deps.Archive == nil {
		return
	}
	if _, err := m.deps.Archive.Append(ctx, rec); err != nil {
		m.logger.Warn("部分平仓归档失败", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (m *Manager) logOutcome(p *position.Position, price float64, out position.Outcome) {
	fields := []zap.Field{
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("rule", string(out.Rule)),
		zap.String("from", string(out.From)),
		zap.String("to", string(out.To)),
		zap.Float64("price", price),
	}
	switch {
	case out.Unresolved:
		m.logger.Warn("规则命中但执行未完成", append(fields, zap.Error(out.ExecErr))...)
	case out.Changed():
		m.logger.Info("持仓状态变更", append(fields, zap.Float64("fill_price", out.Fill.Price))...)
	default:
		m.logger.Debug("规则命中", fields...)
	}
}

// withRetry 按固定间隔重试下单；交易所明确拒绝或 ctx 结束时立即返回。
func (m *Manager) withRetry(ctx context.Context, intent execution.Intent, p *position.Position, fn func() (execution.Fill, error)) (execution.Fill, error) {
	var err error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		var fill execution.Fill
		fill, err = fn()
		if err == nil {
			return fill, nil
		}
		if errors.Is(err, execution.ErrRejected) || ctx.Err() != nil {
			break
		}
		if attempt == m.maxRetries {
			break
		}
		m.logger.Warn("下单失败，准备重试",
			zap.String("intent", string(intent)),
			zap.String("position_id", p.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", m.retryDelay),
			zap.Error(err),
		)
		if sleepErr := m.sleep(ctx, m.retryDelay); sleepErr != nil {
			return execution.Fill{}, sleepErr
		}
	}
	return execution.Fill{}, fmt.Errorf("lifecycle: %s 重试后仍失败: %w", intent, err)
}

// actions 将 Executor 适配为状态机所需的 position.Actions。
type actions struct {
	m *Manager
}

func (a actions) TakeProfit(ctx context.Context, p position.Position) (position.Fill, error) {
	fill, err := a.m.withRetry(ctx, execution.IntentTakeProfit, &p, func() (execution.Fill, error) {
		return a.m.deps.Executor.TakeProfit(ctx, p)
	})
	return toPositionFill(fill), err
}

func (a actions) StopLoss(ctx context.Context, p position.Position) (position.Fill, error) {
	fill, err := a.m.withRetry(ctx, execution.IntentStopLoss, &p, func() (execution.Fill, error) {
		return a.m.deps.Executor.StopLoss(ctx, p)
	})
	return toPositionFill(fill), err
}

func (a actions) ScaleIn(ctx context.Context, p position.Position, qty float64) (position.Fill, error) {
	fill, err := a.m.withRetry(ctx, execution.IntentAdd, &p, func() (execution.Fill, error) {
		return a.m.deps.Executor.AddPosition(ctx, p, qty)
	})
	return toPositionFill(fill), err
}

func toPositionFill(f execution.Fill) position.Fill {
	return position.Fill{
		Price:    f.Price,
		Quantity: f.ExecutedQty,
		OrderID:  f.OrderID,
		Skipped:  f.Skipped,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
