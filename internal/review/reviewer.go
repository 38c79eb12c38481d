package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/ai"
	"trades-keeper/internal/book"
	"trades-keeper/internal/config"
	"trades-keeper/internal/monitor"
	"trades-keeper/internal/position"
)

// Advisor 给出复评建议，ai.Client 满足。
type Advisor interface {
	Recommend(ctx context.Context, positions []ai.PositionSummary, market ai.MarketContext) ([]ai.Recommendation, error)
}

// Closer 执行复评平仓，lifecycle.Manager 满足。
type Closer interface {
	CloseByReview(ctx context.Context, p *position.Position) (position.Status, error)
}

// Market 提供各交易对的动量背景，可为空。
type Market interface {
	Context(ctx context.Context, symbols []string) map[string]ai.SymbolContext
}

// Deps 汇总 Reviewer 的依赖。
type Deps struct {
	Gate    *Gate
	Advisor Advisor
	Closer  Closer
	Book    *book.Store
	Market  Market
	DCA     position.DCAPolicy
	Monitor *monitor.Service
}

// Report 汇总一次复评的结果。
type Report struct {
	Kind     Kind
	Received int
	Ignored  int
	Applied  []string
	Rejected []string
}

// Reviewer 执行一次完整的复评流程。
type Reviewer struct {
	deps    Deps
	policy  LevelPolicy
	minConf float64
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewReviewer 创建复评器。timeout 为单次模型调用的硬超时。
func NewReviewer(deps Deps, cfg config.ReviewConfig, timeout time.Duration, logger *zap.Logger) (*Reviewer, error) {
	if deps.Gate == nil || deps.Advisor == nil || deps.Closer == nil || deps.Book == nil {
		return nil, errors.New("review: gate/advisor/closer/book 不能为空")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{
		deps:    deps,
		policy:  NewLevelPolicy(cfg.Levels),
		minConf: cfg.MinConfidence,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run 执行一次复评。门控拒绝时返回 ErrInProgress / ErrCooldown / ErrStartupGrace；
// 模型调用失败时不做任何修改。
func (r *Reviewer) Run(ctx context.Context, kind Kind) (Report, error) {
	report := Report{Kind: kind}

	release, err := r.deps.Gate.Acquire(ctx, kind)
	if err != nil {
		r.logger.Debug("复评被门控拒绝", zap.String("kind", string(kind)), zap.Error(err))
		r.deps.Monitor.RecordReview(ctx, monitor.ReviewPayload{Kind: string(kind), Denial: err.Error()})
		return report, err
	}
	defer release()

	var open []position.Position
	for _, p := range r.deps.Book.Snapshot() {
		if !p.Status().Terminal() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		r.logger.Debug("无活跃持仓，跳过复评", zap.String("kind", string(kind)))
		return report, nil
	}

	summaries := make([]ai.PositionSummary, 0, len(open))
	symbols := make([]string, 0, len(open))
	seen := make(map[string]struct{})
	for i := range open {
		summaries = append(summaries, r.summarize(&open[i]))
		if _, ok := seen[open[i].Symbol]; !ok {
			seen[open[i].Symbol] = struct{}{}
			symbols = append(symbols, open[i].Symbol)
		}
	}
	market := ai.MarketContext{Trigger: string(kind)}
	if r.deps.Market != nil {
		market.Symbols = r.deps.Market.Context(ctx, symbols)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	recs, err := r.deps.Advisor.Recommend(callCtx, summaries, market)
	cancel()
	if err != nil {
		r.logger.Warn("AI 复评失败，保持现有价位", zap.String("kind", string(kind)), zap.Error(err))
		r.deps.Monitor.RecordReview(ctx, monitor.ReviewPayload{Kind: string(kind), Allowed: true, Error: err.Error()})
		return report, fmt.Errorf("review: 调用模型失败: %w", err)
	}
	report.Received = len(recs)

	for _, rec := range recs {
		id, ok := resolveTarget(open, rec)
		if !ok {
			report.Rejected = append(report.Rejected, fmt.Sprintf("%s/%s: 找不到对应持仓", rec.PositionID, rec.Symbol))
			continue
		}
		if rec.Confidence < r.minConf {
			report.Ignored++
			r.logger.Info("建议置信度不足，忽略",
				zap.String("position_id", id),
				zap.String("action", string(rec.Action)),
				zap.Float64("confidence", rec.Confidence),
			)
			continue
		}
		switch rec.Action {
		case ai.ActionClose:
			r.applyClose(ctx, id, rec, &report)
		case ai.ActionAdjust:
			r.applyAdjust(id, rec, &report)
		default:
		}
	}

	r.deps.Monitor.RecordReview(ctx, monitor.ReviewPayload{
		Kind:     string(kind),
		Allowed:  true,
		Received: report.Received,
		Applied:  report.Applied,
		Rejected: report.Rejected,
	})
	r.logger.Info("AI 复评结束",
		zap.String("kind", string(kind)),
		zap.Int("positions", len(open)),
		zap.Int("received", report.Received),
		zap.Int("applied", len(report.Applied)),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("ignored", report.Ignored),
	)
	return report, nil
}

func (r *Reviewer) applyClose(ctx context.Context, id string, rec ai.Recommendation, report *Report) {
	err := r.deps.Book.With(id, func(p *position.Position) error {
		if p.Status().Terminal() {
			return nil
		}
		status, err := r.deps.Closer.CloseByReview(ctx, p)
		if err != nil {
			return err
		}
		report.Applied = append(report.Applied, fmt.Sprintf("%s: CLOSE -> %s", id, status))
		return nil
	})
	if err != nil {
		report.Rejected = append(report.Rejected, fmt.Sprintf("%s: CLOSE 执行失败: %v", id, err))
		r.logger.Warn("复评平仓失败", zap.String("position_id", id), zap.String("reasoning", rec.Reasoning), zap.Error(err))
	}
}

func (r *Reviewer) applyAdjust(id string, rec ai.Recommendation, report *Report) {
	err := r.deps.Book.With(id, func(p *position.Position) error {
		if p.Status().Terminal() {
			return nil
		}
		levels, rejected := r.policy.Validate(*p, rec)
		for _, reason := range rejected {
			report.Rejected = append(report.Rejected, id+": "+reason)
		}
		if levels.Empty() {
			return nil
		}
		p.AdjustLevels(levels.TakeProfit, levels.StopLoss, levels.DCAPrice)
		report.Applied = append(report.Applied, fmt.Sprintf("%s: ADJUST tp=%.8g sl=%.8g dca=%.8g",
			id, p.TakeProfit, p.StopLoss, levels.DCAPrice))
		r.logger.Info("已应用 AI 价位调整",
			zap.String("position_id", id),
			zap.Float64("take_profit", p.TakeProfit),
			zap.Float64("stop_loss", p.StopLoss),
			zap.Float64("dca_price", levels.DCAPrice),
			zap.String("reasoning", rec.Reasoning),
		)
		return nil
	})
	if err != nil {
		report.Rejected = append(report.Rejected, fmt.Sprintf("%s: ADJUST 失败: %v", id, err))
	}
}

func (r *Reviewer) summarize(p *position.Position) ai.PositionSummary {
	s := ai.PositionSummary{
		PositionID:           p.ID,
		Symbol:               p.Symbol,
		Direction:            string(p.Direction),
		Status:               string(p.Status()),
		EntryPrice:           p.EntryPrice,
		AverageEntryPrice:    p.AverageEntryPrice,
		LastPrice:            p.LastPrice,
		Quantity:             p.Quantity,
		UnrealizedPnlPercent: p.UnrealizedPnlPercent,
		StopLoss:             p.StopLoss,
		TakeProfit:           p.TakeProfit,
		DCACount:             p.DCACount,
		DCABudget:            p.DCABudget,
	}
	if p.DCACount < p.DCABudget {
		s.NextDCAPrice = r.deps.DCA.TriggerPrice(p)
	}
	if p.Trailing.Activated {
		s.TrailingStop = p.Trailing.CurrentStop
	}
	if !p.EntryTime.IsZero() {
		s.AgeHours = r.now().Sub(p.EntryTime).Hours()
	}
	return s
}

// resolveTarget 优先按 position_id 匹配，否则按交易对匹配唯一持仓。
func resolveTarget(open []position.Position, rec ai.Recommendation) (string, bool) {
	if rec.PositionID != "" {
		for _, p := range open {
			if p.ID == rec.PositionID {
				return p.ID, true
			}
		}
	}
	if rec.Symbol == "" {
		return "", false
	}
	var found string
	for _, p := range open {
		if strings.EqualFold(p.Symbol, rec.Symbol) {
			if found != "" {
				return "", false
			}
			found = p.ID
		}
	}
	return found, found != ""
}
