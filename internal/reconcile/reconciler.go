// Package reconcile 在每轮评估前用交易所的持仓数量覆盖本地数量。
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/book"
	"trades-keeper/internal/config"
	"trades-keeper/internal/monitor"
	"trades-keeper/internal/position"
)

// Holding 为交易所侧的单个资产持仓。Symbol 可以是基础资产（BTC）或完整交易对（BTCUSDT、BTC/USDT）。
type Holding struct {
	Symbol   string
	Quantity float64
	Free     float64
	Locked   float64
}

// LedgerSnapshot 为一次查询结果。Flat=true 表示交易所明确确认没有任何持仓。
type LedgerSnapshot struct {
	Positions []Holding
	Flat      bool
}

// Ledger 为交易所持仓来源。
type Ledger interface {
	OpenPositions(ctx context.Context) (LedgerSnapshot, error)
}

// Result 汇总一次对账。
type Result struct {
	Updated int
	Zeroed  int
	Kept    bool
	Reason  string
}

// Reconciler 负责对账。
type Reconciler struct {
	ledger      Ledger
	quoteAssets []string
	dust        float64
	monitor     *monitor.Service
	logger      *zap.Logger
	now         func() time.Time
}

// New 创建对账器。
func New(ledger Ledger, cfg config.ReconcileConfig, mon *monitor.Service, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	quotes := make([]string, 0, len(cfg.QuoteAssets))
	for _, q := range cfg.QuoteAssets {
		if q = strings.ToUpper(strings.TrimSpace(q)); q != "" {
			quotes = append(quotes, q)
		}
	}
	// 长后缀优先，避免 FDUSD 被 USD 截断
	sort.SliceStable(quotes, func(i, j int) bool { return len(quotes[i]) > len(quotes[j]) })
	return &Reconciler{
		ledger:      ledger,
		quoteAssets: quotes,
		dust:        cfg.DustQuantity,
		monitor:     mon,
		logger:      logger,
		now:         time.Now,
	}
}

// Reconcile 拉取交易所持仓并写回持仓簿。查询失败或结果含义不明时保留本地状态。
func (r *Reconciler) Reconcile(ctx context.Context, store *book.Store) (Result, error) {
	snap, err := r.ledger.OpenPositions(ctx)
	if err != nil {
		res := Result{Kept: true, Reason: "fetch_failed"}
		r.logger.Warn("获取交易所持仓失败，保留本地状态", zap.Error(err))
		r.report(ctx, res)
		return res, fmt.Errorf("reconcile: 获取交易所持仓失败: %w", err)
	}

	if len(snap.Positions) == 0 && !snap.Flat {
		res := Result{Kept: true, Reason: "empty_ambiguous"}
		r.logger.Warn("交易所返回空持仓但未确认清仓，保留本地状态")
		r.report(ctx, res)
		return res, nil
	}

	now := r.now()
	var res Result

	if snap.Flat {
		for _, id := range store.IDs() {
			_ = store.With(id, func(p *position.Position) error {
				if p.Quantity != 0 {
					p.Reconcile(0, now)
					res.Zeroed++
				}
				return nil
			})
		}
		if res.Zeroed > 0 {
			r.logger.Info("交易所确认无持仓，本地数量清零", zap.Int("zeroed", res.Zeroed))
		}
		r.report(ctx, res)
		return res, nil
	}

	ledgerQty := make(map[string]float64, len(snap.Positions))
	for _, h := range snap.Positions {
		ledgerQty[r.baseAsset(h.Symbol)] += h.Quantity
	}

	// 同一基础资产可能对应多笔本地持仓，按本地数量占比分摊
	groups := make(map[string][]string)
	localTotal := make(map[string]float64)
	for _, p := range store.Snapshot() {
		if p.Status().Terminal() {
			continue
		}
		base := r.baseAsset(p.Symbol)
		groups[base] = append(groups[base], p.ID)
		localTotal[base] += p.Quantity
	}

	for base, ids := range groups {
		qty, ok := ledgerQty[base]
		if !ok {
			continue
		}
		if qty != 0 && qty < r.dust {
			r.logger.Debug("忽略粉尘数量", zap.String("asset", base), zap.Float64("quantity", qty))
			continue
		}
		total := localTotal[base]
		for _, id := range ids {
			_ = store.With(id, func(p *position.Position) error {
				target := qty
				if len(ids) > 1 && total > 0 {
					target = qty * p.Quantity / total
				}
				if target == p.Quantity {
					p.LastReconciledAt = now
					return nil
				}
				r.logger.Info("按交易所数量更新持仓",
					zap.String("position_id", p.ID),
					zap.String("symbol", p.Symbol),
					zap.Float64("local", p.Quantity),
					zap.Float64("ledger", target),
				)
				p.Reconcile(target, now)
				if target == 0 {
					res.Zeroed++
				} else {
					res.Updated++
				}
				return nil
			})
		}
	}

	r.report(ctx, res)
	return res, nil
}

func (r *Reconciler) report(ctx context.Context, res Result) {
	r.monitor.RecordReconcile(ctx, monitor.ReconcilePayload{
		Updated: res.Updated,
		Zeroed:  res.Zeroed,
		Kept:    res.Kept,
		Reason:  res.Reason,
	})
}

// baseAsset 去掉分隔符与计价资产后缀，BTC/USDT、BTCUSDT、BTC 均返回 BTC。
func (r *Reconciler) baseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.IndexAny(s, "/:-"); idx > 0 {
		return s[:idx]
	}
	for _, q := range r.quoteAssets {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}
