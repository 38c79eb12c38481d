// Package pricefeed 定义报价来源接口，并在报价进入状态机前做合理性过滤。
package pricefeed

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/cache"
	"trades-keeper/internal/config"
	"trades-keeper/internal/monitor"
)

// Quote 为一次报价。UsedMock=true 表示来源返回的是占位数据。
type Quote struct {
	Symbol   string
	Price    float64
	Source   string
	UsedMock bool
	At       time.Time
}

// Feed 为报价来源。
type Feed interface {
	FetchPrice(ctx context.Context, symbol string) (Quote, error)
}

// 拒绝原因。
const (
	RejectMock      = "mock"
	RejectInvalid   = "invalid"
	RejectOutOfBand = "out_of_band"
	RejectJump      = "jump"
)

// rebaselineAfter 为同一交易对连续因跳变被拒的次数上限，达到后接受新价位作为基准。
const rebaselineAfter = 3

// Guard 过滤异常报价：占位数据、超出合理区间、相对上次接受价跳变过大。
type Guard struct {
	cfg     config.CycleConfig
	last    *cache.Bounded[string, float64]
	strikes *cache.Bounded[string, int]
	history *History
	monitor *monitor.Service
	logger  *zap.Logger
}

// NewGuard 创建价格守卫。history、mon 可以为 nil。
func NewGuard(cfg config.CycleConfig, history *History, mon *monitor.Service, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.PriceCacheSize
	if size <= 0 {
		size = 500
	}
	return &Guard{
		cfg:     cfg,
		last:    cache.NewBounded[string, float64](size),
		strikes: cache.NewBounded[string, int](size),
		history: history,
		monitor: mon,
		logger:  logger,
	}
}

// Accept 判断报价是否可用。被拒时返回上次接受价（可能为 0）与拒绝原因。
func (g *Guard) Accept(ctx context.Context, q Quote) (float64, string) {
	symbol := strings.ToUpper(q.Symbol)
	last, hasLast := g.last.Get(symbol)

	reason := g.check(symbol, q, last, hasLast)
	if reason != "" {
		g.logger.Warn("丢弃异常报价",
			zap.String("symbol", symbol),
			zap.Float64("price", q.Price),
			zap.Float64("last_price", last),
			zap.String("source", q.Source),
			zap.String("reason", reason),
		)
		g.monitor.RecordPriceRejected(ctx, monitor.PriceRejectedPayload{
			Symbol:    symbol,
			Price:     q.Price,
			LastPrice: last,
			Reason:    reason,
		})
		return last, reason
	}

	g.last.Set(symbol, q.Price)
	g.strikes.Delete(symbol)
	if g.history != nil {
		g.history.Append(symbol, q.Price)
	}
	return q.Price, ""
}

func (g *Guard) check(symbol string, q Quote, last float64, hasLast bool) string {
	if q.UsedMock {
		return RejectMock
	}
	if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
		return RejectInvalid
	}
	if band, ok := g.cfg.Band(symbol); ok && (q.Price < band.Min || q.Price > band.Max) {
		return RejectOutOfBand
	}
	if hasLast && last > 0 && g.cfg.MaxJumpPercent > 0 {
		move := math.Abs(q.Price-last) / last * 100
		if move > g.cfg.MaxJumpPercent {
			strikes := g.strikes.Update(symbol, func(old int, _ bool) int { return old + 1 })
			if strikes < rebaselineAfter {
				return RejectJump
			}
			g.logger.Warn("价格持续偏离，重设基准价",
				zap.String("symbol", symbol),
				zap.Float64("price", q.Price),
				zap.Float64("last_price", last),
			)
		}
	}
	return ""
}

// Last 返回上次接受的价格。
func (g *Guard) Last(symbol string) (float64, bool) {
	return g.last.Get(strings.ToUpper(symbol))
}
