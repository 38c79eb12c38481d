package review

import (
	"context"

	"go.uber.org/zap"

	"trades-keeper/internal/ai"
	"trades-keeper/internal/indicator"
)

// CloseSource 批量提供收盘价序列，exchange.MarketDataService 满足。
type CloseSource interface {
	Closes(ctx context.Context, symbols []string) (map[string][]float64, error)
}

// SeriesSource 提供本地累积的价格序列，pricefeed.History 满足。
type SeriesSource interface {
	Series(symbol string) []float64
}

// IndicatorMarket 以 K 线收盘价计算动量指标，K 线不可用时退回本地价格序列。
type IndicatorMarket struct {
	candles CloseSource
	history SeriesSource
	calc    *indicator.Calculator
	logger  *zap.Logger
}

// NewIndicatorMarket 创建市场背景提供者，candles 与 history 均可为空。
func NewIndicatorMarket(candles CloseSource, history SeriesSource, logger *zap.Logger) *IndicatorMarket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndicatorMarket{
		candles: candles,
		history: history,
		calc:    indicator.NewCalculator(),
		logger:  logger,
	}
}

// Context 实现 Market。
func (m *IndicatorMarket) Context(ctx context.Context, symbols []string) map[string]ai.SymbolContext {
	closes := map[string][]float64{}
	if m.candles != nil {
		fetched, err := m.candles.Closes(ctx, symbols)
		if err != nil {
			m.logger.Warn("获取K线失败，使用本地价格序列", zap.Error(err))
		} else {
			closes = fetched
		}
	}

	out := make(map[string]ai.SymbolContext, len(symbols))
	for _, symbol := range symbols {
		series := closes[symbol]
		if len(series) < 2 && m.history != nil {
			series = m.history.Series(symbol)
		}
		if len(series) < 2 {
			continue
		}
		mom, err := m.calc.Compute(symbol, series)
		if err != nil {
			m.logger.Debug("计算动量指标失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out[symbol] = ai.NewSymbolContext(mom)
	}
	return out
}
