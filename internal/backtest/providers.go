package backtest

import (
	"context"
	"strings"
	"time"

	"trades-keeper/internal/exchange"
)

// Tick 为一次价格更新。
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// PriceProvider 按时间顺序提供价格。
type PriceProvider interface {
	Next(ctx context.Context) (Tick, bool, error)
}

// SlicePriceProvider 以固定序列提供价格。
type SlicePriceProvider struct {
	ticks []Tick
	index int
}

func NewSlicePriceProvider(ticks []Tick) *SlicePriceProvider {
	return &SlicePriceProvider{ticks: ticks}
}

// NewCandleProvider 将 K 线收盘价转换为价格序列。
func NewCandleProvider(symbol string, candles []exchange.Candle) *SlicePriceProvider {
	symbol = strings.ToUpper(symbol)
	ticks := make([]Tick, 0, len(candles))
	for _, c := range candles {
		ticks = append(ticks, Tick{Symbol: symbol, Price: c.Close, At: c.Timestamp})
	}
	return NewSlicePriceProvider(ticks)
}

func (p *SlicePriceProvider) Next(ctx context.Context) (Tick, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, false, err
	}
	if p.index >= len(p.ticks) {
		return Tick{}, false, nil
	}
	t := p.ticks[p.index]
	p.index++
	return t, true, nil
}
