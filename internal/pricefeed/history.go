package pricefeed

import (
	"strings"

	"trades-keeper/internal/cache"
)

// History 保存每个交易对最近若干个已接受价格，供 AI 复评计算动量指标。
type History struct {
	size   int
	series *cache.Bounded[string, []float64]
}

// NewHistory 创建价格历史，每个交易对最多保留 size 个点，最多跟踪 symbols 个交易对。
func NewHistory(size, symbols int) *History {
	if size <= 0 {
		size = 200
	}
	return &History{
		size:   size,
		series: cache.NewBounded[string, []float64](symbols),
	}
}

// Append 追加一个价格点。
func (h *History) Append(symbol string, price float64) {
	h.series.Update(strings.ToUpper(symbol), func(old []float64, _ bool) []float64 {
		next := append(old, price)
		if len(next) > h.size {
			next = append([]float64(nil), next[len(next)-h.size:]...)
		}
		return next
	})
}

// Series 返回价格序列副本，按时间从旧到新。
func (h *History) Series(symbol string) []float64 {
	s, ok := h.series.Get(strings.ToUpper(symbol))
	if !ok {
		return nil
	}
	return append([]float64(nil), s...)
}
