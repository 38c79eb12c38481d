// Package indicator 基于收盘价序列计算动量指标，为 AI 复评提供市场背景。
package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"
)

const (
	rsiPeriod      = 14
	emaFastPeriod  = 12
	emaSlowPeriod  = 26
	macdSignal     = 9
	bollingerDepth = 20
	// recentWindow 为近期涨跌幅使用的收盘价个数。
	recentWindow = 6
)

// Momentum 为一次指标计算的汇总。样本不足的指标为 NaN。
type Momentum struct {
	Samples             int
	Close               float64
	ChangePercent       float64
	RecentChangePercent float64
	RSI                 float64
	RSIPrev             float64
	EMAFast             float64
	EMASlow             float64
	MACDHistogram       float64
	BollingerPosition   float64
}

// RSIDirection 比较最近两期 RSI。
func (m Momentum) RSIDirection() string {
	if math.IsNaN(m.RSI) || math.IsNaN(m.RSIPrev) {
		return "unknown"
	}
	switch {
	case m.RSI > m.RSIPrev:
		return "rising"
	case m.RSI < m.RSIPrev:
		return "falling"
	default:
		return "flat"
	}
}

// Trend 根据快慢均线给出粗略趋势判断。
func (m Momentum) Trend() string {
	if math.IsNaN(m.EMAFast) || math.IsNaN(m.EMASlow) {
		return "unknown"
	}
	switch {
	case m.EMAFast > m.EMASlow:
		return "up"
	case m.EMAFast < m.EMASlow:
		return "down"
	default:
		return "flat"
	}
}

type cacheEntry struct {
	key    string
	result Momentum
}

// Calculator 计算动量指标，并按交易对缓存最近一次结果。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据收盘价序列（按时间升序）计算动量指标。
func (c *Calculator) Compute(symbol string, closes []float64) (Momentum, error) {
	if len(closes) == 0 {
		return Momentum{}, fmt.Errorf("indicator: %s 收盘价序列为空", symbol)
	}

	cacheKey := fmt.Sprintf("%d:%g", len(closes), closes[len(closes)-1])

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := calculate(closes)

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func calculate(closes []float64) Momentum {
	n := len(closes)
	result := Momentum{
		Samples:             n,
		Close:               Last(closes),
		ChangePercent:       SafeDivide(Last(closes)-closes[0], closes[0]) * 100,
		RecentChangePercent: math.NaN(),
		RSI:                 math.NaN(),
		RSIPrev:             math.NaN(),
		EMAFast:             math.NaN(),
		EMASlow:             math.NaN(),
		MACDHistogram:       math.NaN(),
		BollingerPosition:   math.NaN(),
	}

	if tail := SliceTail(closes, recentWindow); len(tail) >= 2 {
		result.RecentChangePercent = SafeDivide(Last(tail)-tail[0], tail[0]) * 100
	}
	if n > rsiPeriod {
		rsi := talib.Rsi(closes, rsiPeriod)
		result.RSI = Last(rsi)
		if n > rsiPeriod+1 {
			result.RSIPrev = Prev(rsi)
		}
	}
	if n >= emaFastPeriod {
		result.EMAFast = Last(talib.Ema(closes, emaFastPeriod))
	}
	if n >= emaSlowPeriod {
		result.EMASlow = Last(talib.Ema(closes, emaSlowPeriod))
	}
	if n >= emaSlowPeriod+macdSignal {
		_, _, hist := talib.Macd(closes, emaFastPeriod, emaSlowPeriod, macdSignal)
		result.MACDHistogram = Last(hist)
	}
	if n >= bollingerDepth {
		upper, _, lower := talib.BBands(closes, bollingerDepth, 2, 2, talib.EMA)
		result.BollingerPosition = bollingerPosition(Last(closes), Last(upper), Last(lower))
	}

	return result
}

func bollingerPosition(close, upper, lower float64) float64 {
	width := upper - lower
	if width <= 0 || math.IsNaN(width) {
		return math.NaN()
	}
	// 限制在[0,1]区间
	return math.Max(0, math.Min(1, SafeDivide(close-lower, width)))
}
