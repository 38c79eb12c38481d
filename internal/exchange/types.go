package exchange

import "time"

const (
	// Timeframe1h 为复评使用的默认 K 线周期。
	Timeframe1h = "1h"
	// Timeframe4h 为趋势参考周期。
	Timeframe4h = "4h"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closes 提取收盘价序列。
func Closes(candles []Candle) []float64 {
	out := make([]float64, 0, len(candles))
	for _, c := range candles {
		out = append(out, c.Close)
	}
	return out
}

func floatValue(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
