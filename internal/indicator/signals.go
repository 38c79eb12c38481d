package indicator

import "math"

// 信号名称。
const (
	SignalRSIOversold   = "RSI_OVERSOLD"
	SignalRSIOverbought = "RSI_OVERBOUGHT"
	SignalMACDBullish   = "MACD_BULLISH"
	SignalMACDBearish   = "MACD_BEARISH"
	SignalBBOversold    = "BB_OVERSOLD"
	SignalBBOverbought  = "BB_OVERBOUGHT"
)

// Summary 为信号投票结果。
type Summary struct {
	Action     string   `json:"action"`
	Strength   int      `json:"strength"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
}

// Signals 将指标转换为离散信号，样本不足的指标不产生信号。
func (m Momentum) Signals() []string {
	var out []string
	switch {
	case math.IsNaN(m.RSI):
	case m.RSI < 30:
		out = append(out, SignalRSIOversold)
	case m.RSI > 70:
		out = append(out, SignalRSIOverbought)
	}
	if !math.IsNaN(m.MACDHistogram) {
		if m.MACDHistogram > 0 {
			out = append(out, SignalMACDBullish)
		} else {
			out = append(out, SignalMACDBearish)
		}
	}
	switch {
	case math.IsNaN(m.BollingerPosition):
	case m.BollingerPosition <= 0:
		out = append(out, SignalBBOversold)
	case m.BollingerPosition >= 1:
		out = append(out, SignalBBOverbought)
	}
	return out
}

// Summarize 按多空信号数量投票，置信度为每个信号 0.25，上限 0.85。
func (m Momentum) Summarize() Summary {
	signals := m.Signals()
	var bullish, bearish int
	for _, s := range signals {
		switch s {
		case SignalRSIOversold, SignalMACDBullish, SignalBBOversold:
			bullish++
		case SignalRSIOverbought, SignalMACDBearish, SignalBBOverbought:
			bearish++
		}
	}
	switch {
	case bullish > bearish:
		return Summary{Action: "BUY", Strength: bullish, Confidence: math.Min(float64(bullish)*0.25, 0.85), Signals: signals}
	case bearish > bullish:
		return Summary{Action: "SELL", Strength: bearish, Confidence: math.Min(float64(bearish)*0.25, 0.85), Signals: signals}
	default:
		return Summary{Action: "HOLD", Confidence: 0.5, Signals: signals}
	}
}
