package indicator

import (
	"math"
	"testing"
)

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func TestCalculator_ShortSeriesLeavesNaN(t *testing.T) {
	m, err := NewCalculator().Compute("BTCUSDT", []float64{100, 101, 102})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !math.IsNaN(m.RSI) || !math.IsNaN(m.EMASlow) || m.Trend() != "unknown" {
		t.Fatalf("expected NaN indicators for short series, got %+v", m)
	}
	if m.Close != 102 || math.Abs(m.ChangePercent-2) > 1e-9 || math.Abs(m.RecentChangePercent-2) > 1e-9 {
		t.Fatalf("unexpected close/change %+v", m)
	}
	if m.RSIDirection() != "unknown" {
		t.Fatalf("expected unknown RSI direction, got %s", m.RSIDirection())
	}
}

func TestCalculator_RSIDirectionAndRecentChange(t *testing.T) {
	closes := append(rising(40), 137, 134)
	m, err := NewCalculator().Compute("ETHUSDT", closes)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if math.IsNaN(m.RSIPrev) || m.RSIDirection() != "falling" {
		t.Fatalf("expected falling RSI after pullback, got rsi=%f prev=%f", m.RSI, m.RSIPrev)
	}
	// 最近 6 个收盘价: 136..139, 137, 134
	want := (134.0 - 136.0) / 136.0 * 100
	if math.Abs(m.RecentChangePercent-want) > 1e-9 {
		t.Fatalf("expected recent change %f, got %f", want, m.RecentChangePercent)
	}
}

func TestCalculator_RisingSeries(t *testing.T) {
	m, err := NewCalculator().Compute("BTCUSDT", rising(60))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.RSI < 70 {
		t.Fatalf("expected overbought RSI on monotonic rise, got %f", m.RSI)
	}
	if m.Trend() != "up" {
		t.Fatalf("expected up trend, got %s", m.Trend())
	}
	if m.BollingerPosition < 0 || m.BollingerPosition > 1 {
		t.Fatalf("bollinger position out of range: %f", m.BollingerPosition)
	}
}

func TestCalculator_EmptySeries(t *testing.T) {
	if _, err := NewCalculator().Compute("BTCUSDT", nil); err == nil {
		t.Fatal("expected error on empty series")
	}
}

func TestSliceTail(t *testing.T) {
	got := SliceTail([]float64{1, 2, 3, 4}, 2)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("unexpected tail %v", got)
	}
}

func TestMomentum_Summarize(t *testing.T) {
	cases := []struct {
		name   string
		m      Momentum
		action string
		conf   float64
	}{
		{"bullish", Momentum{RSI: 25, MACDHistogram: 1, BollingerPosition: 0}, "BUY", 0.75},
		{"bearish", Momentum{RSI: 80, MACDHistogram: -1, BollingerPosition: 0.5}, "SELL", 0.5},
		{"insufficient", Momentum{RSI: math.NaN(), MACDHistogram: math.NaN(), BollingerPosition: math.NaN()}, "HOLD", 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.m.Summarize()
			if got.Action != tc.action || math.Abs(got.Confidence-tc.conf) > 1e-9 {
				t.Fatalf("expected %s/%f, got %+v", tc.action, tc.conf, got)
			}
		})
	}
}
