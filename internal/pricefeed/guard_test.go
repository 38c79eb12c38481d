package pricefeed

import (
	"context"
	"testing"

	"trades-keeper/internal/config"
)

func newGuard() (*Guard, *History) {
	h := NewHistory(3, 10)
	g := NewGuard(config.CycleConfig{
		MaxJumpPercent: 20,
		PriceCacheSize: 10,
		SanityBands:    map[string]config.SanityBand{"btcusdt": {Min: 1000, Max: 500000}},
	}, h, nil, nil)
	return g, h
}

func TestGuard_Rejections(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	if _, reason := g.Accept(ctx, Quote{Symbol: "BTCUSDT", Price: 60000}); reason != "" {
		t.Fatalf("expected first quote accepted, got %s", reason)
	}

	cases := []struct {
		name  string
		quote Quote
		want  string
	}{
		{"mock", Quote{Symbol: "BTCUSDT", Price: 60100, UsedMock: true}, RejectMock},
		{"zero", Quote{Symbol: "BTCUSDT", Price: 0}, RejectInvalid},
		{"band", Quote{Symbol: "BTCUSDT", Price: 600}, RejectOutOfBand},
		{"jump", Quote{Symbol: "BTCUSDT", Price: 80000}, RejectJump},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, reason := g.Accept(ctx, tc.quote)
			if reason != tc.want {
				t.Fatalf("expected %s, got %q", tc.want, reason)
			}
			if price != 60000 {
				t.Fatalf("rejected quote must keep prior price, got %f", price)
			}
		})
	}
}

func TestGuard_RebaselinesAfterRepeatedJumps(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()
	g.Accept(ctx, Quote{Symbol: "ETHUSDT", Price: 3000})

	for i := 0; i < rebaselineAfter-1; i++ {
		if _, reason := g.Accept(ctx, Quote{Symbol: "ETHUSDT", Price: 4000}); reason != RejectJump {
			t.Fatalf("attempt %d: expected jump rejection, got %q", i, reason)
		}
	}
	if price, reason := g.Accept(ctx, Quote{Symbol: "ETHUSDT", Price: 4000}); reason != "" || price != 4000 {
		t.Fatalf("expected rebaseline, got price=%f reason=%q", price, reason)
	}
}

func TestHistory_Bounded(t *testing.T) {
	ctx := context.Background()
	g, h := newGuard()
	for _, p := range []float64{100, 101, 102, 103} {
		g.Accept(ctx, Quote{Symbol: "solusdt", Price: p})
	}
	got := h.Series("SOLUSDT")
	if len(got) != 3 || got[0] != 101 || got[2] != 103 {
		t.Fatalf("unexpected history %v", got)
	}
}
