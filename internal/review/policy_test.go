package review

import (
	"math"
	"testing"

	"trades-keeper/internal/ai"
	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

func TestLevelPolicy_Validate(t *testing.T) {
	lp := NewLevelPolicy(config.LevelConfig{MaxMultiple: 2, MinMultiple: 0.5, PercentCeiling: 50})
	long := position.Position{Direction: position.Long, EntryPrice: 100, AverageEntryPrice: 100, LastPrice: 98}
	short := position.Position{Direction: position.Short, EntryPrice: 100, AverageEntryPrice: 100, LastPrice: 102}

	cases := []struct {
		name     string
		pos      position.Position
		rec      ai.Recommendation
		want     Levels
		rejected int
	}{
		{"long absolute", long, ai.Recommendation{TakeProfit: 120, StopLoss: 90, DCAPrice: 95}, Levels{120, 90, 95}, 0},
		{"long percent", long, ai.Recommendation{TakeProfit: 10, StopLoss: 5}, Levels{110, 95, 0}, 0},
		{"long wrong side", long, ai.Recommendation{TakeProfit: 90, StopLoss: 110}, Levels{}, 2},
		{"long out of bounds", long, ai.Recommendation{TakeProfit: 250, StopLoss: 100}, Levels{}, 2},
		{"long dca above last", long, ai.Recommendation{DCAPrice: 99}, Levels{}, 1},
		{"short absolute", short, ai.Recommendation{TakeProfit: 80, StopLoss: 110, DCAPrice: 105}, Levels{80, 110, 105}, 0},
		{"short percent", short, ai.Recommendation{TakeProfit: 10, StopLoss: 5, DCAPrice: 4}, Levels{90, 105, 104}, 0},
		{"above ceiling kept absolute", long, ai.Recommendation{StopLoss: 60}, Levels{StopLoss: 60}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, rejected := lp.Validate(tc.pos, tc.rec)
			if !approxLevels(got, tc.want) {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
			if len(rejected) != tc.rejected {
				t.Fatalf("expected %d rejections, got %v", tc.rejected, rejected)
			}
		})
	}
}

func TestNewLevelPolicy_Defaults(t *testing.T) {
	lp := NewLevelPolicy(config.LevelConfig{})
	if lp.MaxMultiple != 3 || lp.MinMultiple != 0.3 || lp.PercentCeiling != 100 {
		t.Fatalf("unexpected defaults %+v", lp)
	}
}

func approxLevels(a, b Levels) bool {
	eq := func(x, y float64) bool { return math.Abs(x-y) < 1e-9 }
	return eq(a.TakeProfit, b.TakeProfit) && eq(a.StopLoss, b.StopLoss) && eq(a.DCAPrice, b.DCAPrice)
}
