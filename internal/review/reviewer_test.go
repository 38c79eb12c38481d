package review

import (
	"context"
	"errors"
	"testing"

	"trades-keeper/internal/ai"
	"trades-keeper/internal/book"
	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

type stubAdvisor struct {
	recs     []ai.Recommendation
	err      error
	calls    int
	received []ai.PositionSummary
	market   ai.MarketContext
}

func (s *stubAdvisor) Recommend(_ context.Context, positions []ai.PositionSummary, market ai.MarketContext) ([]ai.Recommendation, error) {
	s.calls++
	s.received = positions
	s.market = market
	return s.recs, s.err
}

type stubCloser struct {
	closed []string
}

func (c *stubCloser) CloseByReview(_ context.Context, p *position.Position) (position.Status, error) {
	c.closed = append(c.closed, p.ID)
	return p.CloseByReview(position.Fill{Price: p.LastPrice, Quantity: p.Quantity}, p.EntryTime)
}

type stubMarket struct{}

func (stubMarket) Context(_ context.Context, symbols []string) map[string]ai.SymbolContext {
	out := make(map[string]ai.SymbolContext, len(symbols))
	for _, s := range symbols {
		out[s] = ai.SymbolContext{Samples: 10, Trend: "up"}
	}
	return out
}

func newTestReviewer(t *testing.T, advisor Advisor, closer Closer, positions ...*position.Position) (*Reviewer, *book.Store) {
	t.Helper()
	gate, err := NewGate(context.Background(), config.ReviewConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	st := book.NewStore(nil)
	for _, p := range positions {
		if err := st.Add(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r, err := NewReviewer(Deps{
		Gate:    gate,
		Advisor: advisor,
		Closer:  closer,
		Book:    st,
		Market:  stubMarket{},
	}, config.ReviewConfig{MinConfidence: 0.5, Levels: config.LevelConfig{MaxMultiple: 2, MinMultiple: 0.5, PercentCeiling: 50}}, 0, nil)
	if err != nil {
		t.Fatalf("reviewer: %v", err)
	}
	return r, st
}

func mustPosition(t *testing.T, id, symbol string, entry, tp, sl float64) *position.Position {
	t.Helper()
	p, err := position.New(position.Params{ID: id, Symbol: symbol, Direction: position.Long, EntryPrice: entry, Quantity: 1, TakeProfit: tp, StopLoss: sl})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	return p
}

func TestReviewer_AppliesRecommendations(t *testing.T) {
	btc := mustPosition(t, "p-btc", "BTCUSDT", 60000, 66000, 54000)
	eth := mustPosition(t, "p-eth", "ETHUSDT", 3000, 3300, 2700)
	sol := mustPosition(t, "p-sol", "SOLUSDT", 100, 110, 90)
	advisor := &stubAdvisor{recs: []ai.Recommendation{
		{PositionID: "p-btc", Action: ai.ActionAdjust, TakeProfit: 70000, StopLoss: 10, Confidence: 0.8},
		{Symbol: "ETHUSDT", Action: ai.ActionClose, Confidence: 0.9},
		{PositionID: "p-sol", Action: ai.ActionClose, Confidence: 0.2},
		{PositionID: "p-missing", Action: ai.ActionHold, Confidence: 0.9},
	}}
	closer := &stubCloser{}
	r, st := newTestReviewer(t, advisor, closer, btc, eth, sol)

	report, err := r.Run(context.Background(), KindManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(advisor.received) != 3 || advisor.market.Trigger != "manual" || len(advisor.market.Symbols) != 3 {
		t.Fatalf("unexpected advisor input %+v", advisor.market)
	}
	if report.Received != 4 || report.Ignored != 1 || len(report.Applied) != 2 || len(report.Rejected) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	got, _ := st.Get("p-btc")
	if got.TakeProfit != 70000 || got.StopLoss != 54000 {
		t.Fatalf("expected tp=70000 sl=54000 (10%% reinterpreted), got tp=%f sl=%f", got.TakeProfit, got.StopLoss)
	}
	if len(closer.closed) != 1 || closer.closed[0] != "p-eth" {
		t.Fatalf("expected only ETH closed, got %v", closer.closed)
	}
	if e, _ := st.Get("p-eth"); !e.Status().Terminal() {
		t.Fatalf("expected ETH terminal, got %s", e.Status())
	}
	if s, _ := st.Get("p-sol"); s.Status() != position.StatusOpen {
		t.Fatalf("low confidence must be ignored, got %s", s.Status())
	}
}

func TestReviewer_FailsClosed(t *testing.T) {
	btc := mustPosition(t, "p-btc", "BTCUSDT", 60000, 66000, 54000)
	advisor := &stubAdvisor{err: errors.New("timeout")}
	r, st := newTestReviewer(t, advisor, &stubCloser{}, btc)

	if _, err := r.Run(context.Background(), KindScheduled); err == nil {
		t.Fatal("expected advisor error")
	}
	got, _ := st.Get("p-btc")
	if got.TakeProfit != 66000 || got.StopLoss != 54000 || got.Status() != position.StatusOpen {
		t.Fatalf("position must be untouched, got %+v", got)
	}
}

func TestReviewer_SkipsEmptyBook(t *testing.T) {
	advisor := &stubAdvisor{}
	r, _ := newTestReviewer(t, advisor, &stubCloser{})
	if _, err := r.Run(context.Background(), KindScheduled); err != nil {
		t.Fatalf("run: %v", err)
	}
	if advisor.calls != 0 {
		t.Fatalf("advisor must not be called without positions, got %d", advisor.calls)
	}
}
