package reconcile

import (
	"context"
	"errors"
	"testing"

	"trades-keeper/internal/book"
	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

type mockLedger struct {
	snap LedgerSnapshot
	err  error
}

func (m *mockLedger) OpenPositions(context.Context) (LedgerSnapshot, error) {
	return m.snap, m.err
}

func testConfig() config.ReconcileConfig {
	return config.ReconcileConfig{QuoteAssets: []string{"USD", "USDT", "FDUSD"}, DustQuantity: 1e-6}
}

func seed(t *testing.T, symbols ...string) (*book.Store, []string) {
	t.Helper()
	s := book.NewStore(nil)
	var ids []string
	for _, sym := range symbols {
		p, err := position.New(position.Params{Symbol: sym, Direction: position.Long, EntryPrice: 100, Quantity: 1, DCABudget: 1})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := s.Add(p); err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, p.ID)
	}
	return s, ids
}

func quantity(t *testing.T, s *book.Store, id string) float64 {
	t.Helper()
	p, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return p.Quantity
}

func TestReconcile_FetchFailureNeverZeroes(t *testing.T) {
	s, ids := seed(t, "BTCUSDT")
	r := New(&mockLedger{err: errors.New("timeout")}, testConfig(), nil, nil)

	res, err := r.Reconcile(context.Background(), s)
	if err == nil || !res.Kept {
		t.Fatalf("expected kept with error, res=%+v err=%v", res, err)
	}
	if quantity(t, s, ids[0]) != 1 {
		t.Fatalf("quantity must be preserved on fetch failure")
	}
}

func TestReconcile_EmptyWithoutFlatIsAmbiguous(t *testing.T) {
	s, ids := seed(t, "BTCUSDT")
	r := New(&mockLedger{snap: LedgerSnapshot{}}, testConfig(), nil, nil)

	res, err := r.Reconcile(context.Background(), s)
	if err != nil || !res.Kept || quantity(t, s, ids[0]) != 1 {
		t.Fatalf("empty ambiguous result must keep local state, res=%+v", res)
	}
}

func TestReconcile_ExplicitFlatZeroes(t *testing.T) {
	s, ids := seed(t, "BTCUSDT", "ETHUSDT")
	r := New(&mockLedger{snap: LedgerSnapshot{Flat: true}}, testConfig(), nil, nil)

	res, err := r.Reconcile(context.Background(), s)
	if err != nil || res.Zeroed != 2 {
		t.Fatalf("expected both zeroed, res=%+v err=%v", res, err)
	}
	for _, id := range ids {
		if quantity(t, s, id) != 0 {
			t.Fatalf("expected %s zeroed", id)
		}
	}
}

func TestReconcile_OverwritesMatchingBaseAsset(t *testing.T) {
	s, ids := seed(t, "BTCUSDT", "ETHFDUSD", "SOLUSDT")
	r := New(&mockLedger{snap: LedgerSnapshot{Positions: []Holding{
		{Symbol: "BTC", Quantity: 0.8},
		{Symbol: "ETH/FDUSD", Quantity: 1.5},
		{Symbol: "SOL", Quantity: 1e-9},
	}}}, testConfig(), nil, nil)

	res, err := r.Reconcile(context.Background(), s)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if quantity(t, s, ids[0]) != 0.8 || quantity(t, s, ids[1]) != 1.5 {
		t.Fatalf("expected ledger quantities applied")
	}
	if quantity(t, s, ids[2]) != 1 {
		t.Fatalf("dust quantity must be ignored")
	}
	if res.Updated != 2 {
		t.Fatalf("expected 2 updates, got %+v", res)
	}

	p, _ := s.Get(ids[0])
	if p.EntryPrice != 100 || p.DCABudget != 1 || p.LastReconciledAt.IsZero() {
		t.Fatalf("metadata must be preserved and reconcile time set")
	}
}

func TestReconcile_SplitsSharedAsset(t *testing.T) {
	s, ids := seed(t, "BTCUSDT", "BTCUSDT")
	r := New(&mockLedger{snap: LedgerSnapshot{Positions: []Holding{{Symbol: "BTC", Quantity: 1}}}}, testConfig(), nil, nil)

	if _, err := r.Reconcile(context.Background(), s); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if quantity(t, s, ids[0]) != 0.5 || quantity(t, s, ids[1]) != 0.5 {
		t.Fatalf("expected proportional split")
	}
}

func TestBaseAsset(t *testing.T) {
	r := New(nil, testConfig(), nil, nil)
	cases := map[string]string{
		"BTCUSDT":   "BTC",
		"ETHFDUSD":  "ETH",
		"BTC/USDT":  "BTC",
		"sol":       "SOL",
		"DOGE-USDT": "DOGE",
	}
	for in, want := range cases {
		if got := r.baseAsset(in); got != want {
			t.Errorf("baseAsset(%q)=%q want %q", in, got, want)
		}
	}
}
