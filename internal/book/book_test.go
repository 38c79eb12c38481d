package book

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trades-keeper/internal/position"
)

type mockAggregator struct {
	mu         sync.Mutex
	closes     []position.ClosedRecord
	recomputed []int
}

func (m *mockAggregator) RecordClose(_ context.Context, rec position.ClosedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, rec)
	return nil
}

func (m *mockAggregator) RecomputeFromActive(_ context.Context, active []position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputed = append(m.recomputed, len(active))
	return nil
}

type failingRepo struct{ calls int }

func (f *failingRepo) SaveArchive(context.Context, []position.ClosedRecord) error {
	f.calls++
	return errors.New("disk full")
}

func newPosition(t *testing.T, symbol string) *position.Position {
	t.Helper()
	p, err := position.New(position.Params{
		Symbol: symbol, Direction: position.Long, EntryPrice: 100, Quantity: 1, TakeProfit: 120, StopLoss: 90, DCABudget: 2,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p
}

func closeByReview(t *testing.T, s *Store, id string, price float64) {
	t.Helper()
	err := s.With(id, func(p *position.Position) error {
		_, err := p.CloseByReview(position.Fill{Price: price}, time.Unix(1_700_000_000, 0))
		return err
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStore_AddRejectsDuplicate(t *testing.T) {
	s := NewStore(nil)
	p := newPosition(t, "BTCUSDT")
	if err := s.Add(p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(p); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestStore_AddDuringIteration(t *testing.T) {
	s := NewStore(nil)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		if err := s.Add(newPosition(t, sym)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	visited := 0
	for _, id := range s.IDs() {
		if err := s.With(id, func(p *position.Position) error { return nil }); err != nil {
			t.Fatalf("with: %v", err)
		}
		visited++
		_ = s.Add(newPosition(t, "SOLUSDT"))
	}
	if visited != 2 || s.Len() != 4 {
		t.Fatalf("expected snapshot iteration over 2 ids, visited=%d len=%d", visited, s.Len())
	}
}

func TestStore_TakeTerminalExactlyOnce(t *testing.T) {
	s := NewStore(nil)
	a, b := newPosition(t, "BTCUSDT"), newPosition(t, "ETHUSDT")
	_ = s.Add(a)
	_ = s.Add(b)
	closeByReview(t, s, a.ID, 110)

	taken := s.TakeTerminal()
	if len(taken) != 1 || taken[0].ID != a.ID {
		t.Fatalf("expected only %s taken, got %+v", a.ID, taken)
	}
	if again := s.TakeTerminal(); len(again) != 0 {
		t.Fatalf("terminal position taken twice")
	}
	if err := s.With(a.ID, func(*position.Position) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected archived position to be gone, got %v", err)
	}
}

func TestArchive_SettleDedupesAndAggregates(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	agg := &mockAggregator{}
	archive := NewArchive(10, nil, agg, nil, nil, nil)

	a, b := newPosition(t, "BTCUSDT"), newPosition(t, "ETHUSDT")
	_ = s.Add(a)
	_ = s.Add(b)
	closeByReview(t, s, a.ID, 110)

	n, err := archive.Settle(ctx, s)
	if err != nil || n != 1 {
		t.Fatalf("settle: n=%d err=%v", n, err)
	}
	rec := archive.Records()[0]
	if rec.ID != a.ID || rec.Status != position.StatusAIClosedProfit || rec.RealizedPnl != 10 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if added, _ := archive.Append(ctx, rec); added {
		t.Fatalf("duplicate record must be ignored")
	}
	if len(agg.closes) != 1 || len(agg.recomputed) != 1 || agg.recomputed[0] != 1 {
		t.Fatalf("unexpected aggregator calls closes=%d recomputed=%v", len(agg.closes), agg.recomputed)
	}
}

func TestArchive_BoundedEvictsOldest(t *testing.T) {
	archive := NewArchive(2, nil, nil, nil, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := archive.Append(context.Background(), position.ClosedRecord{ID: id, Kind: position.RecordFinal}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got := archive.Records()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestArchive_PersistFailureKeepsRecord(t *testing.T) {
	repo := &failingRepo{}
	archive := NewArchive(4, repo, nil, nil, nil, nil)
	added, err := archive.Append(context.Background(), position.ClosedRecord{ID: "x", Kind: position.RecordFinal})
	if !added || err == nil {
		t.Fatalf("expected record kept with error, added=%v err=%v", added, err)
	}
	if archive.Len() != 1 || repo.calls != 1 {
		t.Fatalf("expected record in memory after failed save")
	}
}

func TestArchive_RecoverTerminalPositions(t *testing.T) {
	ctx := context.Background()
	agg := &mockAggregator{}
	archive := NewArchive(10, nil, agg, nil, nil, nil)

	p := newPosition(t, "BTCUSDT")
	if _, err := p.CloseByReview(position.Fill{Price: 110}, time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("close: %v", err)
	}
	// 重启时 Store.Add 拒绝终态持仓，只能通过 Recover 进入归档。
	if err := NewStore(nil).Add(p); err == nil {
		t.Fatalf("terminal position must be rejected by the book")
	}

	n, err := archive.Recover(ctx, []position.Position{*p})
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	if n, _ := archive.Recover(ctx, []position.Position{*p}); n != 0 {
		t.Fatalf("recovered record must be archived once, got %d", n)
	}
	if len(agg.closes) != 1 || agg.closes[0].RealizedPnl != 10 {
		t.Fatalf("unexpected aggregator closes %+v", agg.closes)
	}

	active := newPosition(t, "ETHUSDT")
	if _, err := archive.Recover(ctx, []position.Position{*active}); err == nil {
		t.Fatalf("active position must not produce a final record")
	}
}
