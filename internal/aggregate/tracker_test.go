package aggregate

import (
	"context"
	"testing"
	"time"

	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
	"trades-keeper/internal/store"
)

func newTracker(t *testing.T, resetHour int) *Tracker {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	tracker, err := NewTracker(st.DB(), config.AggregateConfig{DailyResetHour: resetHour}, nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	return tracker
}

func TestTracker_RecordCloseAccumulatesPerDay(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t, 0)
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	records := []position.ClosedRecord{
		{ID: "a:tp:5", Kind: position.RecordPartial, RealizedPnl: 30, ClosedAt: day},
		{ID: "a", Kind: position.RecordFinal, RealizedPnl: 10, TotalPnl: 40, ClosedAt: day.Add(time.Hour)},
		{ID: "b", Kind: position.RecordFinal, RealizedPnl: -25, TotalPnl: -25, ClosedAt: day.Add(2 * time.Hour)},
		{ID: "c", Kind: position.RecordFinal, RealizedPnl: 99, TotalPnl: 99, ClosedAt: day.Add(24 * time.Hour)},
	}
	for _, rec := range records {
		if err := tracker.RecordClose(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", rec.ID, err)
		}
	}

	status, err := tracker.Daily(ctx, day)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if status.RealizedPnl != 15 || status.Closes != 2 || status.Partials != 1 || status.Wins != 1 || status.Losses != 1 {
		t.Fatalf("unexpected daily status %+v", status)
	}

	empty, err := tracker.Daily(ctx, day.Add(-48*time.Hour))
	if err != nil || empty.Closes != 0 {
		t.Fatalf("expected empty day, got %+v err=%v", empty, err)
	}
}

func TestTracker_RecomputeFromActive(t *testing.T) {
	tracker := newTracker(t, 0)
	p, _ := position.New(position.Params{Symbol: "BTCUSDT", Direction: position.Long, EntryPrice: 100, Quantity: 2})
	p.Mark(110)

	if err := tracker.RecomputeFromActive(context.Background(), []position.Position{p.Clone()}); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	snap := tracker.Active()
	if snap.Positions != 1 || snap.UnrealizedPnl != 20 || snap.Notional != 220 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestTradingDay_ResetHour(t *testing.T) {
	ts := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	if got := tradingDay(ts, 8); got != "2026-03-01" {
		t.Fatalf("expected previous trading day before reset, got %s", got)
	}
	if got := tradingDay(ts, 0); got != "2026-03-02" {
		t.Fatalf("expected same day, got %s", got)
	}
}
