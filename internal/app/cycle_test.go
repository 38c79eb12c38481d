package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trades-keeper/internal/position"
	"trades-keeper/internal/pricefeed"
)

// scriptedFeed 按固定价格报价并记录调用顺序，before 可在返回前阻塞或注入失败。
type scriptedFeed struct {
	mu     sync.Mutex
	prices map[string]float64
	events []string
	before func(ctx context.Context, symbol string) error
}

func (f *scriptedFeed) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *scriptedFeed) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev != "sleep" {
			n++
		}
	}
	return n
}

func (f *scriptedFeed) FetchPrice(ctx context.Context, symbol string) (pricefeed.Quote, error) {
	f.record(symbol)
	if f.before != nil {
		if err := f.before(ctx, symbol); err != nil {
			return pricefeed.Quote{}, err
		}
	}
	f.mu.Lock()
	price, ok := f.prices[symbol]
	f.mu.Unlock()
	if !ok {
		return pricefeed.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return pricefeed.Quote{Symbol: symbol, Price: price}, nil
}

func openAll(t *testing.T, a *App, entries map[string]float64, order ...string) {
	t.Helper()
	for _, symbol := range order {
		if _, err := a.Open(context.Background(), position.Params{
			Symbol: symbol, Direction: position.Long, EntryPrice: entries[symbol], Quantity: 1,
		}); err != nil {
			t.Fatalf("open %s: %v", symbol, err)
		}
	}
}

func lastPrices(a *App) map[string]float64 {
	out := map[string]float64{}
	for _, p := range a.book.Snapshot() {
		out[p.Symbol] = p.LastPrice
	}
	return out
}

func TestPriceCycle_FixedDelayBetweenBatches(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.cfg.Cycle.BatchSize = 1
	a.cfg.Cycle.BatchDelay = 2 * time.Second

	feed := &scriptedFeed{prices: map[string]float64{"BTCUSDT": 60100, "ETHUSDT": 3010, "SOLUSDT": 101}}
	a.feed = feed
	var delays []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		feed.record("sleep")
		return nil
	}
	openAll(t, a, map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 3000, "SOLUSDT": 100}, "BTCUSDT", "ETHUSDT", "SOLUSDT")

	if err := a.priceCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	want := []string{"BTCUSDT", "sleep", "ETHUSDT", "sleep", "SOLUSDT"}
	if fmt.Sprint(feed.events) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, feed.events)
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected two fixed delays, got %v", delays)
	}
}

func TestPriceCycle_FetchesBatchConcurrently(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.cfg.Cycle.BatchSize = 2

	var (
		mu      sync.Mutex
		arrived int
		all     = make(chan struct{})
	)
	feed := &scriptedFeed{prices: map[string]float64{"BTCUSDT": 60100, "ETHUSDT": 3010}}
	// 两个请求必须同时在途才能放行，串行获取会超时失败。
	feed.before = func(ctx context.Context, _ string) error {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(all)
		}
		mu.Unlock()
		select {
		case <-all:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("batch fetched sequentially")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.feed = feed
	openAll(t, a, map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 3000}, "BTCUSDT", "ETHUSDT")

	if err := a.priceCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := lastPrices(a)
	if got["BTCUSDT"] != 60100 || got["ETHUSDT"] != 3010 {
		t.Fatalf("expected both positions ticked, got %v", got)
	}
}

func TestPriceCycle_FailedSymbolDoesNotBlockOthers(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.cfg.Cycle.BatchSize = 3
	a.feed = &scriptedFeed{prices: map[string]float64{"BTCUSDT": 60100, "SOLUSDT": 101}}
	openAll(t, a, map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 3000, "SOLUSDT": 100}, "BTCUSDT", "ETHUSDT", "SOLUSDT")

	if err := a.priceCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := lastPrices(a)
	if got["BTCUSDT"] != 60100 || got["SOLUSDT"] != 101 {
		t.Fatalf("healthy symbols must tick, got %v", got)
	}
	if got["ETHUSDT"] != 3000 || a.book.Len() != 3 {
		t.Fatalf("failed symbol must keep its state, got %v active=%d", got, a.book.Len())
	}
}

func TestRunPriceCycle_DropsOverlappingFiring(t *testing.T) {
	a, _, _ := newTestApp(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	feed := &scriptedFeed{prices: map[string]float64{"BTCUSDT": 60100}}
	feed.before = func(ctx context.Context, _ string) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.feed = feed
	openAll(t, a, map[string]float64{"BTCUSDT": 60000}, "BTCUSDT")

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runPriceCycle(context.Background())
	}()
	<-entered

	a.runPriceCycle(context.Background())
	if n := feed.calls(); n != 1 {
		t.Fatalf("overlapping firing must be dropped, got %d fetches", n)
	}

	close(release)
	<-done
	if got := lastPrices(a)["BTCUSDT"]; got != 60100 {
		t.Fatalf("first cycle must complete, last=%f", got)
	}
}
