package cache

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestBounded_EvictsOldestTimestamp(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewBounded[string, float64](2, WithClock(clock.Now))

	c.Set("BTCUSDT", 60000)
	clock.Advance(time.Second)
	c.Set("ETHUSDT", 3000)
	clock.Advance(time.Second)
	// 刷新 BTC，使 ETH 成为最早条目
	c.Set("BTCUSDT", 60100)
	clock.Advance(time.Second)
	c.Set("SOLUSDT", 150)

	if _, ok := c.Get("ETHUSDT"); ok {
		t.Fatalf("expected ETHUSDT to be evicted")
	}
	if v, ok := c.Get("BTCUSDT"); !ok || v != 60100 {
		t.Fatalf("expected BTCUSDT=60100, got %v ok=%v", v, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestBounded_TTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewBounded[string, int](4, WithTTL(10*time.Second), WithClock(clock.Now))

	c.Set("k", 1)
	clock.Advance(5 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected entry within ttl")
	}
	clock.Advance(6 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry removed, len=%d", c.Len())
	}
}

func TestBounded_Update(t *testing.T) {
	c := NewBounded[string, []float64](8)
	for _, p := range []float64{1, 2, 3} {
		c.Update("BTC", func(old []float64, ok bool) []float64 {
			return append(old, p)
		})
	}
	got, _ := c.Get("BTC")
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("unexpected series %v", got)
	}
}
