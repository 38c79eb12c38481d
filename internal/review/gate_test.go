package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"trades-keeper/internal/config"
	"trades-keeper/internal/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(t *testing.T, cfg config.ReviewConfig, cs CooldownStore, clock *fakeClock) *Gate {
	t.Helper()
	g, err := NewGate(context.Background(), cfg, cs, nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g.WithClock(clock.now)
}

func TestGate_GuardsInOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g := newTestGate(t, config.ReviewConfig{
		GlobalCooldown:   time.Minute,
		StartupGrace:     5 * time.Minute,
		TriggerCooldowns: map[string]time.Duration{"scheduled": 10 * time.Minute},
	}, nil, clock)

	release, err := g.Acquire(ctx, KindScheduled)
	if err != nil {
		t.Fatalf("first scheduled run should pass: %v", err)
	}
	if _, err := g.Acquire(ctx, KindManual); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in-progress denial, got %v", err)
	}
	release()

	if _, err := g.Acquire(ctx, KindManual); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected global cooldown, got %v", err)
	}

	clock.advance(2 * time.Minute)
	if _, err := g.Acquire(ctx, KindScaleIn); !errors.Is(err, ErrStartupGrace) {
		t.Fatalf("expected startup grace for event trigger, got %v", err)
	}
	if _, err := g.Acquire(ctx, KindScheduled); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected scheduled cooldown, got %v", err)
	}

	clock.advance(4 * time.Minute)
	release, err = g.Acquire(ctx, KindScaleIn)
	if err != nil {
		t.Fatalf("scale_in after grace should pass: %v", err)
	}
	release()
}

func TestGate_PersistedCooldownSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	repo, err := store.NewCooldownRepo(st, nil)
	if err != nil {
		t.Fatalf("cooldown repo: %v", err)
	}

	cfg := config.ReviewConfig{TriggerCooldowns: map[string]time.Duration{"scheduled": time.Hour}}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}

	first := newTestGate(t, cfg, repo, clock)
	release, err := first.Acquire(ctx, KindScheduled)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	clock.advance(10 * time.Minute)
	restarted := newTestGate(t, cfg, repo, clock)
	if _, err := restarted.Acquire(ctx, KindScheduled); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected persisted cooldown after restart, got %v", err)
	}
	release, err = restarted.Acquire(ctx, KindManual)
	if err != nil {
		t.Fatalf("other kinds are not affected: %v", err)
	}
	release()

	clock.advance(time.Hour)
	if _, err := restarted.Acquire(ctx, KindScheduled); err != nil {
		t.Fatalf("expected cooldown to expire, got %v", err)
	}
}
