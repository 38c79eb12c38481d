package flight

import (
	"context"
	"errors"
	"testing"
)

func TestGroup_DropsReentrantFiring(t *testing.T) {
	var g Group
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ran, _ := g.TryDo(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		if !ran {
			t.Errorf("expected first run to execute")
		}
	}()

	<-started
	calls := 0
	ran, err := g.TryDo(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if ran || err != nil || calls != 0 {
		t.Fatalf("expected concurrent firing to be dropped, ran=%v calls=%d err=%v", ran, calls, err)
	}
	if !g.Busy() {
		t.Fatalf("expected group busy while first run executes")
	}

	close(release)
	<-done

	if g.Busy() {
		t.Fatalf("expected group idle after run")
	}
	if g.Skipped() != 1 {
		t.Fatalf("expected 1 skipped firing, got %d", g.Skipped())
	}
}

func TestGroup_PropagatesError(t *testing.T) {
	var g Group
	wantErr := errors.New("boom")
	ran, err := g.TryDo(context.Background(), func(ctx context.Context) error { return wantErr })
	if !ran || !errors.Is(err, wantErr) {
		t.Fatalf("expected error propagated, got ran=%v err=%v", ran, err)
	}
}

func TestGroup_TryAcquireReleaseIdempotent(t *testing.T) {
	var g Group
	release, ok := g.TryAcquire()
	if !ok {
		t.Fatalf("expected acquire")
	}
	if _, ok := g.TryAcquire(); ok {
		t.Fatalf("expected second acquire to fail")
	}
	release()
	release()
	if g.Busy() {
		t.Fatalf("expected idle after release")
	}
}
