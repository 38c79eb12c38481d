package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"trades-keeper/internal/position"
)

type recordingSender struct {
	texts []string
	err   error
}

func (s *recordingSender) Send(_ context.Context, text string) error {
	s.texts = append(s.texts, text)
	return s.err
}

func TestNotifier_FormatsRecords(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, nil)
	ctx := context.Background()

	n.NotifyClose(ctx, position.ClosedRecord{Symbol: "BTCUSDT", Direction: position.Long, Kind: position.RecordFinal, Status: position.StatusTPHit, Reason: "take_profit", TotalPnl: 180})
	n.NotifyClose(ctx, position.ClosedRecord{Symbol: "BTCUSDT", Direction: position.Long, Kind: position.RecordPartial, Reason: "ladder_5"})

	if len(sender.texts) != 2 {
		t.Fatalf("expected two messages, got %d", len(sender.texts))
	}
	if !strings.Contains(sender.texts[0], "TP_HIT") || !strings.Contains(sender.texts[0], "180.00") {
		t.Fatalf("unexpected final text %q", sender.texts[0])
	}
	if !strings.Contains(sender.texts[1], "ladder_5") {
		t.Fatalf("unexpected partial text %q", sender.texts[1])
	}
}

func TestNotifier_SwallowsErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("telegram down")}
	n := NewNotifier(sender, nil)
	n.NotifyText(context.Background(), "hello")
	if len(sender.texts) != 1 {
		t.Fatalf("expected send attempt")
	}

	var nilNotifier *Notifier
	nilNotifier.NotifyText(context.Background(), "ignored")
}

func TestFormatPositions(t *testing.T) {
	if got := formatPositions(nil); !strings.Contains(got, "没有") {
		t.Fatalf("unexpected empty text %q", got)
	}
	p, _ := position.New(position.Params{Symbol: "ETHUSDT", Direction: position.Short, EntryPrice: 3000, Quantity: 1, DCABudget: 3})
	if got := formatPositions([]position.Position{p.Clone()}); !strings.Contains(got, "ETHUSDT") || !strings.Contains(got, "dca=0/3") {
		t.Fatalf("unexpected text %q", got)
	}
}
