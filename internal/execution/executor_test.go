package execution

import (
	"context"
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

type mockOrderClient struct {
	calls []string
	order ccxt.Order
	err   error
}

func (m *mockOrderClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, symbol+":"+side)
	if m.err != nil {
		return ccxt.Order{}, m.err
	}
	return m.order, nil
}

func makePosition(t *testing.T, dir position.Direction) position.Position {
	t.Helper()
	p, err := position.New(position.Params{
		Symbol:     "BTCUSDT",
		Direction:  dir,
		EntryPrice: 60000,
		Quantity:   0.01,
		DCABudget:  2,
	})
	if err != nil {
		t.Fatalf("new position: %v", err)
	}
	p.Mark(61000)
	return p.Clone()
}

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

func TestExecutor_SidesByDirection(t *testing.T) {
	ctx := context.Background()
	client := &mockOrderClient{}
	exec := NewExecutor(client, func(string) string { return "BTC/USDT" }, config.ExecutionConfig{}, nil)

	long := makePosition(t, position.Long)
	short := makePosition(t, position.Short)

	exec.TakeProfit(ctx, long)
	exec.AddPosition(ctx, long, 0.01)
	exec.StopLoss(ctx, short)
	exec.AddPosition(ctx, short, 0.01)

	expected := []string{"BTC/USDT:sell", "BTC/USDT:buy", "BTC/USDT:buy", "BTC/USDT:sell"}
	if len(client.calls) != len(expected) {
		t.Fatalf("unexpected call count: got %d want %d", len(client.calls), len(expected))
	}
	for i, call := range expected {
		if client.calls[i] != call {
			t.Errorf("call %d mismatch: got %s want %s", i, client.calls[i], call)
		}
	}
}

func TestExecutor_FillFromOrder(t *testing.T) {
	client := &mockOrderClient{order: ccxt.Order{Id: s("42"), Average: f(60990), Filled: f(0.0099)}}
	exec := NewExecutor(client, nil, config.ExecutionConfig{}, nil)

	fill, err := exec.TakeProfit(context.Background(), makePosition(t, position.Long))
	if err != nil {
		t.Fatalf("TakeProfit returned error: %v", err)
	}
	if fill.OrderID != "42" || fill.Price != 60990 || fill.ExecutedQty != 0.0099 || fill.Skipped {
		t.Fatalf("unexpected fill %+v", fill)
	}

	client.order = ccxt.Order{}
	fill, _ = exec.ReducePosition(context.Background(), makePosition(t, position.Long), 1)
	if fill.Price != 61000 || fill.ExecutedQty != 0.01 {
		t.Fatalf("expected fallback to last price and clamped qty, got %+v", fill)
	}
}

func TestExecutor_MinNotionalSkips(t *testing.T) {
	client := &mockOrderClient{}
	exec := NewExecutor(client, nil, config.ExecutionConfig{MinNotional: 1000}, nil)

	fill, err := exec.StopLoss(context.Background(), makePosition(t, position.Long))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fill.Skipped || len(client.calls) != 0 {
		t.Fatalf("expected skipped without order, fill=%+v calls=%v", fill, client.calls)
	}
}

func TestExecutor_RejectedIsNotRetryable(t *testing.T) {
	client := &mockOrderClient{err: errors.New("insufficient balance")}
	exec := NewExecutor(client, nil, config.ExecutionConfig{}, nil)

	_, err := exec.AddPosition(context.Background(), makePosition(t, position.Long), 0.01)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestSimulator_SlippageAndRecords(t *testing.T) {
	sim := NewSimulator(config.ExecutionConfig{MinNotional: 10}, 0.1, nil)
	ctx := context.Background()
	p := makePosition(t, position.Long)

	buy, err := sim.AddPosition(ctx, p, 0.01)
	if err != nil || buy.Price <= 61000 {
		t.Fatalf("expected adverse buy slippage, got %+v err=%v", buy, err)
	}
	sell, _ := sim.TakeProfit(ctx, p)
	if sell.Price >= 61000 || sell.ExecutedQty != 0.01 {
		t.Fatalf("expected adverse sell slippage, got %+v", sell)
	}
	dust, _ := sim.ReducePosition(ctx, p, 0.0001)
	if !dust.Skipped {
		t.Fatalf("expected dust skip, got %+v", dust)
	}
	if orders := sim.Orders(); len(orders) != 3 || !orders[2].Skipped || orders[0].OrderID == "" {
		t.Fatalf("unexpected order log %+v", orders)
	}
}
