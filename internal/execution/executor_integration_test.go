//go:build integration
// +build integration

package execution

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/exchange"
	"trades-keeper/internal/position"
)

func TestExecutorIntegration_BinanceSandboxRoundTrip(t *testing.T) {
	configPath := os.Getenv("KEEPER_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if !cfg.Exchange.UseSandbox {
		t.Skip("exchange.use_sandbox=false，出于安全考虑跳过真实下单测试")
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		t.Skip("缺少 API 凭证，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := exchange.NewClient(cfg.Exchange, cfg.Reconcile.QuoteAssets, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化交易所客户端失败: %v", err)
	}

	symbol := os.Getenv("KEEPER_INTEGRATION_SYMBOL")
	if symbol == "" {
		symbol = "BTCUSDT"
	}
	quote, err := exchange.NewTickerFeed(client, 0, 4, zap.NewNop()).FetchPrice(ctx, symbol)
	if err != nil {
		t.Fatalf("获取报价失败: %v", err)
	}

	notional := cfg.Execution.MinNotional * 1.5
	if notional <= 0 {
		notional = 15
	}
	qty := notional / quote.Price

	p, err := position.New(position.Params{
		Symbol:     symbol,
		Direction:  position.Long,
		EntryPrice: quote.Price,
		Quantity:   qty,
	})
	if err != nil {
		t.Fatalf("构造持仓失败: %v", err)
	}

	exec := NewExecutor(client.API(), client.Unified, cfg.Execution, zap.NewNop())
	buy, err := exec.AddPosition(ctx, p.Clone(), qty)
	if err != nil {
		t.Fatalf("买入失败: %v", err)
	}
	if buy.Skipped || buy.ExecutedQty <= 0 {
		t.Fatalf("买入未成交: %+v", buy)
	}

	p.Reconcile(buy.ExecutedQty, time.Now())
	sell, err := exec.ReducePosition(ctx, p.Clone(), buy.ExecutedQty)
	if err != nil {
		t.Fatalf("卖出失败: %v", err)
	}
	t.Logf("往返成交完成 buy=%+v sell=%+v", buy, sell)
}
