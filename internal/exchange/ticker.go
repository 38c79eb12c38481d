package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-keeper/internal/cache"
	"trades-keeper/internal/pricefeed"
)

// TickerFeed 通过 FetchTicker 获取最新成交价，实现 pricefeed.Feed。
// 同一交易对在 ttl 内重复请求直接返回缓存。
type TickerFeed struct {
	client *Client
	cache  *cache.Bounded[string, pricefeed.Quote]
	logger *zap.Logger
	now    func() time.Time
}

// NewTickerFeed 创建报价源。
func NewTickerFeed(client *Client, ttl time.Duration, size int, logger *zap.Logger) *TickerFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerFeed{
		client: client,
		cache:  cache.NewBounded[string, pricefeed.Quote](size, cache.WithTTL(ttl)),
		logger: logger,
		now:    time.Now,
	}
}

// FetchPrice 返回交易对最新价。Last 缺失时退回 Close，再退回买卖中间价。
func (f *TickerFeed) FetchPrice(ctx context.Context, symbol string) (pricefeed.Quote, error) {
	symbol = strings.ToUpper(symbol)
	if q, ok := f.cache.Get(symbol); ok {
		return q, nil
	}

	var ticker ccxt.Ticker
	err := f.client.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := f.client.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := f.client.api.FetchTicker(f.client.Unified(symbol))
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return pricefeed.Quote{}, fmt.Errorf("exchange: 获取 %s 报价失败: %w", symbol, err)
	}

	price := tickerPrice(ticker)
	if price <= 0 {
		return pricefeed.Quote{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	q := pricefeed.Quote{
		Symbol: symbol,
		Price:  price,
		Source: "ticker",
		At:     f.now().UTC(),
	}
	if ticker.Timestamp != nil && *ticker.Timestamp > 0 {
		q.At = time.UnixMilli(*ticker.Timestamp).UTC()
	}
	f.cache.Set(symbol, q)
	return q, nil
}

func tickerPrice(t ccxt.Ticker) float64 {
	if v := floatValue(t.Last); v > 0 {
		return v
	}
	if v := floatValue(t.Close); v > 0 {
		return v
	}
	bid, ask := floatValue(t.Bid), floatValue(t.Ask)
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	return 0
}
