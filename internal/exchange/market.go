package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FetchCandles 获取指定交易对与周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	unified := c.Unified(symbol)

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.api.FetchOHLCV(
			unified,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// MarketDataService 并发拉取多个交易对的收盘价序列，供复评计算指标。
type MarketDataService struct {
	client      *Client
	timeframe   string
	limit       int64
	concurrency int
	logger      *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client *Client, timeframe string, limit int64, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeframe == "" {
		timeframe = Timeframe1h
	}
	if limit <= 0 {
		limit = 100
	}
	return &MarketDataService{
		client:      client,
		timeframe:   timeframe,
		limit:       limit,
		concurrency: 4,
		logger:      logger,
	}
}

// Closes 返回每个交易对的收盘价序列。单个交易对失败只记录日志，不影响其他交易对。
func (s *MarketDataService) Closes(ctx context.Context, symbols []string) (map[string][]float64, error) {
	var (
		mu  sync.Mutex
		out = make(map[string][]float64, len(symbols))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	for _, symbol := range symbols {
		symbol := strings.ToUpper(symbol)
		group.Go(func() error {
			candles, err := s.client.FetchCandles(groupCtx, symbol, s.timeframe, s.limit)
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger.Warn("获取K线失败，跳过该交易对",
					zap.String("symbol", symbol),
					zap.String("timeframe", s.timeframe),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			out[symbol] = Closes(candles)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("收盘价序列获取完成",
		zap.Int("requested", len(symbols)),
		zap.Int("received", len(out)),
	)
	return out, nil
}
