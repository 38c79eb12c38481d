// Package exchange 封装 ccxt 现货客户端：报价、余额对账、K 线与市价单，统一带重试。
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-keeper/internal/config"
)

// API 为本项目用到的 ccxt 方法子集，*ccxt.Binance 直接满足。
type API interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg         config.ExchangeConfig
	logger      *zap.Logger
	api         API
	loadMarkets func() error
	quotes      []string

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance 现货客户端。quoteAssets 用于把 BTCUSDT 这类写法转换为 ccxt 统一符号。
func NewClient(cfg config.ExchangeConfig, quoteAssets []string, logger *zap.Logger) (*Client, error) {
	if !strings.EqualFold(cfg.Name, "binance") {
		return nil, fmt.Errorf("exchange: 暂不支持交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	c := NewClientWithAPI(cfg, ex, quoteAssets, logger)
	c.loadMarkets = func() error {
		_, err := ex.LoadMarkets()
		return err
	}
	return c, nil
}

// NewClientWithAPI 使用给定的 API 实现构造客户端，测试与模拟环境使用。
func NewClientWithAPI(cfg config.ExchangeConfig, api API, quoteAssets []string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	quotes := make([]string, 0, len(quoteAssets))
	for _, q := range quoteAssets {
		if q = strings.ToUpper(strings.TrimSpace(q)); q != "" {
			quotes = append(quotes, q)
		}
	}
	sort.SliceStable(quotes, func(i, j int) bool { return len(quotes[i]) > len(quotes[j]) })

	return &Client{
		cfg:    cfg,
		logger: logger,
		api:    api,
		quotes: quotes,
	}
}

// API 返回底层 ccxt 接口。
func (c *Client) API() API {
	return c.api
}

// Unified 将 BTCUSDT 转为 BTC/USDT，已是统一格式的原样返回。
func (c *Client) Unified(symbol string) string {
	base, quote := c.Split(symbol)
	if quote == "" {
		return base
	}
	return base + "/" + quote
}

// Split 拆分基础资产与计价资产，无法识别计价资产时 quote 为空。
func (c *Client) Split(symbol string) (string, string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.Index(s, "/"); idx > 0 {
		quote := s[idx+1:]
		if colon := strings.Index(quote, ":"); colon >= 0 {
			quote = quote[:colon]
		}
		return s[:idx], quote
	}
	for _, q := range c.quotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}

// IsQuote 报告资产是否为计价资产。
func (c *Client) IsQuote(asset string) bool {
	asset = strings.ToUpper(asset)
	for _, q := range c.quotes {
		if q == asset {
			return true
		}
	}
	return false
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.loadMarkets == nil {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.loadMarkets)
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
