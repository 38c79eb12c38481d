package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/exchange"
	"trades-keeper/internal/position"
)

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Executor 以现货市价单执行止盈、止损、补仓与分批减仓。
// 单次调用只提交一次订单，重试由调用方负责。
type Executor struct {
	client      orderClient
	resolve     func(symbol string) string
	minNotional float64
	params      map[string]interface{}
	logger      *zap.Logger
}

// NewExecutor 创建执行器。resolve 将 BTCUSDT 等写法转换为交易所符号，可为 nil。
func NewExecutor(client orderClient, resolve func(string) string, cfg config.ExecutionConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolve == nil {
		resolve = strings.ToUpper
	}
	return &Executor{
		client:      client,
		resolve:     resolve,
		minNotional: cfg.MinNotional,
		params:      map[string]interface{}{"newOrderRespType": "FULL"},
		logger:      logger,
	}
}

// TakeProfit 全部平仓止盈。
func (e *Executor) TakeProfit(ctx context.Context, p position.Position) (Fill, error) {
	return e.submit(ctx, IntentTakeProfit, p, exitSide(p.Direction), p.Quantity)
}

// StopLoss 全部平仓止损。
func (e *Executor) StopLoss(ctx context.Context, p position.Position) (Fill, error) {
	return e.submit(ctx, IntentStopLoss, p, exitSide(p.Direction), p.Quantity)
}

// AddPosition 按持仓方向加仓。
func (e *Executor) AddPosition(ctx context.Context, p position.Position, qty float64) (Fill, error) {
	return e.submit(ctx, IntentAdd, p, oppositeSide(exitSide(p.Direction)), qty)
}

// ReducePosition 部分平仓。
func (e *Executor) ReducePosition(ctx context.Context, p position.Position, qty float64) (Fill, error) {
	if qty > p.Quantity {
		qty = p.Quantity
	}
	return e.submit(ctx, IntentReduce, p, exitSide(p.Direction), qty)
}

func (e *Executor) submit(ctx context.Context, intent Intent, p position.Position, side OrderSide, qty float64) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}

	ref := p.LastPrice
	if ref <= 0 {
		ref = p.AverageEntryPrice
	}
	if skip, reason := belowMinimum(qty, ref, e.minNotional); skip {
		e.logger.Info("下单数量低于最小名义价值，跳过",
			zap.String("intent", string(intent)),
			zap.String("symbol", p.Symbol),
			zap.String("position_id", p.ID),
			zap.Float64("quantity", qty),
			zap.Float64("price", ref),
			zap.String("reason", reason),
		)
		return Fill{Price: ref, Skipped: true}, nil
	}

	var opts []ccxt.CreateMarketOrderOptions
	if len(e.params) > 0 {
		opts = append(opts, ccxt.WithCreateMarketOrderParams(e.params))
	}

	symbol := e.resolve(p.Symbol)
	order, err := e.client.CreateMarketOrder(symbol, string(side), qty, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Fill{}, err
		}
		if !exchange.IsRetryable(err) {
			return Fill{}, fmt.Errorf("execution: %s %s: %w: %w", intent, symbol, ErrRejected, err)
		}
		return Fill{}, fmt.Errorf("execution: %s %s 下单失败: %w", intent, symbol, err)
	}

	fill := fillFromOrder(order, ref, qty)
	e.logger.Info("订单已成交",
		zap.String("intent", string(intent)),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("position_id", p.ID),
		zap.Float64("price", fill.Price),
		zap.Float64("quantity", fill.ExecutedQty),
		zap.String("order_id", fill.OrderID),
	)
	return fill, nil
}

func exitSide(d position.Direction) OrderSide {
	if d == position.Short {
		return OrderSideBuy
	}
	return OrderSideSell
}

func belowMinimum(qty, price, minNotional float64) (bool, string) {
	if qty <= 0 || math.IsNaN(qty) {
		return true, "zero_quantity"
	}
	if minNotional > 0 && price > 0 && qty*price < minNotional {
		return true, "min_notional"
	}
	return false, ""
}

func fillFromOrder(order ccxt.Order, refPrice, requested float64) Fill {
	fill := Fill{Price: refPrice, ExecutedQty: requested}
	if order.Id != nil {
		fill.OrderID = *order.Id
	}
	switch {
	case order.Average != nil && *order.Average > 0:
		fill.Price = *order.Average
	case order.Price != nil && *order.Price > 0:
		fill.Price = *order.Price
	}
	switch {
	case order.Filled != nil && *order.Filled > 0:
		fill.ExecutedQty = *order.Filled
	case order.Amount != nil && *order.Amount > 0:
		fill.ExecutedQty = *order.Amount
	}
	return fill
}
