package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

// Simulator 为纸面交易执行器：按持仓最新价加滑点成交，不访问交易所。
type Simulator struct {
	minNotional float64
	slippage    float64
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	orders []OrderRecord
}

// NewSimulator 创建模拟执行器。slippagePercent 为不利方向的滑点百分比。
func NewSimulator(cfg config.ExecutionConfig, slippagePercent float64, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if slippagePercent < 0 {
		slippagePercent = 0
	}
	return &Simulator{
		minNotional: cfg.MinNotional,
		slippage:    slippagePercent / 100,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock 替换时钟，回测使用行情时间。
func (s *Simulator) WithClock(now func() time.Time) *Simulator {
	s.now = now
	return s
}

func (s *Simulator) TakeProfit(ctx context.Context, p position.Position) (Fill, error) {
	return s.fill(ctx, IntentTakeProfit, p, exitSide(p.Direction), p.Quantity)
}

func (s *Simulator) StopLoss(ctx context.Context, p position.Position) (Fill, error) {
	return s.fill(ctx, IntentStopLoss, p, exitSide(p.Direction), p.Quantity)
}

func (s *Simulator) AddPosition(ctx context.Context, p position.Position, qty float64) (Fill, error) {
	return s.fill(ctx, IntentAdd, p, oppositeSide(exitSide(p.Direction)), qty)
}

func (s *Simulator) ReducePosition(ctx context.Context, p position.Position, qty float64) (Fill, error) {
	if qty > p.Quantity {
		qty = p.Quantity
	}
	return s.fill(ctx, IntentReduce, p, exitSide(p.Direction), qty)
}

func (s *Simulator) fill(ctx context.Context, intent Intent, p position.Position, side OrderSide, qty float64) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	ref := p.LastPrice
	if ref <= 0 {
		ref = p.AverageEntryPrice
	}

	record := OrderRecord{
		Intent:     intent,
		Symbol:     p.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      ref,
		ExecutedAt: s.now().UTC(),
	}

	if skip, _ := belowMinimum(qty, ref, s.minNotional); skip {
		record.Skipped = true
		s.append(record)
		return Fill{Price: ref, Skipped: true}, nil
	}

	price := ref
	if side == OrderSideBuy {
		price *= 1 + s.slippage
	} else {
		price *= 1 - s.slippage
	}
	record.Price = price
	record.OrderID = "sim-" + uuid.NewString()
	s.append(record)

	s.logger.Debug("模拟成交",
		zap.String("intent", string(intent)),
		zap.String("symbol", p.Symbol),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("quantity", qty),
	)
	return Fill{Price: price, ExecutedQty: qty, OrderID: record.OrderID}, nil
}

func (s *Simulator) append(r OrderRecord) {
	s.mu.Lock()
	s.orders = append(s.orders, r)
	s.mu.Unlock()
}

// Orders 返回全部模拟订单的副本。
func (s *Simulator) Orders() []OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OrderRecord(nil), s.orders...)
}
