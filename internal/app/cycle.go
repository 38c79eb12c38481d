package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-keeper/internal/position"
)

// runPriceCycle 执行一次价格周期，上一轮未结束时直接丢弃。
func (a *App) runPriceCycle(ctx context.Context) {
	ran, err := a.priceFlight.TryDo(ctx, a.priceCycle)
	if !ran {
		a.metrics.ObserveCycleSkipped(cyclePrice)
		a.logger.Debug("上一轮价格周期仍在执行，跳过")
		return
	}
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("价格周期执行失败", zap.Error(err))
	}
}

// priceCycle 依次完成对账、分批取价与推进、归档与持久化。
func (a *App) priceCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { a.metrics.ObserveCycle(cyclePrice, time.Since(start)) }()

	if a.reconciler != nil {
		if _, err := a.reconciler.Reconcile(ctx, a.book); err != nil {
			a.logger.Warn("对账失败，保留本地持仓", zap.Error(err))
		}
	}

	ids := a.book.IDs()
	batchSize := a.cfg.Cycle.BatchSize
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	var ticked int
	// 任何退出路径都先结算终态持仓再保存。
	defer func() {
		settleCtx := context.WithoutCancel(ctx)
		settled, err := a.archive.Settle(settleCtx, a.book)
		if err != nil {
			a.logger.Warn("归档部分失败", zap.Error(err))
		}
		a.savePositions(settleCtx)
		a.metrics.SetActive(a.book.Len())

		a.logger.Debug("价格周期完成",
			zap.Int("positions", len(ids)),
			zap.Int("ticked", ticked),
			zap.Int("settled", settled),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	for i := 0; i < len(ids); i += batchSize {
		if i > 0 {
			if err := a.sleep(ctx, a.cfg.Cycle.BatchDelay); err != nil {
				return err
			}
		}
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		n, err := a.runBatch(ctx, ids[i:end], batchSize)
		if err != nil {
			return err
		}
		ticked += n
	}
	return nil
}

// runBatch 并发获取本批交易对报价，通过守卫后逐个推进持仓。
func (a *App) runBatch(ctx context.Context, ids []string, limit int) (int, error) {
	symbolOf := make(map[string]string, len(ids))
	var symbols []string
	for _, id := range ids {
		p, err := a.book.Get(id)
		if err != nil || p.Status().Terminal() {
			continue
		}
		symbolOf[id] = p.Symbol
		if !slices.Contains(symbols, p.Symbol) {
			symbols = append(symbols, p.Symbol)
		}
	}

	var (
		mu     sync.Mutex
		prices = make(map[string]float64, len(symbols))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for _, symbol := range symbols {
		group.Go(func() error {
			quote, err := a.feed.FetchPrice(groupCtx, symbol)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				a.logger.Warn("获取报价失败，跳过该交易对", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			if _, reason := a.guard.Accept(groupCtx, quote); reason != "" {
				return nil
			}
			mu.Lock()
			prices[strings.ToUpper(symbol)] = quote.Price
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	var ticked int
	for _, id := range ids {
		price, ok := prices[symbolOf[id]]
		if !ok {
			continue
		}
		if err := a.book.With(id, func(p *position.Position) error {
			return a.tickSafely(ctx, p, price)
		}); err != nil {
			a.monitor.RecordError(ctx, "推进持仓失败", err, map[string]interface{}{"position_id": id})
			a.logger.Warn("推进持仓失败", zap.String("position_id", id), zap.Error(err))
			continue
		}
		ticked++
	}
	return ticked, nil
}

// tickSafely 推进单个持仓，panic 只影响该持仓。
func (a *App) tickSafely(ctx context.Context, p *position.Position, price float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("app: 持仓 %s 推进时发生 panic: %v", p.ID, r)
		}
	}()
	_, err = a.manager.Tick(ctx, p, price)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
