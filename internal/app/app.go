// Package app 组装全部组件，驱动价格周期与 AI 复评周期。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/aggregate"
	"trades-keeper/internal/ai"
	"trades-keeper/internal/book"
	"trades-keeper/internal/config"
	"trades-keeper/internal/exchange"
	"trades-keeper/internal/execution"
	"trades-keeper/internal/flight"
	"trades-keeper/internal/lifecycle"
	"trades-keeper/internal/monitor"
	"trades-keeper/internal/notify"
	"trades-keeper/internal/position"
	"trades-keeper/internal/pricefeed"
	"trades-keeper/internal/reconcile"
	"trades-keeper/internal/review"
	"trades-keeper/internal/store"
)

const (
	cyclePrice  = "price"
	cycleReview = "review"
)

// externals 为需要访问外部系统的组件，测试时替换为桩实现。
type externals struct {
	feed     pricefeed.Feed
	executor lifecycle.Executor
	ledger   reconcile.Ledger
	advisor  review.Advisor
	candles  review.CloseSource
	sender   notify.Sender
	telegram *notify.Telegram
}

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	positions  *store.PositionRepo
	book       *book.Store
	archive    *book.Archive
	tracker    *aggregate.Tracker
	metrics    *monitor.Metrics
	monitor    *monitor.Service
	notifier   *notify.Notifier
	telegram   *notify.Telegram
	feed       pricefeed.Feed
	guard      *pricefeed.Guard
	history    *pricefeed.History
	reconciler *reconcile.Reconciler
	manager    *lifecycle.Manager
	reviewer   *review.Reviewer

	trailing position.TrailingPolicy

	priceFlight  flight.Group
	reviewFlight flight.Group

	// sleep 为批次间等待，测试时替换。
	sleep func(ctx context.Context, d time.Duration) error
}

// New 创建 App 实例，连接交易所、OpenAI 与通知通道。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := exchange.NewClient(cfg.Exchange, cfg.Reconcile.QuoteAssets, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	ext := externals{
		feed:    exchange.NewTickerFeed(client, cfg.Cycle.PriceCacheTTL, cfg.Cycle.PriceCacheSize, logger),
		candles: exchange.NewMarketDataService(client, exchange.Timeframe1h, 100, logger),
	}

	if cfg.Execution.Simulation {
		logger.Info("执行器处于模拟模式", zap.Float64("slippage_percent", cfg.Execution.SimSlippagePercent))
		ext.executor = execution.NewSimulator(cfg.Execution, cfg.Execution.SimSlippagePercent, logger)
	} else {
		ext.executor = execution.NewExecutor(client.API(), client.Unified, cfg.Execution, logger)
		ext.ledger = exchange.NewLedger(client, logger)
	}

	if cfg.OpenAI.Enabled {
		aiClient, aiErr := ai.NewClient(cfg.OpenAI, logger)
		if aiErr != nil {
			return nil, fmt.Errorf("初始化AI客户端失败: %w", aiErr)
		}
		ext.advisor = aiClient
	}

	a, err := assemble(ctx, cfg, logger, st, ext)
	if err != nil {
		return nil, err
	}

	if cfg.Notify.Enabled && cfg.Notify.Telegram.Token != "" {
		tg, tgErr := notify.NewTelegram(cfg.Notify.Telegram, a.book.Snapshot, logger)
		if tgErr != nil {
			logger.Warn("Telegram 初始化失败，改为日志通知", zap.Error(tgErr))
		} else {
			a.telegram = tg
			a.notifier = notify.NewNotifier(tg, logger)
		}
	}
	return a, nil
}

// assemble 基于给定的外部组件组装应用，并恢复持久化的持仓与归档。
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store, ext externals) (*App, error) {
	if ext.feed == nil || ext.executor == nil {
		return nil, errors.New("app: feed 与 executor 不能为空")
	}

	positions, err := store.NewPositionRepo(st, logger)
	if err != nil {
		return nil, err
	}
	tracker, err := aggregate.NewTracker(st.DB(), cfg.Aggregate, logger)
	if err != nil {
		return nil, err
	}
	metrics := monitor.NewMetrics()
	mon, err := monitor.NewService(st, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	sender := ext.sender
	if sender == nil {
		sender = notify.NewLog(logger)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		positions: positions,
		book:      book.NewStore(logger),
		tracker:   tracker,
		metrics:   metrics,
		monitor:   mon,
		notifier:  notify.NewNotifier(sender, logger),
		telegram:  ext.telegram,
		feed:      ext.feed,
		history:   pricefeed.NewHistory(cfg.Cycle.HistorySize, cfg.Cycle.PriceCacheSize),
		trailing: position.TrailingPolicy{
			Enabled:           cfg.Trailing.Enabled,
			ActivationPercent: cfg.Trailing.ActivationPercent,
			TrailPercent:      cfg.Trailing.TrailPercent,
		},
		sleep: sleepCtx,
	}
	a.guard = pricefeed.NewGuard(cfg.Cycle, a.history, mon, logger)
	a.archive = book.NewArchive(cfg.Archive.Capacity, positions, tracker, closeNotifier{a}, mon, logger)

	if ext.ledger != nil {
		a.reconciler = reconcile.New(ext.ledger, cfg.Reconcile, mon, logger)
	}

	dca := position.DCAPolicy{
		FirstTriggerPercent: cfg.DCA.FirstTriggerPercent,
		NextTriggerPercent:  cfg.DCA.NextTriggerPercent,
		SizeMultiplier:      cfg.DCA.SizeMultiplier,
		Cooldown:            cfg.DCA.Cooldown,
	}
	rungs := make([]position.Rung, 0, len(cfg.Ladder.Rungs))
	for _, r := range cfg.Ladder.SortedRungs() {
		rungs = append(rungs, position.Rung{TriggerPercent: r.TriggerPercent, TakePercent: r.TakePercent})
	}

	a.manager, err = lifecycle.NewManager(lifecycle.Deps{
		Machine:   position.NewMachine(dca),
		Ladder:    position.NewLadder(rungs, cfg.Ladder.BreakevenAfterFirst),
		Executor:  ext.executor,
		Archive:   a.archive,
		Monitor:   mon,
		Notifier:  scaleInNotifier{a},
		OnScaleIn: a.onScaleIn,
	}, cfg.Execution, logger)
	if err != nil {
		return nil, err
	}

	if ext.advisor != nil {
		cooldowns, cdErr := store.NewCooldownRepo(st, logger)
		if cdErr != nil {
			return nil, cdErr
		}
		gate, gateErr := review.NewGate(ctx, cfg.Review, cooldowns, logger)
		if gateErr != nil {
			return nil, gateErr
		}
		a.reviewer, err = review.NewReviewer(review.Deps{
			Gate:    gate,
			Advisor: ext.advisor,
			Closer:  a.manager,
			Book:    a.book,
			Market:  review.NewIndicatorMarket(ext.candles, a.history, logger),
			DCA:     dca,
			Monitor: mon,
		}, cfg.Review, cfg.OpenAI.Timeout, logger)
		if err != nil {
			return nil, err
		}
	}

	if err := a.restore(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) restore(ctx context.Context) error {
	saved, err := a.positions.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("恢复活跃持仓失败: %w", err)
	}
	records, err := a.positions.LoadArchive(ctx, a.cfg.Archive.Capacity)
	if err != nil {
		return fmt.Errorf("恢复归档失败: %w", err)
	}
	a.archive.Restore(records)

	var terminal []position.Position
	for _, p := range saved {
		if p.Status().Terminal() {
			terminal = append(terminal, *p)
			continue
		}
		if addErr := a.book.Add(p); addErr != nil {
			a.logger.Warn("跳过重复持仓", zap.String("position_id", p.ID), zap.Error(addErr))
		}
	}
	if len(terminal) > 0 {
		recovered, recErr := a.archive.Recover(ctx, terminal)
		if recErr != nil {
			a.logger.Warn("补归档终态持仓部分失败", zap.Error(recErr))
		}
		a.logger.Info("已补归档上次未结算的终态持仓",
			zap.Int("terminal", len(terminal)),
			zap.Int("archived", recovered),
		)
		a.savePositions(ctx)
	}

	if err := a.tracker.RecomputeFromActive(ctx, a.book.Snapshot()); err != nil {
		a.logger.Warn("重算持仓汇总失败", zap.Error(err))
	}
	a.metrics.SetActive(a.book.Len())
	a.logger.Info("已恢复持久化状态",
		zap.Int("active", a.book.Len()),
		zap.Int("archived", len(records)),
	)
	return nil
}

// Open 以上游确认的参数建仓并立即持久化。未指定的补仓次数与跟随止损取配置默认值。
func (a *App) Open(ctx context.Context, params position.Params) (position.Position, error) {
	if params.DCABudget == 0 {
		params.DCABudget = a.cfg.DCA.Budget
	}
	if !params.Trailing.Enabled {
		params.Trailing = a.trailing.Template()
	}
	p, err := position.New(params)
	if err != nil {
		return position.Position{}, err
	}
	if err := a.book.Add(p); err != nil {
		return position.Position{}, err
	}
	a.savePositions(ctx)
	a.metrics.SetActive(a.book.Len())
	a.logger.Info("新增持仓",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.Float64("entry_price", p.EntryPrice),
		zap.Float64("quantity", p.Quantity),
	)
	return p.Clone(), nil
}

// Run 启动监控接口、通知通道与两个周期任务，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("持仓管理系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("simulation", a.cfg.Execution.Simulation),
		zap.Bool("ai_review", a.reviewer != nil),
		zap.Int("active_positions", a.book.Len()),
	)

	if a.cfg.Monitor.Enabled {
		if err := a.startMonitorServer(ctx); err != nil {
			return err
		}
	}
	if a.telegram != nil {
		go a.telegram.Start(ctx)
	}

	a.runPriceCycle(ctx)

	priceTicker := time.NewTicker(a.cfg.Scheduler.PriceInterval)
	defer priceTicker.Stop()

	var reviewC <-chan time.Time
	if a.reviewer != nil {
		reviewTicker := time.NewTicker(a.cfg.Scheduler.ReviewInterval)
		defer reviewTicker.Stop()
		reviewC = reviewTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.savePositions(context.Background())
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-priceTicker.C:
			go a.runPriceCycle(ctx)
		case <-reviewC:
			go a.runReviewCycle(ctx, review.KindScheduled)
		}
	}
}

// runReviewCycle 执行一次复评，上一轮未结束时直接丢弃。
func (a *App) runReviewCycle(ctx context.Context, kind review.Kind) {
	if a.reviewer == nil {
		return
	}
	ran, err := a.reviewFlight.TryDo(ctx, func(ctx context.Context) error {
		start := time.Now()
		defer func() { a.metrics.ObserveCycle(cycleReview, time.Since(start)) }()
		_, runErr := a.reviewer.Run(ctx, kind)
		return runErr
	})
	if !ran {
		a.metrics.ObserveCycleSkipped(cycleReview)
		a.logger.Debug("上一轮复评仍在执行，跳过", zap.String("kind", string(kind)))
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, review.ErrCooldown), errors.Is(err, review.ErrInProgress), errors.Is(err, review.ErrStartupGrace):
		a.logger.Debug("复评未放行", zap.String("kind", string(kind)), zap.Error(err))
	default:
		a.logger.Warn("复评失败", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// onScaleIn 在补仓成交后异步触发复评，价格周期此时仍持有该持仓的锁。
func (a *App) onScaleIn(ctx context.Context, p position.Position) {
	if a.reviewer == nil {
		return
	}
	a.logger.Info("补仓成交，触发 AI 复评", zap.String("position_id", p.ID), zap.String("symbol", p.Symbol))
	go a.runReviewCycle(ctx, review.KindScaleIn)
}

func (a *App) savePositions(ctx context.Context) {
	if err := a.positions.SavePositions(ctx, a.book.Snapshot()); err != nil {
		a.monitor.RecordError(ctx, "保存活跃持仓失败", err, nil)
		a.logger.Warn("保存活跃持仓失败", zap.Error(err))
	}
}

// closeNotifier 与 scaleInNotifier 转发到当前通知器，启用 Telegram 时通知器在组装后被替换。
type closeNotifier struct{ a *App }

func (n closeNotifier) NotifyClose(ctx context.Context, rec position.ClosedRecord) {
	n.a.notifier.NotifyClose(ctx, rec)
}

type scaleInNotifier struct{ a *App }

func (n scaleInNotifier) NotifyScaleIn(ctx context.Context, p position.Position, fill position.Fill) {
	n.a.notifier.NotifyScaleIn(ctx, p, fill)
}
