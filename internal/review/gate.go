// Package review 负责 AI 复评：触发门控、价位合理性校验以及建议的落地执行。
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/flight"
)

// Kind 为复评触发类型。
type Kind string

const (
	// KindScheduled 为周期性复评。
	KindScheduled Kind = "scheduled"
	// KindScaleIn 由补仓成交触发。
	KindScaleIn Kind = "scale_in"
	// KindManual 由运维手动触发。
	KindManual Kind = "manual"
)

var (
	// ErrInProgress 表示已有复评在执行。
	ErrInProgress = errors.New("review: 复评进行中")
	// ErrCooldown 表示仍处于冷却期。
	ErrCooldown = errors.New("review: 冷却中")
	// ErrStartupGrace 表示启动宽限期内拒绝事件触发。
	ErrStartupGrace = errors.New("review: 启动宽限期内")
)

// CooldownStore 持久化各类触发的最近执行时间，store.CooldownRepo 满足。
type CooldownStore interface {
	LoadCooldowns(ctx context.Context) (map[string]time.Time, error)
	SaveCooldown(ctx context.Context, kind string, at time.Time) error
}

// Gate 决定一次复评触发是否被放行。
type Gate struct {
	cfg    config.ReviewConfig
	store  CooldownStore
	logger *zap.Logger
	now    func() time.Time

	inFlight flight.Group

	mu        sync.Mutex
	startedAt time.Time
	lastRun   time.Time
	lastKind  map[Kind]time.Time
}

// NewGate 创建门控并从 store 恢复各类触发的冷却时间。store 可为空，此时冷却只保存在内存。
func NewGate(ctx context.Context, cfg config.ReviewConfig, store CooldownStore, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		now:      time.Now,
		lastKind: make(map[Kind]time.Time),
	}
	g.startedAt = g.now()

	if store != nil {
		saved, err := store.LoadCooldowns(ctx)
		if err != nil {
			return nil, fmt.Errorf("review: 加载冷却记录失败: %w", err)
		}
		for kind, at := range saved {
			g.lastKind[Kind(kind)] = at
		}
		if len(saved) > 0 {
			logger.Info("已恢复复评冷却记录", zap.Int("kinds", len(saved)))
		}
	}
	return g, nil
}

// WithClock 替换时钟并以新时钟重置启动时间。
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	g.startedAt = now()
	return g
}

// Acquire 依次检查进行中、全局冷却、启动宽限与分类冷却，首个拒绝即返回。
// 放行时记录执行时间，调用方在复评结束后必须调用 release。
func (g *Gate) Acquire(ctx context.Context, kind Kind) (func(), error) {
	release, ok := g.inFlight.TryAcquire()
	if !ok {
		return nil, ErrInProgress
	}

	g.mu.Lock()
	now := g.now()
	if err := g.check(kind, now); err != nil {
		g.mu.Unlock()
		release()
		return nil, err
	}
	g.lastRun = now
	g.lastKind[kind] = now
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveCooldown(ctx, string(kind), now); err != nil {
			g.logger.Warn("保存复评冷却记录失败", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
	return release, nil
}

func (g *Gate) check(kind Kind, now time.Time) error {
	if g.cfg.GlobalCooldown > 0 && !g.lastRun.IsZero() {
		if wait := g.cfg.GlobalCooldown - now.Sub(g.lastRun); wait > 0 {
			return fmt.Errorf("%w: 全局冷却剩余 %s", ErrCooldown, wait.Round(time.Second))
		}
	}
	if kind == KindScaleIn && g.cfg.StartupGrace > 0 {
		if wait := g.cfg.StartupGrace - now.Sub(g.startedAt); wait > 0 {
			return fmt.Errorf("%w: 剩余 %s", ErrStartupGrace, wait.Round(time.Second))
		}
	}
	if cd := g.cfg.TriggerCooldowns[string(kind)]; cd > 0 {
		if last, ok := g.lastKind[kind]; ok {
			if wait := cd - now.Sub(last); wait > 0 {
				return fmt.Errorf("%w: %s 冷却剩余 %s", ErrCooldown, kind, wait.Round(time.Second))
			}
		}
	}
	return nil
}
