// Package book 维护活跃持仓簿与已平仓归档。
package book

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"trades-keeper/internal/position"
)

var (
	// ErrNotFound 表示持仓不在活跃簿中（可能已被归档）。
	ErrNotFound = errors.New("book: 持仓不存在")
	// ErrDuplicate 表示 ID 已存在。
	ErrDuplicate = errors.New("book: 持仓 ID 重复")
)

type slot struct {
	mu      sync.Mutex
	pos     *position.Position
	removed bool
}

// Store 为活跃持仓簿。索引由读写锁保护，单个持仓由各自的互斥锁串行化，
// 价格周期与复评周期只会在同一持仓上互斥。
type Store struct {
	mu     sync.RWMutex
	items  map[string]*slot
	order  []string
	logger *zap.Logger
}

// NewStore 创建空持仓簿。
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		items:  make(map[string]*slot),
		logger: logger,
	}
}

// Add 加入新持仓，终态持仓不接受。
func (s *Store) Add(p *position.Position) error {
	if p == nil {
		return errors.New("book: 持仓不能为空")
	}
	if p.Status().Terminal() {
		return fmt.Errorf("book: 持仓 %s 已处于终态 %s", p.ID, p.Status())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	s.items[p.ID] = &slot{pos: p}
	s.order = append(s.order, p.ID)
	s.logger.Info("加入持仓",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("quantity", p.Quantity),
	)
	return nil
}

// IDs 返回当前持仓 ID 快照，按加入顺序排列。周期遍历该快照，期间新增的持仓留待下一轮。
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len 返回活跃持仓数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// With 在持有该持仓锁的情况下执行 fn。fn 内不得再访问 Store。
func (s *Store) With(id string, fn func(p *position.Position) error) error {
	s.mu.RLock()
	sl, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fn(sl.pos)
}

// Get 返回持仓快照。
func (s *Store) Get(id string) (position.Position, error) {
	var out position.Position
	err := s.With(id, func(p *position.Position) error {
		out = p.Clone()
		return nil
	})
	return out, err
}

// Snapshot 返回全部活跃持仓的快照。
func (s *Store) Snapshot() []position.Position {
	ids := s.IDs()
	out := make([]position.Position, 0, len(ids))
	for _, id := range ids {
		if p, err := s.Get(id); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Symbols 返回活跃持仓涉及的交易对（去重，按首次出现排序）。
func (s *Store) Symbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range s.Snapshot() {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	return out
}

// TakeTerminal 将终态持仓移出活跃簿并返回。每个持仓只会被取出一次。
func (s *Store) TakeTerminal() []position.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []position.Position
	kept := make([]string, 0, len(s.order))
	for _, id := range s.order {
		sl := s.items[id]
		sl.mu.Lock()
		if sl.pos.Status().Terminal() {
			sl.removed = true
			taken = append(taken, sl.pos.Clone())
			delete(s.items, id)
		} else {
			kept = append(kept, id)
		}
		sl.mu.Unlock()
	}
	s.order = kept
	return taken
}
