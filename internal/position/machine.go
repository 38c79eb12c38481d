package position

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RuleName 为状态流转规则名。
type RuleName string

const (
	RuleLedgerFlat RuleName = "ledger_flat"
	RuleTakeProfit RuleName = "take_profit"
	RuleScaleIn    RuleName = "scale_in"
	RuleRevert     RuleName = "revert"
	RuleStopLoss   RuleName = "stop_loss"
	// RuleReview 不在规则表中，仅用于标记 AI 复评平仓。
	RuleReview RuleName = "ai_review"
)

// Actions 为规则触发时需要的外部执行能力。参数为持仓快照，实现方不得持有。
type Actions interface {
	TakeProfit(ctx context.Context, p Position) (Fill, error)
	StopLoss(ctx context.Context, p Position) (Fill, error)
	ScaleIn(ctx context.Context, p Position, qty float64) (Fill, error)
}

// Outcome 描述一次 Step 的结果。Rule 为空表示没有规则命中。
type Outcome struct {
	Rule       RuleName
	From       Status
	To         Status
	Fill       Fill
	Unresolved bool
	ExecErr    error
	// Partial 为平仓单部分成交时已实现部分的归档记录。
	Partial *ClosedRecord
}

// Changed 报告状态是否发生变化。
func (o Outcome) Changed() bool {
	return o.From != o.To
}

// ScaledIn 报告本次是否完成了补仓成交。
func (o Outcome) ScaledIn() bool {
	return o.Rule == RuleScaleIn && !o.Unresolved && !o.Fill.Skipped
}

type rule struct {
	name  RuleName
	from  []Status
	guard func(m *Machine, p *Position, price float64, now time.Time) bool
	fire  func(ctx context.Context, m *Machine, p *Position, price float64, now time.Time, act Actions) Outcome
}

// rules 按优先级排列，同一价格下先命中者生效。
var rules = []rule{
	{
		name:  RuleLedgerFlat,
		from:  []Status{StatusOpen, StatusDCAHit},
		guard: func(_ *Machine, p *Position, _ float64, _ time.Time) bool { return p.Quantity <= 0 },
		fire: func(_ context.Context, _ *Machine, p *Position, price float64, now time.Time, _ Actions) Outcome {
			from := p.status
			p.closeAt(StatusClosed, string(RuleLedgerFlat), price, 0, now)
			return Outcome{Rule: RuleLedgerFlat, From: from, To: p.status}
		},
	},
	{
		name: RuleTakeProfit,
		from: []Status{StatusOpen, StatusDCAHit},
		guard: func(_ *Machine, p *Position, price float64, _ time.Time) bool {
			return p.TakeProfit > 0 && p.Direction.atOrBeyond(price, p.TakeProfit)
		},
		fire: func(ctx context.Context, _ *Machine, p *Position, price float64, now time.Time, act Actions) Outcome {
			fill, err := act.TakeProfit(ctx, p.Clone())
			return exit(p, RuleTakeProfit, StatusTPHit, string(RuleTakeProfit), price, now, fill, err)
		},
	},
	{
		name: RuleScaleIn,
		from: []Status{StatusOpen, StatusDCAHit},
		guard: func(m *Machine, p *Position, price float64, now time.Time) bool {
			return m.DCA.Eligible(p, price, now)
		},
		fire: fireScaleIn,
	},
	{
		name: RuleRevert,
		from: []Status{StatusDCAHit},
		guard: func(_ *Machine, p *Position, price float64, _ time.Time) bool {
			return p.DCATriggerPrice > 0 && p.Direction.better(price, p.DCATriggerPrice)
		},
		fire: func(_ context.Context, _ *Machine, p *Position, _ float64, _ time.Time, _ Actions) Outcome {
			from := p.status
			p.status = StatusOpen
			return Outcome{Rule: RuleRevert, From: from, To: p.status}
		},
	},
	{
		name: RuleStopLoss,
		from: []Status{StatusOpen, StatusDCAHit},
		guard: func(_ *Machine, p *Position, price float64, _ time.Time) bool {
			stop := p.EffectiveStop()
			return stop > 0 && p.stopArmed() && p.Direction.atOrBelow(price, stop)
		},
		fire: func(ctx context.Context, _ *Machine, p *Position, price float64, now time.Time, act Actions) Outcome {
			reason := string(RuleStopLoss)
			if p.trailingIsBinding() {
				reason = "trailing_stop"
			}
			fill, err := act.StopLoss(ctx, p.Clone())
			return exit(p, RuleStopLoss, StatusSLHit, reason, price, now, fill, err)
		},
	},
}

// table 按来源状态索引规则，保持 rules 中的优先级顺序。
var table = map[Status][]rule{}

func init() {
	for _, r := range rules {
		for _, s := range r.from {
			table[s] = append(table[s], r)
		}
	}
	if err := checkTable(); err != nil {
		panic(err)
	}
}

// checkTable 校验每个非终态都有出边，且终态没有任何规则。
func checkTable() error {
	for _, s := range AllStatuses {
		_, ok := table[s]
		switch {
		case s.Terminal() && ok:
			return fmt.Errorf("position: 终态 %s 不应存在流转规则", s)
		case !s.Terminal() && !ok:
			return fmt.Errorf("position: 状态 %s 缺少流转规则", s)
		}
	}
	for s := range table {
		if !s.Valid() {
			return fmt.Errorf("position: 规则引用了未知状态 %s", s)
		}
	}
	return nil
}

// ErrUnknownStatus 表示持仓处于状态表之外的状态。
var ErrUnknownStatus = errors.New("position: 未知状态")

// Machine 对单个持仓按价格推进状态。Machine 本身无状态，可并发使用，但同一持仓的调用需由调用方串行化。
type Machine struct {
	DCA DCAPolicy
	Now func() time.Time
}

// NewMachine 创建状态机。
func NewMachine(dca DCAPolicy) *Machine {
	return &Machine{DCA: dca, Now: time.Now}
}

// Step 以最新价格评估一次规则。终态持仓直接返回，执行失败时状态保持不变。
func (m *Machine) Step(ctx context.Context, p *Position, price float64, act Actions) (Outcome, error) {
	if p.status.Terminal() {
		return Outcome{From: p.status, To: p.status}, nil
	}
	candidates, ok := table[p.status]
	if !ok {
		return Outcome{}, fmt.Errorf("%w %q (id=%s)", ErrUnknownStatus, p.status, p.ID)
	}
	if price <= 0 {
		return Outcome{From: p.status, To: p.status}, fmt.Errorf("position: 价格非法 %f", price)
	}

	now := m.now()
	p.Mark(price)
	m.DCA.releaseSuppression(p, price)

	for _, r := range candidates {
		if r.guard(m, p, price, now) {
			return r.fire(ctx, m, p, price, now, act), nil
		}
	}
	return Outcome{From: p.status, To: p.status}, nil
}

func (m *Machine) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func fireScaleIn(ctx context.Context, m *Machine, p *Position, price float64, now time.Time, act Actions) Outcome {
	from := p.status
	trigger := m.DCA.TriggerPrice(p)
	fill, err := act.ScaleIn(ctx, p.Clone(), m.DCA.Quantity(p))
	if err != nil {
		// 不抑制，冷却结束后下一次价格更新会重试
		p.LastDCAAttempt = now
		return Outcome{Rule: RuleScaleIn, From: from, To: from, Unresolved: true, ExecErr: err}
	}
	if fill.Skipped || fill.Quantity <= 0 {
		p.DCASuppressed = true
		p.LastDCAAttempt = now
		return Outcome{Rule: RuleScaleIn, From: from, To: from, Fill: fill}
	}
	if fill.Price <= 0 {
		fill.Price = price
	}
	p.applyScaleIn(fill, trigger, now)
	p.status = StatusDCAHit
	return Outcome{Rule: RuleScaleIn, From: from, To: p.status, Fill: fill}
}

// exit 处理止盈/止损的执行结果：失败保持原状态，跳过时按观测价本地平仓，
// 部分成交时只实现成交部分，剩余仓位留待下一次价格更新。
func exit(p *Position, name RuleName, to Status, reason string, price float64, now time.Time, fill Fill, err error) Outcome {
	from := p.status
	if err != nil {
		return Outcome{Rule: name, From: from, To: from, Unresolved: true, ExecErr: err}
	}
	if fill.Price <= 0 {
		fill.Price = price
	}
	if rec, ok := p.ReduceOnExit(reason, fill, now); ok {
		return Outcome{Rule: name, From: from, To: from, Fill: fill, Unresolved: true, ExecErr: ErrPartialExit, Partial: &rec}
	}
	exitPrice, qty := fill.Price, fill.Quantity
	if fill.Skipped || exitPrice <= 0 {
		exitPrice = price
	}
	if fill.Skipped || qty <= 0 || qty > p.Quantity {
		qty = p.Quantity
	}
	p.closeAt(to, reason, exitPrice, qty, now)
	return Outcome{Rule: name, From: from, To: p.status, Fill: fill}
}

// stopArmed 报告止损是否生效：补仓预算耗尽、跟随止损已激活，或止损位于均价的盈利一侧。
func (p *Position) stopArmed() bool {
	if p.DCACount >= p.DCABudget {
		return true
	}
	if p.Trailing.Activated {
		return true
	}
	stop := p.StopLoss
	return stop > 0 && !p.Direction.better(p.AverageEntryPrice, stop)
}
