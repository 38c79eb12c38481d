package position

import (
	"fmt"
	"sort"
	"time"
)

// Rung 为分批止盈的一档：收益率达到 TriggerPercent 时平掉剩余仓位的 TakePercent。
type Rung struct {
	TriggerPercent float64
	TakePercent    float64
}

// Ladder 为按触发收益率升序排列的止盈梯度。
type Ladder struct {
	Rungs               []Rung
	BreakevenAfterFirst bool
}

// NewLadder 复制并排序档位。
func NewLadder(rungs []Rung, breakeven bool) Ladder {
	sorted := append([]Rung(nil), rungs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TriggerPercent < sorted[j].TriggerPercent })
	return Ladder{Rungs: sorted, BreakevenAfterFirst: breakeven}
}

// Due 返回当前收益率下已到达且尚未触发的档位。
func (l Ladder) Due(p *Position) []Rung {
	if p.status != StatusOpen || p.Quantity <= 0 {
		return nil
	}
	var due []Rung
	for _, r := range l.Rungs {
		if p.UnrealizedPnlPercent < r.TriggerPercent {
			break
		}
		if !p.HasFired(r.TriggerPercent) {
			due = append(due, r)
		}
	}
	return due
}

// SliceQuantity 返回该档应平掉的数量。
func (l Ladder) SliceQuantity(p *Position, r Rung) float64 {
	return p.Quantity * r.TakePercent / 100
}

// HasFired 报告指定档位是否已触发。
func (p *Position) HasFired(trigger float64) bool {
	for _, pf := range p.PartialFills {
		if pf.TriggerPercent == trigger {
			return true
		}
	}
	return false
}

// ApplyPartial 记录一档成功的部分平仓，返回对应的归档记录。
func (p *Position) ApplyPartial(r Rung, fill Fill, now time.Time) (ClosedRecord, error) {
	if p.HasFired(r.TriggerPercent) {
		return ClosedRecord{}, fmt.Errorf("position %s: 止盈档位 %.4f 已触发", p.ID, r.TriggerPercent)
	}
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return ClosedRecord{}, fmt.Errorf("position %s: 部分平仓成交非法 qty=%f price=%f", p.ID, fill.Quantity, fill.Price)
	}
	qty := fill.Quantity
	if qty > p.Quantity {
		qty = p.Quantity
	}
	pnl := p.pnlAt(fill.Price, qty)

	p.Quantity -= qty
	p.RealizedPnl += pnl
	p.PartialFills = append(p.PartialFills, PartialFill{
		TriggerPercent: r.TriggerPercent,
		TakePercent:    r.TakePercent,
		Quantity:       qty,
		Price:          fill.Price,
		RealizedPnl:    pnl,
		OrderID:        fill.OrderID,
		FiredAt:        now,
	})
	p.Mark(p.LastPrice)

	return ClosedRecord{
		ID:          fmt.Sprintf("%s:tp:%g", p.ID, r.TriggerPercent),
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		Kind:        RecordPartial,
		Status:      p.status,
		Reason:      fmt.Sprintf("ladder_%g", r.TriggerPercent),
		EntryPrice:  p.AverageEntryPrice,
		ExitPrice:   fill.Price,
		Quantity:    qty,
		RealizedPnl: pnl,
		PnlPercent:  p.pnlPercentAt(fill.Price),
		DCACount:    p.DCACount,
		OpenedAt:    p.EntryTime,
		ClosedAt:    now,
	}, nil
}

// ApplyBreakeven 将止损移至均价，仅在能收紧止损时生效。
func (p *Position) ApplyBreakeven() bool {
	if p.BreakevenApplied {
		return false
	}
	if p.StopLoss > 0 && !p.Direction.better(p.AverageEntryPrice, p.StopLoss) {
		return false
	}
	p.StopLoss = p.AverageEntryPrice
	p.BreakevenApplied = true
	return true
}

// SkipRung 将因数量过小未能成交的档位标记为已触发，不产生收益与归档记录。
func (p *Position) SkipRung(r Rung, now time.Time) bool {
	if p.HasFired(r.TriggerPercent) {
		return false
	}
	p.PartialFills = append(p.PartialFills, PartialFill{
		TriggerPercent: r.TriggerPercent,
		TakePercent:    r.TakePercent,
		FiredAt:        now,
	})
	return true
}
