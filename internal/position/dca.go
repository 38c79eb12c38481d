package position

import "time"

// DCAPolicy 描述补仓触发价与补仓数量的计算方式。
type DCAPolicy struct {
	FirstTriggerPercent float64
	NextTriggerPercent  float64
	SizeMultiplier      float64
	Cooldown            time.Duration
}

// TriggerPrice 返回下一次补仓的触发价。
// 设置了 AI 覆盖价时直接使用覆盖价；首次补仓以入场价为基准，之后以当前均价为基准。
func (d DCAPolicy) TriggerPrice(p *Position) float64 {
	if p.DCAPriceOverride > 0 {
		return p.DCAPriceOverride
	}
	base, pct := p.EntryPrice, d.FirstTriggerPercent
	if p.DCACount > 0 {
		base, pct = p.AverageEntryPrice, d.NextTriggerPercent
	}
	if p.Direction == Short {
		return base * (1 + pct/100)
	}
	return base * (1 - pct/100)
}

// Reached 报告价格是否进入补仓区间。
func (d DCAPolicy) Reached(p *Position, price float64) bool {
	trigger := d.TriggerPrice(p)
	return trigger > 0 && p.Direction.atOrBelow(price, trigger)
}

// Quantity 返回单次补仓数量。
func (d DCAPolicy) Quantity(p *Position) float64 {
	mult := d.SizeMultiplier
	if mult <= 0 {
		mult = 1
	}
	return p.InitialQuantity * mult
}

// CoolingDown 报告距上次补仓尝试是否仍在冷却期内。
func (d DCAPolicy) CoolingDown(p *Position, now time.Time) bool {
	if d.Cooldown <= 0 || p.LastDCAAttempt.IsZero() {
		return false
	}
	return now.Sub(p.LastDCAAttempt) < d.Cooldown
}

// Eligible 汇总补仓的全部前置条件。
func (d DCAPolicy) Eligible(p *Position, price float64, now time.Time) bool {
	return p.DCACount < p.DCABudget &&
		!p.DCASuppressed &&
		!d.CoolingDown(p, now) &&
		d.Reached(p, price)
}

// applyScaleIn 将补仓成交合入持仓：更新加权均价、数量与次数。
func (p *Position) applyScaleIn(fill Fill, trigger float64, now time.Time) {
	newQty := p.Quantity + fill.Quantity
	if newQty > 0 {
		p.AverageEntryPrice = (p.AverageEntryPrice*p.Quantity + fill.Price*fill.Quantity) / newQty
	}
	p.Quantity = newQty
	p.DCACount++
	p.DCATriggerPrice = trigger
	p.DCASuppressed = true
	p.DCAPriceOverride = 0
	p.LastDCAAttempt = now
	p.Entries = append(p.Entries, EntryFill{
		Price:    fill.Price,
		Quantity: fill.Quantity,
		OrderID:  fill.OrderID,
		At:       now,
	})
	p.Mark(p.LastPrice)
}

// releaseSuppression 在价格离开补仓区间后解除抑制。
func (d DCAPolicy) releaseSuppression(p *Position, price float64) {
	if p.DCASuppressed && !d.Reached(p, price) {
		p.DCASuppressed = false
	}
}
