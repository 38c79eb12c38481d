package position

// Mark 以最新价重算未实现盈亏。
func (p *Position) Mark(price float64) {
	if price <= 0 {
		return
	}
	p.LastPrice = price
	if p.AverageEntryPrice <= 0 {
		p.UnrealizedPnl = 0
		p.UnrealizedPnlPercent = 0
		return
	}
	diff := (price - p.AverageEntryPrice) * p.Direction.sign()
	p.UnrealizedPnl = diff * p.Quantity
	p.UnrealizedPnlPercent = diff / p.AverageEntryPrice * 100
}

// pnlAt 计算以 exit 价格平掉 qty 数量的盈亏。
func (p *Position) pnlAt(exit, qty float64) float64 {
	return (exit - p.AverageEntryPrice) * p.Direction.sign() * qty
}

// pnlPercentAt 计算以 exit 价格相对均价的收益率（百分比）。
func (p *Position) pnlPercentAt(exit float64) float64 {
	if p.AverageEntryPrice <= 0 {
		return 0
	}
	return (exit - p.AverageEntryPrice) * p.Direction.sign() / p.AverageEntryPrice * 100
}
