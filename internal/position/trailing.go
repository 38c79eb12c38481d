package position

// TrailingPolicy 为新开持仓提供默认的移动止损参数。
type TrailingPolicy struct {
	Enabled           bool
	ActivationPercent float64
	TrailPercent      float64
}

// Template 返回初始化好的移动止损状态。
func (t TrailingPolicy) Template() TrailingStop {
	return TrailingStop{
		Enabled:           t.Enabled,
		ActivationPercent: t.ActivationPercent,
		TrailPercent:      t.TrailPercent,
	}
}

// candidate 以峰值价计算跟随止损价。
func (t TrailingStop) candidate(dir Direction) float64 {
	if dir == Short {
		return t.PeakPrice * (1 + t.TrailPercent/100)
	}
	return t.PeakPrice * (1 - t.TrailPercent/100)
}

// UpdateTrailing 在 OPEN 状态下推进峰值与跟随止损，返回止损是否收紧。
// 止损只会朝有利方向移动，从不放宽。
func (p *Position) UpdateTrailing() bool {
	t := &p.Trailing
	if !t.Enabled || p.status != StatusOpen || p.LastPrice <= 0 {
		return false
	}

	if t.PeakPrice <= 0 || p.Direction.better(p.LastPrice, t.PeakPrice) {
		t.PeakPrice = p.LastPrice
	}

	if !t.Activated {
		if p.UnrealizedPnlPercent < t.ActivationPercent {
			return false
		}
		t.Activated = true
		stop := t.candidate(p.Direction)
		if p.OriginalStopLoss > 0 && p.Direction.better(p.OriginalStopLoss, stop) {
			stop = p.OriginalStopLoss
		}
		t.CurrentStop = stop
		return true
	}

	return p.ratchet(t.candidate(p.Direction))
}

// NormalizeTrailing 在从存储恢复后重新施加棘轮约束，保证止损不低于峰值推导值。
func (p *Position) NormalizeTrailing() {
	if !p.Trailing.Enabled || !p.Trailing.Activated {
		return
	}
	p.ratchet(p.Trailing.candidate(p.Direction))
}

func (p *Position) ratchet(stop float64) bool {
	t := &p.Trailing
	if stop <= 0 {
		return false
	}
	if t.CurrentStop <= 0 || p.Direction.better(stop, t.CurrentStop) {
		t.CurrentStop = stop
		return true
	}
	return false
}

// EffectiveStop 返回止损价与已激活跟随止损中更紧的一个，0 表示无止损。
func (p *Position) EffectiveStop() float64 {
	stop := p.StopLoss
	if p.Trailing.Activated && p.Trailing.CurrentStop > 0 {
		if stop <= 0 || p.Direction.better(p.Trailing.CurrentStop, stop) {
			stop = p.Trailing.CurrentStop
		}
	}
	return stop
}

// trailingIsBinding 报告当前生效止损是否来自跟随止损。
func (p *Position) trailingIsBinding() bool {
	return p.Trailing.Activated && p.Trailing.CurrentStop > 0 && p.EffectiveStop() == p.Trailing.CurrentStop
}
