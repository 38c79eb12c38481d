package review

import (
	"fmt"

	"trades-keeper/internal/ai"
	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

// Levels 为通过校验、可直接应用的价位，0 表示不修改。
type Levels struct {
	TakeProfit float64
	StopLoss   float64
	DCAPrice   float64
}

// Empty 报告是否没有任何可应用的价位。
func (l Levels) Empty() bool {
	return l.TakeProfit == 0 && l.StopLoss == 0 && l.DCAPrice == 0
}

// LevelPolicy 校验 AI 给出的价位是否合理。
type LevelPolicy struct {
	MaxMultiple    float64
	MinMultiple    float64
	PercentCeiling float64
}

// NewLevelPolicy 根据配置创建校验策略，缺省值为 3 倍、0.3 倍与 100。
func NewLevelPolicy(cfg config.LevelConfig) LevelPolicy {
	lp := LevelPolicy{
		MaxMultiple:    cfg.MaxMultiple,
		MinMultiple:    cfg.MinMultiple,
		PercentCeiling: cfg.PercentCeiling,
	}
	if lp.MaxMultiple <= 1 {
		lp.MaxMultiple = 3
	}
	if lp.MinMultiple <= 0 || lp.MinMultiple >= 1 {
		lp.MinMultiple = 0.3
	}
	if lp.PercentCeiling <= 0 {
		lp.PercentCeiling = 100
	}
	return lp
}

type levelKind int

const (
	levelTakeProfit levelKind = iota
	levelStopLoss
	levelDCA
)

func (k levelKind) String() string {
	switch k {
	case levelTakeProfit:
		return "take_profit"
	case levelStopLoss:
		return "stop_loss"
	default:
		return "dca_price"
	}
}

// Validate 逐项校验建议价位，返回可应用的价位与被拒绝的原因。
func (lp LevelPolicy) Validate(p position.Position, rec ai.Recommendation) (Levels, []string) {
	var (
		out      Levels
		rejected []string
	)
	check := func(kind levelKind, raw float64) float64 {
		if raw <= 0 {
			return 0
		}
		v, err := lp.resolve(p, kind, raw)
		if err != nil {
			rejected = append(rejected, err.Error())
			return 0
		}
		return v
	}
	out.TakeProfit = check(levelTakeProfit, float64(rec.TakeProfit))
	out.StopLoss = check(levelStopLoss, float64(rec.StopLoss))
	out.DCAPrice = check(levelDCA, float64(rec.DCAPrice))
	return out, rejected
}

// resolve 先按绝对价格校验，失败且数值不超过 PercentCeiling 时按距入场价的百分比重新解释。
func (lp LevelPolicy) resolve(p position.Position, kind levelKind, raw float64) (float64, error) {
	if lp.plausible(p, kind, raw) {
		return raw, nil
	}
	if raw <= lp.PercentCeiling {
		if v := lp.fromPercent(p, kind, raw); v > 0 && lp.plausible(p, kind, v) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%s %.8f 不合理 (entry=%.8f last=%.8f)", kind, raw, entryOf(p), p.LastPrice)
}

func (lp LevelPolicy) plausible(p position.Position, kind levelKind, v float64) bool {
	entry := entryOf(p)
	if entry <= 0 || v <= 0 {
		return false
	}
	short := p.Direction == position.Short
	upper, lower := entry*lp.MaxMultiple, entry*lp.MinMultiple

	switch kind {
	case levelTakeProfit:
		if short {
			return v < entry && v >= lower
		}
		return v > entry && v <= upper
	case levelStopLoss:
		if short {
			return v > entry && v <= upper
		}
		return v < entry && v >= lower
	default:
		ref := entry
		if short {
			if p.LastPrice > ref {
				ref = p.LastPrice
			}
			return v > ref && v <= upper
		}
		if p.LastPrice > 0 && p.LastPrice < ref {
			ref = p.LastPrice
		}
		return v < ref && v >= lower
	}
}

func (lp LevelPolicy) fromPercent(p position.Position, kind levelKind, pct float64) float64 {
	entry := entryOf(p)
	dist := entry * pct / 100
	up := (kind == levelTakeProfit) != (p.Direction == position.Short)
	if up {
		return entry + dist
	}
	return entry - dist
}

func entryOf(p position.Position) float64 {
	if p.AverageEntryPrice > 0 {
		return p.AverageEntryPrice
	}
	return p.EntryPrice
}
