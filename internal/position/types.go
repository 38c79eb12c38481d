// Package position 定义持仓实体、补仓/移动止损/分批止盈策略以及驱动状态流转的状态机。
//
// 状态只能由 Machine 或 CloseByReview 修改：status 字段不导出，包外无法直接赋值。
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction 表示持仓方向。
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection 解析方向字符串，兼容 buy/sell 写法。
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	default:
		return "", fmt.Errorf("position: 未知方向 %q", s)
	}
}

func (d Direction) sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// better 报告 a 相对 b 是否为有利方向（多头更高、空头更低）。
func (d Direction) better(a, b float64) bool {
	if d == Short {
		return a < b
	}
	return a > b
}

// atOrBeyond 报告价格是否达到或越过有利方向的目标价。
func (d Direction) atOrBeyond(price, level float64) bool {
	if d == Short {
		return price <= level
	}
	return price >= level
}

// atOrBelow 报告价格是否达到或越过不利方向的价位。
func (d Direction) atOrBelow(price, level float64) bool {
	if d == Short {
		return price >= level
	}
	return price <= level
}

// Status 表示持仓状态。
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusDCAHit         Status = "DCA_HIT"
	StatusTPHit          Status = "TP_HIT"
	StatusSLHit          Status = "SL_HIT"
	StatusClosed         Status = "CLOSED"
	StatusAIClosedProfit Status = "AI_CLOSED_PROFIT"
	StatusAIClosedLoss   Status = "AI_CLOSED_LOSS"
)

// AllStatuses 列出全部状态，状态表完整性校验依赖它。
var AllStatuses = []Status{
	StatusOpen,
	StatusDCAHit,
	StatusTPHit,
	StatusSLHit,
	StatusClosed,
	StatusAIClosedProfit,
	StatusAIClosedLoss,
}

// Terminal 报告是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusTPHit, StatusSLHit, StatusClosed, StatusAIClosedProfit, StatusAIClosedLoss:
		return true
	default:
		return false
	}
}

// Valid 报告是否为已知状态。
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// TrailingStop 为移动止损状态，随持仓一起持久化。
type TrailingStop struct {
	Enabled           bool    `json:"enabled"`
	Activated         bool    `json:"activated"`
	PeakPrice         float64 `json:"peak_price"`
	CurrentStop       float64 `json:"current_stop"`
	ActivationPercent float64 `json:"activation_percent"`
	TrailPercent      float64 `json:"trail_percent"`
}

// PartialFill 记录已触发的分批止盈档位，TriggerPercent 为幂等键。
type PartialFill struct {
	TriggerPercent float64   `json:"trigger_percent"`
	TakePercent    float64   `json:"take_percent"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	RealizedPnl    float64   `json:"realized_pnl"`
	OrderID        string    `json:"order_id,omitempty"`
	FiredAt        time.Time `json:"fired_at"`
}

// EntryFill 为一次建仓或补仓成交。
type EntryFill struct {
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	OrderID  string    `json:"order_id,omitempty"`
	At       time.Time `json:"at"`
}

// Fill 为执行器返回的成交结果。Skipped 表示执行器主动放弃（如低于最小下单额）。
type Fill struct {
	Price    float64
	Quantity float64
	OrderID  string
	Skipped  bool
}

// Position 为单个持仓。
type Position struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`

	EntryPrice        float64 `json:"entry_price"`
	AverageEntryPrice float64 `json:"average_entry_price"`
	Quantity          float64 `json:"quantity"`
	InitialQuantity   float64 `json:"initial_quantity"`

	StopLoss         float64 `json:"stop_loss"`
	OriginalStopLoss float64 `json:"original_stop_loss"`
	TakeProfit       float64 `json:"take_profit"`

	DCACount         int       `json:"dca_count"`
	DCABudget        int       `json:"dca_budget"`
	DCASuppressed    bool      `json:"dca_suppressed"`
	DCATriggerPrice  float64   `json:"dca_trigger_price"`
	DCAPriceOverride float64   `json:"dca_price_override"`
	LastDCAAttempt   time.Time `json:"last_dca_attempt"`

	Trailing         TrailingStop  `json:"trailing"`
	PartialFills     []PartialFill `json:"partial_fills"`
	BreakevenApplied bool          `json:"breakeven_applied"`
	Entries          []EntryFill   `json:"entries"`

	status         Status
	CloseReason    string  `json:"close_reason,omitempty"`
	ExitPrice      float64 `json:"exit_price"`
	ClosedQuantity float64 `json:"closed_quantity"`
	FinalPnl       float64 `json:"final_pnl"`
	// ExitSlices 为止盈/止损单部分成交的次数，用于生成归档记录 ID。
	ExitSlices int `json:"exit_slices,omitempty"`

	LastPrice            float64 `json:"last_price"`
	UnrealizedPnl        float64 `json:"unrealized_pnl"`
	UnrealizedPnlPercent float64 `json:"unrealized_pnl_percent"`
	RealizedPnl          float64 `json:"realized_pnl"`

	EntryTime        time.Time `json:"entry_time"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
	ClosedAt         time.Time `json:"closed_at"`
}

// Params 为新建持仓参数。
type Params struct {
	ID         string
	Symbol     string
	Direction  Direction
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	DCABudget  int
	Trailing   TrailingStop
	EntryTime  time.Time
	OrderID    string
}

// New 在上游信号确认后创建 OPEN 状态的持仓。
func New(params Params) (*Position, error) {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		return nil, errors.New("position: symbol 不能为空")
	}
	if params.Direction != Long && params.Direction != Short {
		return nil, fmt.Errorf("position: 非法方向 %q", params.Direction)
	}
	if params.EntryPrice <= 0 || math.IsNaN(params.EntryPrice) {
		return nil, fmt.Errorf("position: 入场价非法 %f", params.EntryPrice)
	}
	if params.Quantity <= 0 || math.IsNaN(params.Quantity) {
		return nil, fmt.Errorf("position: 数量非法 %f", params.Quantity)
	}
	if params.DCABudget < 0 {
		return nil, fmt.Errorf("position: 补仓次数上限非法 %d", params.DCABudget)
	}
	if params.TakeProfit > 0 && !params.Direction.better(params.TakeProfit, params.EntryPrice) {
		return nil, fmt.Errorf("position: 止盈价 %f 不在盈利方向", params.TakeProfit)
	}
	if params.StopLoss > 0 && !params.Direction.better(params.EntryPrice, params.StopLoss) {
		return nil, fmt.Errorf("position: 止损价 %f 不在亏损方向", params.StopLoss)
	}

	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}
	entryTime := params.EntryTime
	if entryTime.IsZero() {
		entryTime = time.Now().UTC()
	}

	p := &Position{
		ID:                id,
		Symbol:            symbol,
		Direction:         params.Direction,
		EntryPrice:        params.EntryPrice,
		AverageEntryPrice: params.EntryPrice,
		Quantity:          params.Quantity,
		InitialQuantity:   params.Quantity,
		StopLoss:          params.StopLoss,
		OriginalStopLoss:  params.StopLoss,
		TakeProfit:        params.TakeProfit,
		DCABudget:         params.DCABudget,
		Trailing:          params.Trailing,
		Entries: []EntryFill{{
			Price:    params.EntryPrice,
			Quantity: params.Quantity,
			OrderID:  params.OrderID,
			At:       entryTime,
		}},
		status:    StatusOpen,
		LastPrice: params.EntryPrice,
		EntryTime: entryTime,
	}
	p.Trailing.Activated = false
	p.Trailing.PeakPrice = params.EntryPrice
	p.Trailing.CurrentStop = 0

	return p, nil
}

// Status 返回当前状态。
func (p *Position) Status() Status {
	return p.status
}

// Clone 返回深拷贝，供执行器等外部协作方只读使用。
func (p *Position) Clone() Position {
	c := *p
	c.PartialFills = append([]PartialFill(nil), p.PartialFills...)
	c.Entries = append([]EntryFill(nil), p.Entries...)
	return c
}

// Reconcile 以交易所权威数量覆盖本地数量，其余元数据保持不变。
func (p *Position) Reconcile(quantity float64, at time.Time) {
	if quantity < 0 || math.IsNaN(quantity) {
		quantity = 0
	}
	p.Quantity = quantity
	p.LastReconciledAt = at
	p.Mark(p.LastPrice)
}

// AdjustLevels 应用已校验的新价位，传 0 表示不修改。
func (p *Position) AdjustLevels(takeProfit, stopLoss, dcaPrice float64) {
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if dcaPrice > 0 {
		p.DCAPriceOverride = dcaPrice
		p.DCASuppressed = false
	}
}

// MarshalJSON 将不导出的状态字段一并序列化。
func (p Position) MarshalJSON() ([]byte, error) {
	type alias Position
	return json.Marshal(struct {
		alias
		Status Status `json:"status"`
	}{alias: alias(p), Status: p.status})
}

// UnmarshalJSON 恢复持仓并校验状态取值。
func (p *Position) UnmarshalJSON(data []byte) error {
	type alias Position
	aux := struct {
		*alias
		Status Status `json:"status"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if !aux.Status.Valid() {
		return fmt.Errorf("position: 未知状态 %q", aux.Status)
	}
	p.status = aux.Status
	return nil
}

// CheckInvariants 校验跨周期不变量，返回第一个被破坏的约束。
func (p *Position) CheckInvariants() error {
	if p.Quantity < 0 {
		return fmt.Errorf("position %s: 数量为负 %f", p.ID, p.Quantity)
	}
	if p.DCACount > p.DCABudget {
		return fmt.Errorf("position %s: 补仓次数 %d 超过上限 %d", p.ID, p.DCACount, p.DCABudget)
	}
	var notional, qty float64
	for _, e := range p.Entries {
		notional += e.Price * e.Quantity
		qty += e.Quantity
	}
	if qty > 0 {
		mean := notional / qty
		if math.Abs(mean-p.AverageEntryPrice) > 1e-9*math.Max(1, mean) {
			return fmt.Errorf("position %s: 均价 %f 与成交加权均价 %f 不一致", p.ID, p.AverageEntryPrice, mean)
		}
	}
	seen := make(map[float64]struct{}, len(p.PartialFills))
	for _, pf := range p.PartialFills {
		if _, dup := seen[pf.TriggerPercent]; dup {
			return fmt.Errorf("position %s: 止盈档位 %.4f 重复触发", p.ID, pf.TriggerPercent)
		}
		seen[pf.TriggerPercent] = struct{}{}
	}
	return nil
}
