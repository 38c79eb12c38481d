package position

import (
	"errors"
	"fmt"
	"time"
)

// RecordKind 区分最终平仓与分批止盈记录。
type RecordKind string

const (
	RecordFinal   RecordKind = "final"
	RecordPartial RecordKind = "partial"
)

// ClosedRecord 为归档中的平仓记录。最终记录的 ID 与持仓 ID 相同。
type ClosedRecord struct {
	ID          string     `json:"id"`
	PositionID  string     `json:"position_id"`
	Symbol      string     `json:"symbol"`
	Direction   Direction  `json:"direction"`
	Kind        RecordKind `json:"kind"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   float64    `json:"exit_price"`
	Quantity    float64    `json:"quantity"`
	RealizedPnl float64    `json:"realized_pnl"`
	TotalPnl    float64    `json:"total_pnl"`
	PnlPercent  float64    `json:"pnl_percent"`
	DCACount    int        `json:"dca_count"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    time.Time  `json:"closed_at"`
}

// closeAt 以成交价平掉剩余仓位并进入终态。
func (p *Position) closeAt(status Status, reason string, exit, qty float64, now time.Time) {
	if exit <= 0 {
		exit = p.LastPrice
	}
	pnl := p.pnlAt(exit, qty)
	p.ExitPrice = exit
	p.ClosedQuantity = qty
	p.FinalPnl = pnl
	p.RealizedPnl += pnl
	p.Quantity = 0
	p.UnrealizedPnl = 0
	p.UnrealizedPnlPercent = 0
	p.CloseReason = reason
	p.ClosedAt = now
	p.status = status
}

// ErrPartialExit 表示平仓单只成交了一部分，持仓保持原状态。
var ErrPartialExit = errors.New("position: 平仓单部分成交")

// isPartialExit 报告成交是否只覆盖了部分剩余仓位。
func (p *Position) isPartialExit(fill Fill) bool {
	return !fill.Skipped && fill.Quantity > 0 && fill.Quantity < p.Quantity*(1-1e-9)
}

// ReduceOnExit 处理平仓单的部分成交：实现成交部分的盈亏并减少数量，状态不变。
// 非部分成交时返回 false，持仓不变。
func (p *Position) ReduceOnExit(reason string, fill Fill, now time.Time) (ClosedRecord, bool) {
	if p.status.Terminal() || !p.isPartialExit(fill) {
		return ClosedRecord{}, false
	}
	exit := fill.Price
	if exit <= 0 {
		exit = p.LastPrice
	}
	qty := fill.Quantity
	pnl := p.pnlAt(exit, qty)

	p.Quantity -= qty
	p.RealizedPnl += pnl
	p.ExitSlices++
	p.Mark(p.LastPrice)

	return ClosedRecord{
		ID:          fmt.Sprintf("%s:exit:%d", p.ID, p.ExitSlices),
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		Kind:        RecordPartial,
		Status:      p.status,
		Reason:      "partial_" + reason,
		EntryPrice:  p.AverageEntryPrice,
		ExitPrice:   exit,
		Quantity:    qty,
		RealizedPnl: pnl,
		PnlPercent:  p.pnlPercentAt(exit),
		DCACount:    p.DCACount,
		OpenedAt:    p.EntryTime,
		ClosedAt:    now,
	}, true
}

// CloseByReview 以 AI 复核结论平掉全部剩余仓位，按最终盈亏正负决定状态。
// 部分成交需先经 ReduceOnExit 处理，这里直接拒绝。
func (p *Position) CloseByReview(fill Fill, now time.Time) (Status, error) {
	if p.status.Terminal() {
		return p.status, errors.New("position: 持仓已处于终态")
	}
	if p.isPartialExit(fill) {
		return p.status, ErrPartialExit
	}
	qty := p.Quantity
	exit := fill.Price
	if exit <= 0 {
		exit = p.LastPrice
	}
	status := StatusAIClosedLoss
	if p.pnlAt(exit, qty) > 0 {
		status = StatusAIClosedProfit
	}
	p.closeAt(status, "ai_review", exit, qty, now)
	return status, nil
}

// FinalRecord 返回终态持仓的归档记录。
func (p *Position) FinalRecord() (ClosedRecord, error) {
	if !p.status.Terminal() {
		return ClosedRecord{}, errors.New("position: 持仓尚未结束")
	}
	return ClosedRecord{
		ID:          p.ID,
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		Kind:        RecordFinal,
		Status:      p.status,
		Reason:      p.CloseReason,
		EntryPrice:  p.AverageEntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.ClosedQuantity,
		RealizedPnl: p.FinalPnl,
		TotalPnl:    p.RealizedPnl,
		PnlPercent:  p.pnlPercentAt(p.ExitPrice),
		DCACount:    p.DCACount,
		OpenedAt:    p.EntryTime,
		ClosedAt:    p.ClosedAt,
	}, nil
}
