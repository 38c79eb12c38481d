package execution

import (
	"errors"
	"time"
)

// OrderSide 表示订单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Intent 标识下单用途，用于日志与模拟成交记录。
type Intent string

const (
	IntentTakeProfit Intent = "take_profit"
	IntentStopLoss   Intent = "stop_loss"
	IntentAdd        Intent = "add_position"
	IntentReduce     Intent = "reduce_position"
)

// ErrRejected 表示交易所明确拒绝订单（余额不足、参数非法等），重试无意义。
var ErrRejected = errors.New("order rejected")

// Fill 为一次下单的成交结果。Skipped=true 表示数量低于最小名义价值，未实际下单。
type Fill struct {
	Price       float64
	ExecutedQty float64
	OrderID     string
	Skipped     bool
}

// OrderRecord 记录一次已提交的订单。
type OrderRecord struct {
	Intent     Intent
	Symbol     string
	Side       OrderSide
	Quantity   float64
	Price      float64
	OrderID    string
	Skipped    bool
	ExecutedAt time.Time
}

func oppositeSide(side OrderSide) OrderSide {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}
