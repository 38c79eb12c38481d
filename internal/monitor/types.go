package monitor

import (
	"time"

	"trades-keeper/internal/position"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTransition    EventType = "transition"
	EventPartialFill   EventType = "partial_fill"
	EventArchive       EventType = "archive"
	EventReconcile     EventType = "reconcile"
	EventPriceRejected EventType = "price_rejected"
	EventReview        EventType = "review"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TransitionPayload 记录一次规则命中。
type TransitionPayload struct {
	PositionID string            `json:"position_id"`
	Symbol     string            `json:"symbol"`
	Rule       position.RuleName `json:"rule"`
	From       position.Status   `json:"from"`
	To         position.Status   `json:"to"`
	Price      float64           `json:"price"`
	FillPrice  float64           `json:"fill_price,omitempty"`
	FillQty    float64           `json:"fill_qty,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
	Skipped    bool              `json:"skipped,omitempty"`
	Unresolved bool              `json:"unresolved,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// RecordPayload 记录归档或分批止盈。
type RecordPayload struct {
	Record position.ClosedRecord `json:"record"`
}

// ReconcilePayload 记录对账结果。
type ReconcilePayload struct {
	Updated int    `json:"updated"`
	Zeroed  int    `json:"zeroed"`
	Kept    bool   `json:"kept"`
	Reason  string `json:"reason,omitempty"`
}

// PriceRejectedPayload 记录被丢弃的报价。
type PriceRejectedPayload struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	LastPrice float64 `json:"last_price,omitempty"`
	Reason    string  `json:"reason"`
}

// ReviewPayload 记录一次 AI 复评。
type ReviewPayload struct {
	Kind     string   `json:"kind"`
	Allowed  bool     `json:"allowed"`
	Denial   string   `json:"denial,omitempty"`
	Received int      `json:"received"`
	Applied  []string `json:"applied,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
