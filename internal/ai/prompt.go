package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"trades-keeper/internal/indicator"
)

// PositionSummary 为提交给模型的持仓摘要。
type PositionSummary struct {
	PositionID           string  `json:"position_id"`
	Symbol               string  `json:"symbol"`
	Direction            string  `json:"direction"`
	Status               string  `json:"status"`
	EntryPrice           float64 `json:"entry_price"`
	AverageEntryPrice    float64 `json:"average_entry_price"`
	LastPrice            float64 `json:"last_price"`
	Quantity             float64 `json:"quantity"`
	UnrealizedPnlPercent float64 `json:"unrealized_pnl_percent"`
	StopLoss             float64 `json:"stop_loss"`
	TakeProfit           float64 `json:"take_profit"`
	DCACount             int     `json:"dca_count"`
	DCABudget            int     `json:"dca_budget"`
	NextDCAPrice         float64 `json:"next_dca_price"`
	TrailingStop         float64 `json:"trailing_stop,omitempty"`
	AgeHours             float64 `json:"age_hours"`
}

// SymbolContext 为单个交易对的动量背景。
type SymbolContext struct {
	Samples             int               `json:"samples"`
	ChangePercent       float64           `json:"change_percent"`
	RecentChangePercent float64           `json:"recent_change_percent"`
	RSI                 *float64          `json:"rsi,omitempty"`
	RSIDirection        string            `json:"rsi_direction"`
	Trend               string            `json:"trend"`
	Summary             indicator.Summary `json:"summary"`
}

// MarketContext 为一次复评的市场背景。
type MarketContext struct {
	Trigger string                   `json:"trigger"`
	Symbols map[string]SymbolContext `json:"symbols"`
}

const reviewTemplate = `
你是一个专业的加密货币现货仓位管理员。以下持仓已经建立，你的任务是逐个复核它们的止盈、止损与补仓价位，而不是开新仓。

本次复核触发原因: {{ .Market.Trigger }}

当前持仓：
{{ .PositionsJSON }}

市场动量背景（按交易对）：
{{ .MarketJSON }}

对每个持仓给出以下之一：
1. HOLD：维持现状；
2. ADJUST：调整 take_profit / stop_loss / dca_price 中的一个或多个（不调整的字段填 0）；
3. CLOSE：立即市价平仓。

约束：
- LONG 的止盈必须高于均价、止损必须低于均价、补仓价必须低于当前价；SHORT 反之。
- 价格请给出绝对价格；若只能给出距入场价的百分比，请使用 "5%" 这样的字符串。
- 不确定时选择 HOLD，并给出较低的 confidence。

请严格输出唯一的 JSON 对象，格式如下：
{
  "recommendations": [
    {
      "position_id": "...",
      "symbol": "...",
      "action": "HOLD|ADJUST|CLOSE",
      "take_profit": 0,
      "stop_loss": 0,
      "dca_price": 0,
      "confidence": 0.0-1.0,
      "reasoning": "..."
    }
  ]
}
`

var tmpl = template.Must(template.New("review").Parse(reviewTemplate))

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Market        MarketContext
	PositionsJSON string
	MarketJSON    string
}

// BuildPrompt 将持仓摘要与市场背景渲染成提示词字符串。
func BuildPrompt(positions []PositionSummary, market MarketContext) (string, error) {
	positionsJSON, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ai: 序列化持仓失败: %w", err)
	}
	marketJSON, err := json.MarshalIndent(market.Symbols, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ai: 序列化市场背景失败: %w", err)
	}

	ctx := PromptContext{
		Market:        market,
		PositionsJSON: string(positionsJSON),
		MarketJSON:    string(marketJSON),
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("ai: 渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
