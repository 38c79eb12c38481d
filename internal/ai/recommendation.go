package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action 为模型对单个持仓的建议动作。
type Action string

const (
	ActionHold   Action = "HOLD"
	ActionAdjust Action = "ADJUST"
	ActionClose  Action = "CLOSE"
)

// Level 为价格类字段，兼容模型返回的数字、数字字符串与带 % 的字符串；空值为 0。
type Level float64

// UnmarshalJSON 实现 json.Unmarshaler。
func (l *Level) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("ai: 价格字段解析失败: %w", err)
		}
	}
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		*l = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("ai: 价格字段非法 %q: %w", raw, err)
	}
	*l = Level(v)
	return nil
}

// Recommendation 为模型对单个持仓的建议。
type Recommendation struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	TakeProfit Level   `json:"take_profit"`
	StopLoss   Level   `json:"stop_loss"`
	DCAPrice   Level   `json:"dca_price"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Validate 校验建议字段合法性。
func (r *Recommendation) Validate() error {
	if strings.TrimSpace(r.PositionID) == "" && strings.TrimSpace(r.Symbol) == "" {
		return errors.New("ai: position_id 与 symbol 不能同时为空")
	}
	r.Action = Action(strings.ToUpper(strings.TrimSpace(string(r.Action))))
	switch r.Action {
	case ActionHold, ActionAdjust, ActionClose:
	case "":
		return errors.New("ai: action 不能为空")
	default:
		return fmt.Errorf("ai: action 取值非法: %s", r.Action)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("ai: confidence 必须在 [0,1] 区间，目前为 %f", r.Confidence)
	}
	if r.TakeProfit < 0 || r.StopLoss < 0 || r.DCAPrice < 0 {
		return errors.New("ai: 价格不能为负")
	}
	if r.Action == ActionAdjust && r.TakeProfit == 0 && r.StopLoss == 0 && r.DCAPrice == 0 {
		return errors.New("ai: ADJUST 至少需要一个价格")
	}
	return nil
}

// Envelope 用于解析多持仓建议列表，条目逐条解码，单条字段非法不影响其余条目。
type Envelope struct {
	Recommendations []json.RawMessage `json:"recommendations"`
}

// parseRecommendations 解析模型输出，逐条解码与校验，非法条目跳过并返回原因。
func parseRecommendations(content string) ([]Recommendation, []error, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, nil, err
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("ai: 解析建议JSON失败: %w", err)
	}

	valid := make([]Recommendation, 0, len(env.Recommendations))
	var invalid []error
	for i, raw := range env.Recommendations {
		var rec Recommendation
		if dErr := json.Unmarshal(raw, &rec); dErr != nil {
			invalid = append(invalid, fmt.Errorf("第 %d 条: %w", i, dErr))
			continue
		}
		if vErr := rec.Validate(); vErr != nil {
			invalid = append(invalid, fmt.Errorf("第 %d 条: %w", i, vErr))
			continue
		}
		valid = append(valid, rec)
	}
	return valid, invalid, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ai: 模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
