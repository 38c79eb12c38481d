package app

import (
	"fmt"
	"strconv"
	"strings"

	"trades-keeper/internal/position"
)

// ParseOpenFlag 解析 SYMBOL:SIDE:QTY:ENTRY:TP:SL 形式的建仓参数，TP 与 SL 可留空或为 0。
func ParseOpenFlag(raw string) (position.Params, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 4 || len(parts) > 6 {
		return position.Params{}, fmt.Errorf("app: 建仓参数格式应为 SYMBOL:SIDE:QTY:ENTRY[:TP[:SL]]，实际为 %q", raw)
	}

	dir, err := position.ParseDirection(parts[1])
	if err != nil {
		return position.Params{}, err
	}

	nums := make([]float64, 4)
	names := []string{"qty", "entry", "tp", "sl"}
	for i := 2; i < len(parts); i++ {
		field := strings.TrimSpace(parts[i])
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return position.Params{}, fmt.Errorf("app: %s 非法 %q: %w", names[i-2], field, err)
		}
		nums[i-2] = v
	}

	return position.Params{
		Symbol:     strings.TrimSpace(parts[0]),
		Direction:  dir,
		Quantity:   nums[0],
		EntryPrice: nums[1],
		TakeProfit: nums[2],
		StopLoss:   nums[3],
	}, nil
}
