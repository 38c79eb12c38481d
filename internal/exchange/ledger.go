package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-keeper/internal/reconcile"
)

// Ledger 通过现货余额推断持仓，实现 reconcile.Ledger。
type Ledger struct {
	client *Client
	logger *zap.Logger
}

// NewLedger 创建余额账本。
func NewLedger(client *Client, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{client: client, logger: logger}
}

// OpenPositions 返回所有非计价资产的余额。
// 交易所返回了余额数据但其中没有任何基础资产时视为明确空仓；余额数据整体缺失时不下结论。
func (l *Ledger) OpenPositions(ctx context.Context) (reconcile.LedgerSnapshot, error) {
	var balances ccxt.Balances
	err := l.client.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := l.client.api.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return reconcile.LedgerSnapshot{}, fmt.Errorf("exchange: 获取账户余额失败: %w", err)
	}

	holdings, reported := l.holdingsFromTotals(balances)
	if !reported {
		holdings, reported = l.holdingsFromInfo(balances.Info)
	}
	if !reported {
		l.logger.Warn("余额响应中没有可识别的资产数据")
		return reconcile.LedgerSnapshot{}, nil
	}

	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return reconcile.LedgerSnapshot{
		Positions: holdings,
		Flat:      len(holdings) == 0,
	}, nil
}

func (l *Ledger) holdingsFromTotals(balances ccxt.Balances) ([]reconcile.Holding, bool) {
	if len(balances.Total) == 0 {
		return nil, false
	}
	holdings := make([]reconcile.Holding, 0, len(balances.Total))
	for asset, total := range balances.Total {
		qty := floatValue(total)
		if qty <= 0 || l.client.IsQuote(asset) {
			continue
		}
		free := qty
		if v, ok := balances.Free[asset]; ok && v != nil {
			free = *v
		}
		holdings = append(holdings, reconcile.Holding{
			Symbol:   strings.ToUpper(asset),
			Quantity: qty,
			Free:     free,
			Locked:   qty - free,
		})
	}
	return holdings, true
}

// holdingsFromInfo 解析 Binance 原始响应中的 balances 数组。
func (l *Ledger) holdingsFromInfo(info map[string]interface{}) ([]reconcile.Holding, bool) {
	raw, ok := info["balances"].([]interface{})
	if !ok {
		return nil, false
	}
	holdings := make([]reconcile.Holding, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		asset, _ := entry["asset"].(string)
		if asset == "" || l.client.IsQuote(asset) {
			continue
		}
		free := parseNumeric(entry["free"])
		locked := parseNumeric(entry["locked"])
		if free+locked <= 0 {
			continue
		}
		holdings = append(holdings, reconcile.Holding{
			Symbol:   strings.ToUpper(asset),
			Quantity: free + locked,
			Free:     free,
			Locked:   locked,
		})
	}
	return holdings, true
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
