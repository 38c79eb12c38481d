// Package notify 发送持仓事件通知。发送失败只记录日志，不影响交易流程。
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trades-keeper/internal/position"
)

// Sender 为通知通道。
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Log 将通知写入日志，未配置 Telegram 时使用。
type Log struct {
	logger *zap.Logger
}

// NewLog 创建日志通道。
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, text string) error {
	l.logger.Info("通知", zap.String("text", text))
	return nil
}

// Notifier 将领域事件格式化为文本并发送。
type Notifier struct {
	sender Sender
	logger *zap.Logger
}

// NewNotifier 创建通知器，sender 为 nil 时所有通知被丢弃。
func NewNotifier(sender Sender, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sender: sender, logger: logger}
}

// NotifyClose 通知最终平仓或分批止盈。
func (n *Notifier) NotifyClose(ctx context.Context, rec position.ClosedRecord) {
	var text string
	if rec.Kind == position.RecordPartial {
		text = fmt.Sprintf("分批止盈 %s %s\n档位: %s\n数量: %.6f @ %.4f\n本次盈亏: %.2f",
			rec.Symbol, rec.Direction, rec.Reason, rec.Quantity, rec.ExitPrice, rec.RealizedPnl)
	} else {
		text = fmt.Sprintf("平仓 %s %s [%s]\n原因: %s\n均价: %.4f 平仓价: %.4f\n总盈亏: %.2f (%.2f%%) 补仓次数: %d",
			rec.Symbol, rec.Direction, rec.Status, rec.Reason, rec.EntryPrice, rec.ExitPrice,
			rec.TotalPnl, rec.PnlPercent, rec.DCACount)
	}
	n.send(ctx, text)
}

// NotifyScaleIn 通知补仓成交。
func (n *Notifier) NotifyScaleIn(ctx context.Context, p position.Position, fill position.Fill) {
	n.send(ctx, fmt.Sprintf("补仓 %s %s 第 %d/%d 次\n成交: %.6f @ %.4f\n新均价: %.4f 持仓: %.6f",
		p.Symbol, p.Direction, p.DCACount, p.DCABudget, fill.Quantity, fill.Price, p.AverageEntryPrice, p.Quantity))
}

// NotifyText 发送任意文本。
func (n *Notifier) NotifyText(ctx context.Context, text string) {
	n.send(ctx, text)
}

func (n *Notifier) send(ctx context.Context, text string) {
	if n == nil || n.sender == nil {
		return
	}
	if err := n.sender.Send(ctx, text); err != nil {
		n.logger.Warn("发送通知失败", zap.Error(err))
	}
}
