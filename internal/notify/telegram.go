package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

// Telegram 通过机器人向固定会话发送消息，并响应 /positions 命令。
type Telegram struct {
	bot       *tgbot.BotAPI
	chatID    int64
	positions func() []position.Position
	logger    *zap.Logger
}

// NewTelegram 创建 Telegram 通道。positions 用于 /positions 命令，可为 nil。
func NewTelegram(cfg config.TelegramConfig, positions func() []position.Position, logger *zap.Logger) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("notify: telegram token 与 chat_id 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b, err := tgbot.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("notify: 初始化 telegram 机器人失败: %w", err)
	}
	return &Telegram{
		bot:       b,
		chatID:    cfg.ChatID,
		positions: positions,
		logger:    logger,
	}, nil
}

// Send 发送一条文本消息。
func (t *Telegram) Send(_ context.Context, text string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("notify: telegram 发送失败: %w", err)
	}
	return nil
}

// Start 启动长轮询，只处理来自配置会话的命令。
func (t *Telegram) Start(ctx context.Context) {
	if t == nil || t.bot == nil {
		return
	}

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		defer t.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil || upd.Message.Chat == nil ||
					upd.Message.Chat.ID != t.chatID || !upd.Message.IsCommand() {
					continue
				}
				switch upd.Message.Command() {
				case "positions":
					if err := t.Send(ctx, formatPositions(t.snapshot())); err != nil {
						t.logger.Warn("回复 /positions 失败", zap.Error(err))
					}
				}
			}
		}
	}()
}

func (t *Telegram) snapshot() []position.Position {
	if t.positions == nil {
		return nil
	}
	return t.positions()
}

func formatPositions(list []position.Position) string {
	if len(list) == 0 {
		return "当前没有活跃持仓"
	}
	var b strings.Builder
	b.WriteString("活跃持仓:\n")
	for _, p := range list {
		fmt.Fprintf(&b, "- %s [%s] %s qty=%.6f avg=%.4f last=%.4f pnl=%.2f (%.2f%%) dca=%d/%d\n",
			p.Symbol, p.Direction, p.Status(), p.Quantity, p.AverageEntryPrice, p.LastPrice,
			p.UnrealizedPnl, p.UnrealizedPnlPercent, p.DCACount, p.DCABudget)
	}
	return b.String()
}
