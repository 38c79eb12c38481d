// Package ai 调用大模型对已开仓位进行复评，输出 HOLD / ADJUST / CLOSE 建议。
package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"trades-keeper/internal/config"
	"trades-keeper/internal/indicator"
)

// ErrEmptyResponse 表示模型返回为空。
var ErrEmptyResponse = errors.New("ai: OpenAI 返回内容为空")

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai: openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Timeout 返回单次复评的超时时间。
func (c *Client) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Recommend 提交持仓摘要与市场背景，返回通过校验的建议。非法条目被丢弃并记录日志。
func (c *Client) Recommend(ctx context.Context, positions []PositionSummary, market MarketContext) ([]Recommendation, error) {
	if len(positions) == 0 {
		return nil, nil
	}

	prompt, err := BuildPrompt(positions, market)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	response, err := c.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err), zap.Duration("latency", time.Since(start)))
		return nil, fmt.Errorf("ai: 调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return nil, ErrEmptyResponse
	}

	recs, invalid, err := parseRecommendations(rawContent)
	if err != nil {
		c.logger.Error("解析模型建议失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return nil, err
	}
	for _, vErr := range invalid {
		c.logger.Warn("丢弃非法建议", zap.Error(vErr))
	}

	c.logger.Info("AI 复评完成",
		zap.String("trigger", market.Trigger),
		zap.Int("positions", len(positions)),
		zap.Int("recommendations", len(recs)),
		zap.Int("invalid", len(invalid)),
		zap.Duration("latency", time.Since(start)),
	)
	return recs, nil
}

// NewSymbolContext 将指标结果转换为可序列化的市场背景，NaN 字段被省略或置零。
func NewSymbolContext(m indicator.Momentum) SymbolContext {
	sc := SymbolContext{
		Samples:      m.Samples,
		Trend:        m.Trend(),
		RSIDirection: m.RSIDirection(),
		Summary:      m.Summarize(),
	}
	if !math.IsNaN(m.RecentChangePercent) && !math.IsInf(m.RecentChangePercent, 0) {
		sc.RecentChangePercent = m.RecentChangePercent
	}
	if !math.IsNaN(m.ChangePercent) && !math.IsInf(m.ChangePercent, 0) {
		sc.ChangePercent = m.ChangePercent
	}
	if !math.IsNaN(m.RSI) {
		rsi := m.RSI
		sc.RSI = &rsi
	}
	return sc
}
