package backtest

import (
	"trades-keeper/internal/config"
	"trades-keeper/internal/position"
)

// Config 定义回测参数。
type Config struct {
	InitialEquity   float64 // 初始净值
	SlippagePercent float64 // 模拟成交的不利滑点
	PeriodsPerYear  float64 // 年化夏普使用的步数，默认按小时
	ArchiveCapacity int

	Execution config.ExecutionConfig
	DCA       position.DCAPolicy
	Ladder    position.Ladder

	// Positions 为回放开始时已持有的仓位。
	Positions []position.Params
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.InitialEquity <= 0 {
		cfg.InitialEquity = 10000
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 24 * 365
	}
	if cfg.ArchiveCapacity <= 0 {
		cfg.ArchiveCapacity = 1000
	}
	if cfg.Execution.MaxRetries <= 0 {
		cfg.Execution.MaxRetries = 1
	}
	return cfg
}
