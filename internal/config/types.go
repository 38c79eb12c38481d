package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cycle     CycleConfig     `mapstructure:"cycle"`
	DCA       DCAConfig       `mapstructure:"dca"`
	Trailing  TrailingConfig  `mapstructure:"trailing"`
	Ladder    LadderConfig    `mapstructure:"ladder"`
	Review    ReviewConfig    `mapstructure:"review"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制行情类调用的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Simulation  bool          `mapstructure:"simulation"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MinNotional float64       `mapstructure:"min_notional"`
	// SimSlippagePercent 为模拟成交的不利滑点
	SimSlippagePercent float64 `mapstructure:"sim_slippage_percent"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制两个周期任务的节奏。
type SchedulerConfig struct {
	PriceInterval  time.Duration `mapstructure:"price_interval"`
	ReviewInterval time.Duration `mapstructure:"review_interval"`
}

// SanityBand 为单个交易对的粗粒度价格合理区间。
type SanityBand struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// CycleConfig 控制价格更新周期。
type CycleConfig struct {
	BatchSize      int                   `mapstructure:"batch_size"`
	BatchDelay     time.Duration         `mapstructure:"batch_delay"`
	MaxJumpPercent float64               `mapstructure:"max_jump_percent"`
	SanityBands    map[string]SanityBand `mapstructure:"sanity_bands"`
	PriceCacheTTL  time.Duration         `mapstructure:"price_cache_ttl"`
	PriceCacheSize int                   `mapstructure:"price_cache_size"`
	HistorySize    int                   `mapstructure:"history_size"`
}

// Band 返回指定交易对的合理区间，viper 会把 map 键转成小写，这里统一处理。
func (c CycleConfig) Band(symbol string) (SanityBand, bool) {
	for key, band := range c.SanityBands {
		if strings.EqualFold(key, symbol) {
			return band, true
		}
	}
	return SanityBand{}, false
}

// DCAConfig 控制补仓参数。
type DCAConfig struct {
	Budget              int           `mapstructure:"budget"`
	FirstTriggerPercent float64       `mapstructure:"first_trigger_percent"`
	NextTriggerPercent  float64       `mapstructure:"next_trigger_percent"`
	SizeMultiplier      float64       `mapstructure:"size_multiplier"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
}

// TrailingConfig 控制移动止损默认参数。
type TrailingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	ActivationPercent float64 `mapstructure:"activation_percent"`
	TrailPercent      float64 `mapstructure:"trail_percent"`
}

// RungConfig 描述分批止盈的一档。
type RungConfig struct {
	TriggerPercent float64 `mapstructure:"trigger_percent"`
	TakePercent    float64 `mapstructure:"take_percent"`
}

// LadderConfig 控制分批止盈。
type LadderConfig struct {
	Rungs               []RungConfig `mapstructure:"rungs"`
	BreakevenAfterFirst bool         `mapstructure:"breakeven_after_first"`
}

// LevelConfig 为 AI 建议价位的合理性边界。
type LevelConfig struct {
	MaxMultiple    float64 `mapstructure:"max_multiple"`
	MinMultiple    float64 `mapstructure:"min_multiple"`
	PercentCeiling float64 `mapstructure:"percent_ceiling"`
}

// ReviewConfig 控制 AI 复评的冷却与采纳规则。
type ReviewConfig struct {
	GlobalCooldown   time.Duration            `mapstructure:"global_cooldown"`
	StartupGrace     time.Duration            `mapstructure:"startup_grace"`
	TriggerCooldowns map[string]time.Duration `mapstructure:"trigger_cooldowns"`
	MinConfidence    float64                  `mapstructure:"min_confidence"`
	Levels           LevelConfig              `mapstructure:"levels"`
}

// ReconcileConfig 控制与交易所持仓对账。
type ReconcileConfig struct {
	QuoteAssets  []string `mapstructure:"quote_assets"`
	DustQuantity float64  `mapstructure:"dust_quantity"`
}

// ArchiveConfig 控制已平仓记录。
type ArchiveConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// AggregateConfig 控制收益汇总。
type AggregateConfig struct {
	DailyResetHour int `mapstructure:"daily_reset_hour"`
}

// TelegramConfig 描述 Telegram 通知通道。
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// NotifyConfig 控制通知。
type NotifyConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.Enabled {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Execution.MaxRetries <= 0 {
		err = multierr.Append(err, errors.New("execution.max_retries 必须大于0"))
	}
	if c.Execution.SimSlippagePercent < 0 {
		err = multierr.Append(err, errors.New("execution.sim_slippage_percent 不能为负"))
	}
	if c.Execution.RetryDelay < 0 {
		err = multierr.Append(err, errors.New("execution.retry_delay 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Scheduler.PriceInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.price_interval 必须大于0"))
	}
	if c.Scheduler.ReviewInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.review_interval 必须大于0"))
	}
	if c.Scheduler.ReviewInterval < c.Scheduler.PriceInterval {
		err = multierr.Append(err, errors.New("scheduler.review_interval 不应小于 price_interval"))
	}
	if c.Cycle.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("cycle.batch_size 必须大于0"))
	}
	if c.Cycle.BatchDelay < 0 {
		err = multierr.Append(err, errors.New("cycle.batch_delay 不能为负"))
	}
	if c.Cycle.MaxJumpPercent <= 0 {
		err = multierr.Append(err, errors.New("cycle.max_jump_percent 必须大于0"))
	}
	for symbol, band := range c.Cycle.SanityBands {
		if band.Min < 0 || band.Max <= band.Min {
			err = multierr.Append(err, fmt.Errorf("cycle.sanity_bands.%s 区间非法", symbol))
		}
	}
	if c.Cycle.PriceCacheSize <= 0 || c.Cycle.HistorySize <= 0 {
		err = multierr.Append(err, errors.New("cycle.price_cache_size 与 history_size 必须大于0"))
	}
	if c.DCA.Budget < 0 {
		err = multierr.Append(err, errors.New("dca.budget 不能为负"))
	}
	if c.DCA.FirstTriggerPercent <= 0 || c.DCA.FirstTriggerPercent >= 100 {
		err = multierr.Append(err, errors.New("dca.first_trigger_percent 必须位于(0,100)"))
	}
	if c.DCA.NextTriggerPercent <= 0 || c.DCA.NextTriggerPercent >= 100 {
		err = multierr.Append(err, errors.New("dca.next_trigger_percent 必须位于(0,100)"))
	}
	if c.DCA.SizeMultiplier <= 0 {
		err = multierr.Append(err, errors.New("dca.size_multiplier 必须大于0"))
	}
	if c.Trailing.Enabled {
		if c.Trailing.ActivationPercent <= 0 {
			err = multierr.Append(err, errors.New("trailing.activation_percent 必须大于0"))
		}
		if c.Trailing.TrailPercent <= 0 || c.Trailing.TrailPercent >= 100 {
			err = multierr.Append(err, errors.New("trailing.trail_percent 必须位于(0,100)"))
		}
	}
	seen := make(map[float64]struct{}, len(c.Ladder.Rungs))
	for i, rung := range c.Ladder.Rungs {
		if rung.TriggerPercent <= 0 {
			err = multierr.Append(err, fmt.Errorf("ladder.rungs[%d].trigger_percent 必须大于0", i))
		}
		if rung.TakePercent <= 0 || rung.TakePercent >= 100 {
			err = multierr.Append(err, fmt.Errorf("ladder.rungs[%d].take_percent 必须位于(0,100)", i))
		}
		if _, dup := seen[rung.TriggerPercent]; dup {
			err = multierr.Append(err, fmt.Errorf("ladder.rungs[%d].trigger_percent 重复", i))
		}
		seen[rung.TriggerPercent] = struct{}{}
	}
	if c.Review.GlobalCooldown < 0 || c.Review.StartupGrace < 0 {
		err = multierr.Append(err, errors.New("review 冷却时间不能为负"))
	}
	if c.Review.MinConfidence < 0 || c.Review.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("review.min_confidence 必须位于[0,1]"))
	}
	if c.Review.Levels.MaxMultiple <= 1 {
		err = multierr.Append(err, errors.New("review.levels.max_multiple 必须大于1"))
	}
	if c.Review.Levels.MinMultiple <= 0 || c.Review.Levels.MinMultiple >= 1 {
		err = multierr.Append(err, errors.New("review.levels.min_multiple 必须位于(0,1)"))
	}
	if c.Review.Levels.PercentCeiling < 0 {
		err = multierr.Append(err, errors.New("review.levels.percent_ceiling 不能为负"))
	}
	if len(c.Reconcile.QuoteAssets) == 0 {
		err = multierr.Append(err, errors.New("reconcile.quote_assets 至少包含一个计价资产"))
	}
	if c.Archive.Capacity <= 0 {
		err = multierr.Append(err, errors.New("archive.capacity 必须大于0"))
	}
	if c.Aggregate.DailyResetHour < 0 || c.Aggregate.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("aggregate.daily_reset_hour 必须位于[0,23]"))
	}
	if c.Notify.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		err = multierr.Append(err, errors.New("notify 启用时需要 telegram.token 与 chat_id"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 非法"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// SortedRungs 返回按触发百分比升序排列的档位副本。
func (l LadderConfig) SortedRungs() []RungConfig {
	rungs := append([]RungConfig(nil), l.Rungs...)
	sort.Slice(rungs, func(i, j int) bool { return rungs[i].TriggerPercent < rungs[j].TriggerPercent })
	return rungs
}
