package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "keeper"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Defaults 返回仅包含默认值的配置，测试与回测使用。
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "60s")

	v.SetDefault("execution.simulation", true)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.retry_delay", "2s")
	v.SetDefault("execution.min_notional", 5.0)
	v.SetDefault("execution.sim_slippage_percent", 0.05)

	v.SetDefault("database.path", "data/trades_keeper.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.price_interval", "30s")
	v.SetDefault("scheduler.review_interval", "15m")

	v.SetDefault("cycle.batch_size", 5)
	v.SetDefault("cycle.batch_delay", "1s")
	v.SetDefault("cycle.max_jump_percent", 20.0)
	v.SetDefault("cycle.price_cache_ttl", "10s")
	v.SetDefault("cycle.price_cache_size", 500)
	v.SetDefault("cycle.history_size", 200)

	v.SetDefault("dca.budget", 5)
	v.SetDefault("dca.first_trigger_percent", 10.0)
	v.SetDefault("dca.next_trigger_percent", 15.0)
	v.SetDefault("dca.size_multiplier", 1.0)
	v.SetDefault("dca.cooldown", "0s")

	v.SetDefault("trailing.enabled", true)
	v.SetDefault("trailing.activation_percent", 5.0)
	v.SetDefault("trailing.trail_percent", 2.5)

	v.SetDefault("ladder.rungs", []map[string]interface{}{
		{"trigger_percent": 3.0, "take_percent": 25.0},
		{"trigger_percent": 6.0, "take_percent": 25.0},
	})
	v.SetDefault("ladder.breakeven_after_first", true)

	v.SetDefault("review.global_cooldown", "5m")
	v.SetDefault("review.startup_grace", "2m")
	v.SetDefault("review.trigger_cooldowns", map[string]interface{}{
		"scale_in": "2h",
		"manual":   "1m",
	})
	v.SetDefault("review.min_confidence", 0.6)
	v.SetDefault("review.levels.max_multiple", 3.0)
	v.SetDefault("review.levels.min_multiple", 0.3)
	v.SetDefault("review.levels.percent_ceiling", 100.0)

	v.SetDefault("reconcile.quote_assets", []string{"USDT", "USDC", "FDUSD", "BUSD", "USD"})
	v.SetDefault("reconcile.dust_quantity", 1e-8)

	v.SetDefault("archive.capacity", 500)
	v.SetDefault("aggregate.daily_reset_hour", 0)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 9090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
