package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"trades-keeper/internal/app"
	"trades-keeper/internal/config"
	"trades-keeper/internal/log"
	"trades-keeper/internal/store"
)

// openFlags 收集可重复的 -open 参数。
type openFlags []string

func (o *openFlags) String() string { return strings.Join(*o, ",") }

func (o *openFlags) Set(v string) error {
	*o = append(*o, v)
	return nil
}

func main() {
	var (
		configPath string
		opens      openFlags
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Var(&opens, "open", "手动建仓，格式 SYMBOL:SIDE:QTY:ENTRY:TP:SL，可重复")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keeper, err := app.New(ctx, cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化系统失败", zap.Error(err))
		os.Exit(1)
	}

	for _, raw := range opens {
		params, parseErr := app.ParseOpenFlag(raw)
		if parseErr != nil {
			logger.Error("建仓参数非法", zap.String("raw", raw), zap.Error(parseErr))
			os.Exit(1)
		}
		if _, openErr := keeper.Open(ctx, params); openErr != nil {
			logger.Error("建仓失败", zap.String("raw", raw), zap.Error(openErr))
			os.Exit(1)
		}
	}

	if err := keeper.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
