package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/engine"
	"github.com/betbot/paperbot/internal/feed"
	"github.com/betbot/paperbot/internal/fill"
	"github.com/betbot/paperbot/internal/metrics"
	"github.com/betbot/paperbot/internal/report"
	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/internal/server"
	"github.com/betbot/paperbot/internal/settle"
	"github.com/betbot/paperbot/internal/strategies"
	"github.com/betbot/paperbot/pkg/config"
	"github.com/betbot/paperbot/pkg/logger"
	"github.com/betbot/paperbot/pkg/persistence"
	"github.com/betbot/paperbot/pkg/ratelimit"
	"github.com/betbot/paperbot/pkg/shutdown"
	"github.com/betbot/paperbot/pkg/syncgroup"

	// 导入策略集合以触发 init() 注册
	_ "github.com/betbot/paperbot/internal/strategies/all"
)

// defaultMarketWS CLOB 行情 WebSocket 地址（feed.host 未给 ws 地址时的回落）
const defaultMarketWS = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

const shutdownTimeout = 10 * time.Second

func buildLimits(cfg config.RiskConfig) risk.Limits {
	limits := risk.DefaultLimits()
	if cfg.MaxOrderSize > 0 {
		limits.MaxOrderSize = cfg.MaxOrderSize
	}
	if cfg.MaxPositionSize > 0 {
		limits.MaxPositionSize = cfg.MaxPositionSize
	}
	if cfg.MaxExposure > 0 {
		limits.MaxTotalExposure = cfg.MaxExposure
	}
	if cfg.MaxDailyLoss > 0 {
		limits.MaxDailyLoss = cfg.MaxDailyLoss
	}
	if cfg.MaxDrawdownPct > 0 {
		limits.MaxDrawdownPct = cfg.MaxDrawdownPct
	}
	if cfg.MaxTradesHourly > 0 {
		limits.MaxTradesPerHour = cfg.MaxTradesHourly
	}
	if cfg.MinSpreadPct > 0 {
		limits.MinSpreadPct = cfg.MinSpreadPct
	}
	if cfg.MaxSpreadPct > 0 {
		limits.MaxSpreadPct = cfg.MaxSpreadPct
	}
	return limits
}

// buildFeed 按配置装配数据源。返回的 cleanup 在关停时调用（可为 nil）。
func buildFeed(ctx context.Context, cfg *config.Config, budget *ratelimit.Budget) (feed.Source, func(), error) {
	switch cfg.Feed.Kind {
	case config.FeedSQLite:
		return feed.NewSQLiteFeed(cfg.Feed.DataDir, cfg.Market.Symbol), nil, nil

	case config.FeedHTTP:
		httpFeed := feed.NewHTTPFeed(cfg.Feed.Host, cfg.Market.TokenID)
		httpFeed.OnRateLimited = func(retryAfter time.Duration) {
			metrics.RatePenalties.Add(1)
			budget.HandlePenalty(ratelimit.CategoryMarketData, retryAfter)
		}
		return httpFeed, nil, nil

	case config.FeedWS:
		url := cfg.Feed.Host
		if !strings.HasPrefix(url, "ws") {
			url = defaultMarketWS
		}
		streamFeed := feed.NewStreamFeed(url, cfg.Market.TokenID)
		streamFeed.Start(ctx)
		return streamFeed, streamFeed.Stop, nil

	default:
		return nil, nil, fmt.Errorf("未知的 feed.kind: %s", cfg.Feed.Kind)
	}
}

func loadStrategies(cfg *config.Config) ([]strategies.Strategy, error) {
	loaded := make([]strategies.Strategy, 0, len(cfg.Strategies.Enabled))
	for _, id := range cfg.Strategies.Enabled {
		strategy, err := strategies.Load(id, cfg.Strategies.Params[id])
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, strategy)
	}
	return loaded, nil
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml）")
	tokenID := flag.String("token", "", "UP token 的 CLOB asset id（覆盖配置）")
	flag.Parse()

	// .env 不存在不算错误
	_ = godotenv.Load()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	} else if _, err := os.Stat("yml/config.yaml"); err == nil {
		config.SetConfigPath("yml/config.yaml")
		logrus.Info("使用默认配置文件: yml/config.yaml")
	} else {
		logrus.Warn("未指定配置文件，使用环境变量和默认值")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *tokenID != "" {
		cfg.Market.TokenID = *tokenID
	}
	if cfg.Market.TokenID == "" && cfg.Feed.Kind != config.FeedSQLite {
		logrus.Error("缺少 market.token_id（或 -token / PAPERBOT_TOKEN_ID）")
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Info("🚀 启动模拟盘机器人...")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	manager := shutdown.NewManager()
	budget := ratelimit.NewBudget(nil)
	breaker := risk.NewBreaker(risk.BreakerConfig{MaxConsecutiveErrors: 5})
	ledger := risk.NewLedger(buildLimits(cfg.Risk), cfg.Risk.BaseCapital)

	source, cleanup, err := buildFeed(rootCtx, cfg, budget)
	if err != nil {
		logrus.Errorf("装配数据源失败: %v", err)
		os.Exit(1)
	}
	if cleanup != nil {
		manager.OnShutdown(func(context.Context) { cleanup() })
	}

	slugPrefix := cfg.MarketSlugPrefix()
	resolver := settle.NewGammaResolver(cfg.GammaHost, func(windowID int64) string {
		return fmt.Sprintf("%s%d", slugPrefix, windowID)
	}, budget)

	sinks := report.MultiSink{report.LogSink{}}
	var journal *report.Journal
	if cfg.JournalPath != "" {
		journal, err = report.OpenJournal(cfg.JournalPath)
		if err != nil {
			logrus.Errorf("打开交易流水库失败: %v", err)
			os.Exit(1)
		}
		manager.OnShutdown(func(context.Context) { _ = journal.Close() })
		sinks = append(sinks, journal)
	}

	var ledgerStore persistence.Store
	if cfg.PersistDir != "" {
		var service persistence.Service
		if cfg.UseBadger {
			badgerService, err := persistence.OpenBadger(cfg.PersistDir)
			if err != nil {
				logrus.Errorf("打开 badger 状态库失败: %v", err)
				os.Exit(1)
			}
			manager.OnShutdown(func(context.Context) { _ = badgerService.Close() })
			service = badgerService
		} else {
			service = persistence.NewJSONFileService(cfg.PersistDir)
		}
		ledgerStore = service.NewStore("paperbot", "ledger", "state")
	}

	loaded, err := loadStrategies(cfg)
	if err != nil {
		logrus.Errorf("加载策略失败: %v", err)
		os.Exit(1)
	}
	logrus.Infof("已加载策略: %v (共 %d 个)", cfg.Strategies.Enabled, len(loaded))

	controller := engine.NewController(engine.ControllerConfig{
		Window:              domain.WindowSpec{Duration: cfg.WindowDuration()},
		Lockout:             cfg.Lockout(),
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
		OrderSize:           cfg.Engine.OrderSize,
		EarlyExitMovePct:    cfg.Engine.EarlyExitMovePct,
	}, fill.NewSimulator(time.Minute), ledger, resolver, sinks)

	bot := engine.New(engine.Options{
		Feed:         source,
		Strategies:   loaded,
		Budget:       budget,
		Breaker:      breaker,
		Ledger:       ledger,
		Controller:   controller,
		LedgerStore:  ledgerStore,
		TickInterval: cfg.TickInterval(),
	})

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsListen); err != nil {
			logrus.Errorf("启动 metrics 服务失败: %v", err)
			os.Exit(1)
		}
	}
	if cfg.ServerListen != "" {
		api := server.New(bot, journal)
		if err := api.Start(rootCtx, cfg.ServerListen); err != nil {
			logrus.Errorf("启动观测 API 失败: %v", err)
			os.Exit(1)
		}
	}

	group := syncgroup.NewSyncGroup()
	runErr := make(chan error, 1)
	group.Go(func() {
		runErr <- bot.Run(rootCtx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logrus.Infof("收到信号 %s，开始关停", sig)
	case err := <-runErr:
		if err != nil {
			logrus.Errorf("控制循环异常退出: %v", err)
		}
	}

	rootCancel()
	group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	logrus.Info("已退出")
}
