package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedKind 市场数据源类型
type FeedKind string

const (
	FeedSQLite FeedKind = "sqlite" // 本地采集库回放
	FeedHTTP   FeedKind = "http"   // CLOB REST 轮询
	FeedWS     FeedKind = "ws"     // CLOB WebSocket 流
)

// MarketConfig 市场参数
type MarketConfig struct {
	Symbol        string `yaml:"symbol"`         // 例如 BTCUSDT
	TokenID       string `yaml:"token_id"`       // UP token 的 CLOB asset id
	WindowSeconds int64  `yaml:"window_seconds"` // 周期时长（秒），默认 300
	LockoutSecs   int64  `yaml:"lockout_secs"`   // 收盘前禁入秒数，默认 15
	SlugPrefix    string `yaml:"slug_prefix"`    // 结算市场 slug 前缀，空则按 symbol 推导
}

// MarketSlugPrefix 结算市场 slug 前缀，例如 "btc-updown-5m-"。
// 未显式配置时按 symbol 与周期时长推导。
func (c *Config) MarketSlugPrefix() string {
	if c.Market.SlugPrefix != "" {
		return c.Market.SlugPrefix
	}
	symbol := strings.ToLower(strings.TrimSuffix(strings.ToUpper(c.Market.Symbol), "USDT"))
	if symbol == "" {
		symbol = "btc"
	}
	var timeframe string
	switch {
	case c.Market.WindowSeconds%3600 == 0:
		timeframe = fmt.Sprintf("%dh", c.Market.WindowSeconds/3600)
	default:
		timeframe = fmt.Sprintf("%dm", c.Market.WindowSeconds/60)
	}
	return fmt.Sprintf("%s-updown-%s-", symbol, timeframe)
}

// FeedConfig 数据源配置
type FeedConfig struct {
	Kind    FeedKind `yaml:"kind"`     // sqlite / http / ws
	DataDir string   `yaml:"data_dir"` // sqlite：采集库目录
	Host    string   `yaml:"host"`     // http/ws：API 地址
}

// RiskConfig 风控阈值（零值表示用默认值）
type RiskConfig struct {
	BaseCapital     float64 `yaml:"base_capital"`
	MaxOrderSize    float64 `yaml:"max_order_size"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxExposure     float64 `yaml:"max_exposure"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	MaxTradesHourly int     `yaml:"max_trades_hourly"`
	MinSpreadPct    float64 `yaml:"min_spread_pct"`
	MaxSpreadPct    float64 `yaml:"max_spread_pct"`
}

// EngineConfig 控制循环参数
type EngineConfig struct {
	TickSeconds         int     `yaml:"tick_seconds"`         // tick 间隔，默认 5
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // 信号入场门槛，默认 0.6
	OrderSize           float64 `yaml:"order_size"`           // 单笔名义大小，默认 50
	EarlyExitMovePct    float64 `yaml:"early_exit_move_pct"`  // 提前平仓的价格移动阈值，默认 0.10
}

// StrategyConfig 策略开关与自定义参数
type StrategyConfig struct {
	Enabled []string                  `yaml:"enabled"`
	Params  map[string]map[string]any `yaml:"params"` // 策略 ID -> 配置字段
}

// Config 应用配置
type Config struct {
	Market     MarketConfig   `yaml:"market"`
	Feed       FeedConfig     `yaml:"feed"`
	Risk       RiskConfig     `yaml:"risk"`
	Engine     EngineConfig   `yaml:"engine"`
	Strategies StrategyConfig `yaml:"strategies"`

	GammaHost     string `yaml:"gamma_host"`     // 结算查询 API
	JournalPath   string `yaml:"journal_path"`   // 交易流水 SQLite 路径（空=禁用）
	PersistDir    string `yaml:"persist_dir"`    // 状态落盘目录（空=禁用）
	UseBadger     bool   `yaml:"use_badger"`     // 状态落盘用 Badger 而非 JSON 文件
	ServerListen  string `yaml:"server_listen"`  // 观测 API 监听地址（空=禁用）
	MetricsListen string `yaml:"metrics_listen"` // expvar/pprof 监听地址（空=禁用）
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
}

// WindowDuration 周期时长
func (c *Config) WindowDuration() time.Duration {
	return time.Duration(c.Market.WindowSeconds) * time.Second
}

// TickInterval tick 间隔
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickSeconds) * time.Second
}

// Lockout 收盘前禁入时长
func (c *Config) Lockout() time.Duration {
	return time.Duration(c.Market.LockoutSecs) * time.Second
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// Load 加载配置（带缓存）
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	config := defaults()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		ext := strings.ToLower(filepath.Ext(filePath))
		if ext != ".yaml" && ext != ".yml" {
			return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml)", ext)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

func defaults() *Config {
	return &Config{
		Market: MarketConfig{
			Symbol:        "BTCUSDT",
			WindowSeconds: 300,
			LockoutSecs:   15,
		},
		Feed: FeedConfig{
			Kind: FeedHTTP,
			Host: "https://clob.polymarket.com",
		},
		Engine: EngineConfig{
			TickSeconds:         5,
			ConfidenceThreshold: 0.6,
			OrderSize:           50,
			EarlyExitMovePct:    0.10,
		},
		Strategies: StrategyConfig{
			Enabled: []string{"momentum", "contrarianextreme", "spreadbounce"},
		},
		GammaHost: "https://gamma-api.polymarket.com",
		LogLevel:  "info",
	}
}

// 环境变量覆盖（.env 由 main 侧 godotenv 加载到环境）
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PAPERBOT_TOKEN_ID"); v != "" {
		config.Market.TokenID = v
	}
	if v := os.Getenv("PAPERBOT_FEED_HOST"); v != "" {
		config.Feed.Host = v
	}
	if v := os.Getenv("PAPERBOT_GAMMA_HOST"); v != "" {
		config.GammaHost = v
	}
	if v := os.Getenv("PAPERBOT_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}

// Validate 配置合法性检查
func (c *Config) Validate() error {
	if c.Market.WindowSeconds <= 0 {
		return fmt.Errorf("market.window_seconds 必须为正: %d", c.Market.WindowSeconds)
	}
	if c.Market.LockoutSecs < 0 || c.Market.LockoutSecs >= c.Market.WindowSeconds {
		return fmt.Errorf("market.lockout_secs 非法: %d", c.Market.LockoutSecs)
	}
	if c.Engine.TickSeconds <= 0 {
		return fmt.Errorf("engine.tick_seconds 必须为正: %d", c.Engine.TickSeconds)
	}
	if c.Engine.ConfidenceThreshold < 0 || c.Engine.ConfidenceThreshold > 1 {
		return fmt.Errorf("engine.confidence_threshold 必须在 [0,1]: %f", c.Engine.ConfidenceThreshold)
	}
	if c.Engine.OrderSize <= 0 {
		return fmt.Errorf("engine.order_size 必须为正: %f", c.Engine.OrderSize)
	}
	switch c.Feed.Kind {
	case FeedSQLite:
		if c.Feed.DataDir == "" {
			return fmt.Errorf("feed.kind=sqlite 时 feed.data_dir 必填")
		}
	case FeedHTTP, FeedWS:
		if c.Feed.Host == "" {
			return fmt.Errorf("feed.kind=%s 时 feed.host 必填", c.Feed.Kind)
		}
	default:
		return fmt.Errorf("未知的 feed.kind: %s", c.Feed.Kind)
	}
	if len(c.Strategies.Enabled) == 0 {
		return fmt.Errorf("strategies.enabled 不能为空")
	}
	return nil
}
