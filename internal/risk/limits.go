package risk

// Limits 风控限额（不可变配置）
type Limits struct {
	MaxOrderSize     float64 `yaml:"maxOrderSize"`     // 单笔订单上限（USDC）
	MaxPositionSize  float64 `yaml:"maxPositionSize"`  // 单仓位上限（USDC）
	MaxTotalExposure float64 `yaml:"maxTotalExposure"` // 总敞口上限
	MaxDailyLoss     float64 `yaml:"maxDailyLoss"`     // 当日最大亏损
	MaxDrawdownPct   float64 `yaml:"maxDrawdownPct"`   // 最大回撤比例（0.20 = 20%）
	MaxTradesPerHour int     `yaml:"maxTradesPerHour"` // 滚动 1 小时内的交易次数上限
	MinSpreadPct     float64 `yaml:"minSpreadPct"`     // 最小价差比例（太窄没有利润空间）
	MaxSpreadPct     float64 `yaml:"maxSpreadPct"`     // 最大价差比例（太宽流动性差）
}

// DefaultLimits 默认限额
func DefaultLimits() Limits {
	return Limits{
		MaxOrderSize:     100,
		MaxPositionSize:  500,
		MaxTotalExposure: 1000,
		MaxDailyLoss:     100,
		MaxDrawdownPct:   0.20,
		MaxTradesPerHour: 20,
		MinSpreadPct:     0.005,
		MaxSpreadPct:     0.10,
	}
}
