package fill

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/pkg/cache"
)

var log = logrus.WithField("module", "fill")

// Status 成交模拟结果分类
type Status string

const (
	StatusGoodFill       Status = "good_fill"       // |滑点| <= 50 bps
	StatusMediumSlippage Status = "medium_slippage" // 50~100 bps
	StatusHighSlippage   Status = "high_slippage"   // > 100 bps
	StatusNoBook         Status = "no_book"         // 空簿，回落到中性价 0.5
	StatusNoFill         Status = "no_fill"         // 有簿但无可用深度
	StatusCached         Status = "cached"          // 回落到最近一次观测到的一档价
)

// 滑点分档阈值（bps）
const (
	goodFillMaxBps   = 50
	mediumSlipMaxBps = 100
)

// neutralPrice 空簿时的中性回落价
const neutralPrice = 0.5

// partialFillThreshold fillRatio 低于此值视为部分成交
const partialFillThreshold = 0.99

// Result 一次成交模拟的输出
type Result struct {
	AvgFillPrice float64 // 平均成交价
	SlippageBps  float64 // 相对一档价的有符号滑点，逆向为正
	FillRatio    float64 // 实际成交名义 / 请求名义
	Status       Status
}

// Partial 是否部分成交
func (r Result) Partial() bool {
	return r.FillRatio < partialFillThreshold
}

// Usable 成交价是否可用于开仓/平仓：
// 必须落在 (0.01, 0.99) 开区间内，且不能恰好是中性占位价 0.5。
func Usable(price float64) bool {
	return price > 0.01 && price < 0.99 && price != neutralPrice
}

// Simulator 深度成交模拟器：沿订单簿逐档吃单，计算真实均价与滑点。
// 额外维护每个方向最近一次的一档价，供盘口缺失时的 cached 回落。
type Simulator struct {
	lastTop *cache.TTLCache[domain.Side, float64]
}

// NewSimulator 创建成交模拟器。topTTL 为缓存一档价的有效期。
func NewSimulator(topTTL time.Duration) *Simulator {
	return &Simulator{
		lastTop: cache.New[domain.Side, float64](topTTL),
	}
}

// Simulate 模拟以名义金额 notional 按 side 方向吃单。
// 所有退化输入都归结为显式的回落状态，绝不报错。
func (s *Simulator) Simulate(side domain.Side, notional float64, book domain.OrderBookSnapshot) Result {
	if notional <= 0 {
		return Result{Status: StatusNoFill}
	}

	levels := book.TakerLevels(side)
	if len(levels) == 0 {
		// 先尝试用最近观测的一档价回落，再退到中性价
		if top, ok := s.lastTop.Get(side); ok {
			log.Debugf("盘口缺失，使用缓存一档价: side=%s, price=%.4f", side, top)
			return Result{AvgFillPrice: top, FillRatio: 1, Status: StatusCached}
		}
		return Result{AvgFillPrice: neutralPrice, FillRatio: 0, Status: StatusNoBook}
	}

	top := levels[0].Price
	if top > 0 {
		s.lastTop.Set(side, top)
	}

	// 深度行走：逐档累计 cost/shares，到达请求名义时在边界档取部分
	var cost, shares float64
	for _, lv := range levels {
		if lv.Price <= 0 || lv.Size <= 0 {
			continue
		}
		levelNotional := lv.Price * lv.Size
		remaining := notional - cost
		if levelNotional >= remaining {
			shares += remaining / lv.Price
			cost = notional
			break
		}
		cost += levelNotional
		shares += lv.Size
	}

	if shares <= 0 {
		return Result{Status: StatusNoFill}
	}

	avg := cost / shares
	slippage := adverseBps(side, avg, top)
	ratio := cost / notional

	return Result{
		AvgFillPrice: avg,
		SlippageBps:  slippage,
		FillRatio:    ratio,
		Status:       classify(slippage),
	}
}

// adverseBps 有符号滑点：逆向（买得更贵 / 卖得更便宜）为正。
func adverseBps(side domain.Side, avg, top float64) float64 {
	if top <= 0 {
		return 0
	}
	if side == domain.SideUp {
		return (avg - top) / top * 10000
	}
	return (top - avg) / top * 10000
}

func classify(slippageBps float64) Status {
	switch abs := math.Abs(slippageBps); {
	case abs <= goodFillMaxBps:
		return StatusGoodFill
	case abs <= mediumSlipMaxBps:
		return StatusMediumSlippage
	default:
		return StatusHighSlippage
	}
}
