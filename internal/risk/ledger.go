package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "risk")

// TradeSideExit RecordTrade 的平仓方向标记；其余值一律视为开仓方向。
const TradeSideExit = "EXIT"

// OpenRecord 账本中的开仓记录
type OpenRecord struct {
	Strategy   string    `json:"strategy"`
	MarketID   string    `json:"marketId"`
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entryPrice"`
	EntryTime  time.Time `json:"entryTime"`
}

// Report 风险状态报告（只读快照，供观测面使用）
type Report struct {
	DailyPnL           float64 `json:"dailyPnl"`
	CurrentExposure    float64 `json:"currentExposure"`
	ExposureLimit      float64 `json:"exposureLimit"`
	ExposurePct        float64 `json:"exposurePct"`
	TradesToday        int     `json:"tradesToday"`
	CurrentDrawdownPct float64 `json:"currentDrawdownPct"`
	MaxDrawdownPct     float64 `json:"maxDrawdownPct"`
	CurrentCapital     float64 `json:"currentCapital"`
	PeakCapital        float64 `json:"peakCapital"`
	OpenPositions      int     `json:"openPositions"`
	Limits             Limits  `json:"limits"`
}

// State 账本可持久化状态（同一 UTC 日内重启后恢复）
type State struct {
	DailyPnL        float64               `json:"dailyPnl"`
	PeakCapital     float64               `json:"peakCapital"`
	CurrentExposure float64               `json:"currentExposure"`
	TradesToday     int                   `json:"tradesToday"`
	TradeTimes      []time.Time           `json:"tradeTimes"`
	LastReset       time.Time             `json:"lastReset"`
	Positions       map[string]OpenRecord `json:"positions"`
}

// Ledger 风险账本：敞口、当日盈亏、回撤、交易频率的唯一记账处。
// 所有副作用都限定在账本自身状态内，不做任何外部 IO。
// 控制循环是唯一写入方，但仍带锁（观测面会并发读）。
type Ledger struct {
	limits      Limits
	baseCapital float64

	mu              sync.Mutex
	dailyPnL        float64
	peakCapital     float64
	currentExposure float64
	positions       map[string]OpenRecord // key: strategy:marketID
	tradesToday     int
	tradeTimes      []time.Time // 滚动 1 小时窗口
	lastReset       time.Time

	now func() time.Time
}

// NewLedger 创建风险账本
func NewLedger(limits Limits, baseCapital float64) *Ledger {
	return &Ledger{
		limits:      limits,
		baseCapital: baseCapital,
		positions:   make(map[string]OpenRecord),
		lastReset:   time.Now().UTC(),
		now:         time.Now,
	}
}

func positionKey(strategy, marketID string) string {
	return strategy + ":" + marketID
}

// resetDailyLocked UTC 日期翻转时清零当日计数
func (l *Ledger) resetDailyLocked() {
	now := l.now().UTC()
	if now.Format("2006-01-02") == l.lastReset.UTC().Format("2006-01-02") {
		return
	}
	l.dailyPnL = 0
	l.tradesToday = 0
	l.tradeTimes = nil
	l.lastReset = now
	log.Info("当日风控计数已重置")
}

// recentTradesLocked 滚动 1 小时窗口内的交易数（顺带裁剪窗口）
func (l *Ledger) recentTradesLocked() int {
	cutoff := l.now().Add(-time.Hour)
	kept := l.tradeTimes[:0]
	for _, ts := range l.tradeTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.tradeTimes = kept
	return len(kept)
}

// CheckOrderAllowed 检查订单是否满足全部风控规则。
// 短路的有序检查链：第一条不过的规则即为拒绝原因。
func (l *Ledger) CheckOrderAllowed(strategy string, orderSize, spreadPct, currentCapital float64) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetDailyLocked()

	if orderSize > l.limits.MaxOrderSize {
		return false, fmt.Sprintf("订单 $%.2f 超过单笔上限 $%.2f", orderSize, l.limits.MaxOrderSize)
	}
	if spreadPct < l.limits.MinSpreadPct {
		return false, fmt.Sprintf("价差 %.2f%% 低于下限 %.2f%%", spreadPct*100, l.limits.MinSpreadPct*100)
	}
	if spreadPct > l.limits.MaxSpreadPct {
		return false, fmt.Sprintf("价差 %.2f%% 高于上限 %.2f%%", spreadPct*100, l.limits.MaxSpreadPct*100)
	}
	if l.dailyPnL < -l.limits.MaxDailyLoss {
		return false, fmt.Sprintf("当日亏损 $%.2f 超过上限 $%.2f", -l.dailyPnL, l.limits.MaxDailyLoss)
	}
	if l.peakCapital > 0 {
		drawdown := (l.peakCapital - currentCapital) / l.peakCapital
		if drawdown > l.limits.MaxDrawdownPct {
			return false, fmt.Sprintf("回撤 %.2f%% 超过上限 %.2f%%", drawdown*100, l.limits.MaxDrawdownPct*100)
		}
	}
	if l.currentExposure+orderSize > l.limits.MaxTotalExposure {
		return false, fmt.Sprintf("敞口 $%.2f 将超过上限 $%.2f", l.currentExposure+orderSize, l.limits.MaxTotalExposure)
	}
	if recent := l.recentTradesLocked(); recent >= l.limits.MaxTradesPerHour {
		return false, fmt.Sprintf("交易频率超限: 最近 1 小时 %d 笔", recent)
	}
	_ = strategy
	return true, "OK"
}

// RecordTrade 记录一笔成交：
// side == EXIT 时减敞口并移除开仓记录，否则加敞口并登记开仓记录；
// 任何方向都会累计当日盈亏、追加交易时间戳、更新峰值资金。
func (l *Ledger) RecordTrade(strategy, marketID, side string, size, price, pnl float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetDailyLocked()

	now := l.now()
	l.tradesToday++
	l.tradeTimes = append(l.tradeTimes, now)
	l.dailyPnL += pnl

	key := positionKey(strategy, marketID)
	if side == TradeSideExit {
		l.currentExposure -= size
		delete(l.positions, key)
	} else {
		l.currentExposure += size
		l.positions[key] = OpenRecord{
			Strategy:   strategy,
			MarketID:   marketID,
			Side:       side,
			Size:       size,
			EntryPrice: price,
			EntryTime:  now,
		}
	}

	if capital := l.baseCapital + l.dailyPnL; capital > l.peakCapital {
		l.peakCapital = capital
	}

	log.Infof("记账: %s %s $%.2f @ %.4f | 当日盈亏 $%.2f, 敞口 $%.2f",
		strategy, side, size, price, l.dailyPnL, l.currentExposure)
}

// CheckStrategyLimits 策略级别的继续交易检查：资金归零即视为破产。
func (l *Ledger) CheckStrategyLimits(strategy string, currentCapital float64) (bool, string) {
	if currentCapital <= 0 {
		return false, fmt.Sprintf("策略 %s 已破产 (资金 $%.2f)", strategy, currentCapital)
	}
	return true, "OK"
}

// CurrentCapital 基础资金 + 当日已实现盈亏
func (l *Ledger) CurrentCapital() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseCapital + l.dailyPnL
}

// Exposure 当前总敞口
func (l *Ledger) Exposure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentExposure
}

// GetReport 生成风险状态报告
func (l *Ledger) GetReport() Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	capital := l.baseCapital + l.dailyPnL
	drawdown := 0.0
	if l.peakCapital > 0 {
		drawdown = (l.peakCapital - capital) / l.peakCapital
	}
	exposurePct := 0.0
	if l.limits.MaxTotalExposure > 0 {
		exposurePct = l.currentExposure / l.limits.MaxTotalExposure * 100
	}
	return Report{
		DailyPnL:           l.dailyPnL,
		CurrentExposure:    l.currentExposure,
		ExposureLimit:      l.limits.MaxTotalExposure,
		ExposurePct:        exposurePct,
		TradesToday:        l.tradesToday,
		CurrentDrawdownPct: drawdown * 100,
		MaxDrawdownPct:     l.limits.MaxDrawdownPct * 100,
		CurrentCapital:     capital,
		PeakCapital:        l.peakCapital,
		OpenPositions:      len(l.positions),
		Limits:             l.limits,
	}
}

// Snapshot 导出可持久化状态
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make(map[string]OpenRecord, len(l.positions))
	for k, v := range l.positions {
		positions[k] = v
	}
	times := make([]time.Time, len(l.tradeTimes))
	copy(times, l.tradeTimes)
	return State{
		DailyPnL:        l.dailyPnL,
		PeakCapital:     l.peakCapital,
		CurrentExposure: l.currentExposure,
		TradesToday:     l.tradesToday,
		TradeTimes:      times,
		LastReset:       l.lastReset,
		Positions:       positions,
	}
}

// Restore 恢复状态。只接受同一 UTC 日的快照，跨日快照直接丢弃
//（丢弃等价于自然的 daily reset）。
func (l *Ledger) Restore(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state.LastReset.UTC().Format("2006-01-02") != l.now().UTC().Format("2006-01-02") {
		log.Infof("账本快照来自 %s，已跨日，忽略", state.LastReset.UTC().Format("2006-01-02"))
		return
	}
	l.dailyPnL = state.DailyPnL
	l.peakCapital = state.PeakCapital
	l.currentExposure = state.CurrentExposure
	l.tradesToday = state.TradesToday
	l.tradeTimes = append([]time.Time(nil), state.TradeTimes...)
	l.lastReset = state.LastReset
	l.positions = make(map[string]OpenRecord, len(state.Positions))
	for k, v := range state.Positions {
		l.positions[k] = v
	}
	log.Infof("账本快照已恢复: 当日盈亏 $%.2f, 敞口 $%.2f, %d 笔持仓",
		l.dailyPnL, l.currentExposure, len(l.positions))
}
