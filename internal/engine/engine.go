// Package engine 模拟盘控制循环：限流 -> 行情 -> 先出后进 -> 状态播报。
package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/feed"
	"github.com/betbot/paperbot/internal/metrics"
	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/internal/strategies"
	"github.com/betbot/paperbot/pkg/persistence"
	"github.com/betbot/paperbot/pkg/ratelimit"
)

var log = logrus.WithField("module", "engine")

// 周期性播报节奏（以 tick 计）
const (
	riskStatusEvery    = 10
	limiterStatusEvery = 60
)

// Options 控制循环装配件
type Options struct {
	Feed        feed.Source
	Strategies  []strategies.Strategy
	Budget      *ratelimit.Budget
	Breaker     *risk.Breaker
	Ledger      *risk.Ledger
	Controller  *Controller
	LedgerStore persistence.Store // 可为 nil（不落盘）

	TickInterval time.Duration
}

// Engine 单循环驱动器：一次只跑一个 tick，循环内没有并行。
// 账本、持仓表、令牌桶都只由这条循环写。
type Engine struct {
	opts  Options
	ticks int64
}

// New 创建控制循环。LedgerStore 非空时启动前会尝试恢复账本。
func New(opts Options) *Engine {
	e := &Engine{opts: opts}
	if opts.LedgerStore != nil {
		var state risk.State
		if err := opts.LedgerStore.Load(&state); err == nil {
			opts.Ledger.Restore(state)
		} else if err != persistence.ErrNotExists {
			log.Warnf("账本快照加载失败: %v", err)
		}
	}
	return e
}

// Run 阻塞运行控制循环，直到 ctx 取消或熔断器拉闸。
// 关停检查只发生在 tick 边界：进行中的 tick 会先跑完。
func (e *Engine) Run(ctx context.Context) error {
	log.Infof("控制循环启动: %d 个策略, tick=%s", len(e.opts.Strategies), e.opts.TickInterval)

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("控制循环退出")
			return nil
		case <-ticker.C:
		}

		if err := e.opts.Breaker.Allow(); err != nil {
			// 熔断属于致命错误：继续跑会破坏敞口不变量
			log.Errorf("熔断器拉闸，控制循环终止: %v", err)
			return err
		}
		e.tick(ctx)
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.ticks++
	metrics.Ticks.Add(1)

	// 行情拉取先过限流闸门
	if _, err := e.opts.Budget.Acquire(ctx, ratelimit.CategoryMarketData, 1); err != nil {
		return // 只有 ctx 取消会走到这里
	}

	snapshot, err := e.opts.Feed.Fetch(ctx)
	if err != nil {
		metrics.TickErrors.Add(1)
		log.Debugf("行情不可用，跳过本 tick: %v", err)
		e.opts.Breaker.OnError()
		return
	}
	e.opts.Breaker.OnSuccess()

	controller := e.opts.Controller
	controller.ObserveStrike(snapshot)

	// 先出后进：所有持仓的结算/退出必须先于任何新入场
	controller.ProcessOpenPositions(ctx, snapshot)
	e.evaluateEntries(ctx, snapshot)

	e.persistLedger()
	e.reportStatus()
}

// evaluateEntries 逐个策略求值并尝试入场
func (e *Engine) evaluateEntries(ctx context.Context, snapshot *domain.MarketSnapshot) {
	for _, strategy := range e.opts.Strategies {
		signal := safeEvaluate(strategy, snapshot)
		metrics.SignalsEvaluated.Add(1)
		if signal == nil {
			continue
		}

		// 下单动作也要过限流闸门
		if _, err := e.opts.Budget.Acquire(ctx, ratelimit.CategoryClobGeneral, 1); err != nil {
			return
		}
		if ok, reason := e.opts.Controller.TryEnter(signal, snapshot); !ok {
			metrics.EntriesDenied.Add(1)
			log.Debugf("信号被拒: %s %s (%s)", signal.Strategy, signal.Side, reason)
		}
	}
}

// safeEvaluate 策略内部出错一律视为无信号，绝不让单个策略拖垮循环
func safeEvaluate(strategy strategies.Strategy, snapshot *domain.MarketSnapshot) (signal *domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("策略 %s 求值 panic: %v", strategy.ID(), r)
			signal = nil
		}
	}()
	return strategy.Evaluate(snapshot)
}

func (e *Engine) persistLedger() {
	if e.opts.LedgerStore == nil {
		return
	}
	if err := e.opts.LedgerStore.Save(e.opts.Ledger.Snapshot()); err != nil {
		log.Warnf("账本快照保存失败: %v", err)
	}
}

// reportStatus 周期性播报：每 10 tick 发风险报告，每 60 tick 发限流状态
func (e *Engine) reportStatus() {
	if e.ticks%riskStatusEvery == 0 {
		report := e.opts.Ledger.GetReport()
		log.Infof("📊 风险状态: 当日盈亏 $%.2f | 敞口 $%.2f/%.0f (%.1f%%) | 今日 %d 笔 | 回撤 %.2f%% | 持仓 %d",
			report.DailyPnL, report.CurrentExposure, report.ExposureLimit, report.ExposurePct,
			report.TradesToday, report.CurrentDrawdownPct, len(e.opts.Controller.OpenPositions()))
	}
	if e.ticks%limiterStatusEvery == 0 {
		for category, status := range e.opts.Budget.GetStatus() {
			log.Infof("限流状态: %s %.0f/%.0f tokens, throttled=%v",
				category, status.Available, status.Capacity, status.Throttled)
		}
	}
}

// RateStatus 观测面：限流状态
func (e *Engine) RateStatus() map[ratelimit.Category]ratelimit.Status {
	return e.opts.Budget.GetStatus()
}

// RiskReport 观测面：风险报告
func (e *Engine) RiskReport() risk.Report {
	return e.opts.Ledger.GetReport()
}

// OpenPositions 观测面：持仓快照
func (e *Engine) OpenPositions() []domain.Position {
	return e.opts.Controller.OpenPositions()
}
