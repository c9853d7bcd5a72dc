package engine

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/fill"
	"github.com/betbot/paperbot/internal/metrics"
	"github.com/betbot/paperbot/internal/report"
	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/internal/settle"
)

// ControllerConfig 生命周期控制参数
type ControllerConfig struct {
	Window              domain.WindowSpec
	Lockout             time.Duration // 收盘前禁入时长
	ConfidenceThreshold float64       // 信号入场门槛
	OrderSize           float64       // 单笔名义大小（USDC）
	EarlyExitMovePct    float64       // 提前平仓的价格移动阈值（0.10 = 10%）
}

// Controller 仓位生命周期控制器。
// 状态机单向：NoPosition -> Open -> {Settled, StaleLoss}；
// 每个 (策略, 周期) 至多一个仓位；所有终态都经过 RecordTrade(EXIT) 记账。
// 只有控制循环调用写方法，锁只为保护观测面的并发读。
type Controller struct {
	cfg      ControllerConfig
	sim      *fill.Simulator
	ledger   *risk.Ledger
	resolver settle.Resolver
	sink     report.Sink

	mu        sync.Mutex
	positions map[domain.PositionKey]*domain.Position
	strikes   map[int64]float64 // 周期 ID -> 参考价（该周期首个可用 mid）

	now func() time.Time
}

// NewController 创建生命周期控制器
func NewController(cfg ControllerConfig, sim *fill.Simulator, ledger *risk.Ledger,
	resolver settle.Resolver, sink report.Sink) *Controller {
	return &Controller{
		cfg:       cfg,
		sim:       sim,
		ledger:    ledger,
		resolver:  resolver,
		sink:      sink,
		positions: make(map[domain.PositionKey]*domain.Position),
		strikes:   make(map[int64]float64),
		now:       time.Now,
	}
}

// sidePrice 把 up 价换算到 side 自己的价格空间（down 是镜像盘）
func sidePrice(side domain.Side, upPrice float64) float64 {
	if side == domain.SideDown {
		return 1 - upPrice
	}
	return upPrice
}

// ObserveStrike 记录当前周期的参考价：周期内第一个可用 mid 即 strike。
// 顺带清理两个周期之前的旧记录。
func (c *Controller) ObserveStrike(snapshot *domain.MarketSnapshot) {
	if !snapshot.Usable() {
		return
	}
	now := c.now()
	windowID := c.cfg.Window.Current(now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.strikes[windowID]; !ok {
		c.strikes[windowID] = snapshot.Mid
		log.Infof("周期 %d 参考价: %.4f", windowID, snapshot.Mid)
	}
	cutoff := windowID - 2*c.cfg.Window.Seconds()
	for id := range c.strikes {
		if id < cutoff {
			delete(c.strikes, id)
		}
	}
}

// strike 返回某周期的参考价
func (c *Controller) strike(windowID int64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.strikes[windowID]
	return price, ok
}

// ProcessOpenPositions 对所有持仓走一遍退出检查。
// 必须在任何新入场评估之前调用（同一 tick 内先出后进）。
// 检查顺序：超期强平 -> 到期结算 -> 提前平仓。
func (c *Controller) ProcessOpenPositions(ctx context.Context, snapshot *domain.MarketSnapshot) {
	now := c.now()
	for _, position := range c.openPositionsSorted() {
		windowEnd := c.cfg.Window.End(position.WindowID)

		// 超过一个完整周期还没出结果：按最坏情况强平，不让敞口悬着
		if now.After(windowEnd.Add(c.cfg.Window.Duration)) {
			c.closeStale(position)
			continue
		}

		if now.After(windowEnd) {
			result, err := c.resolver.Resolve(ctx, position.WindowID)
			if err != nil {
				log.Warnf("查询结算失败，下个 tick 重试: %v", err)
				continue
			}
			if result.Resolved() {
				c.closeSettled(position, result)
				continue
			}
			// pending：保持 Open，下个 tick 再查
		}

		c.maybeEarlyExit(position, snapshot, now)
	}
}

// closeSettled 到期结算：方向对了赢 (1 - entry)/share，错了本金归零
func (c *Controller) closeSettled(position *domain.Position, result domain.SettlementResult) {
	won := string(position.Side) == string(result.Outcome)
	shares := position.Size / position.EntryPrice

	var trade *domain.ClosedTrade
	if won {
		pnl := shares * (1 - position.EntryPrice)
		trade = c.buildTrade(position, 1.0, pnl, domain.ExitReasonSettledWin)
	} else {
		trade = c.buildTrade(position, 0, -position.Size, domain.ExitReasonSettledLoss)
	}
	c.finalize(position, domain.PositionStateSettled, trade)
	metrics.PositionsSettled.Add(1)
}

// closeStale 超期强平：exit=0，亏掉全部本金
func (c *Controller) closeStale(position *domain.Position) {
	trade := c.buildTrade(position, 0, -position.Size, domain.ExitReasonStaleLoss)
	trade.PnLPct = -100
	c.finalize(position, domain.PositionStateStaleLoss, trade)
	metrics.PositionsStale.Add(1)
	log.Warnf("超期强平: %s 周期 %d, 亏损 $%.2f", position.Strategy, position.WindowID, position.Size)
}

// maybeEarlyExit 持仓满一个周期时长，或价格移动超过阈值时提前平仓
func (c *Controller) maybeEarlyExit(position *domain.Position, snapshot *domain.MarketSnapshot, now time.Time) {
	held := position.HoldDuration(now) >= c.cfg.Window.Duration

	moved := false
	if snapshot.Usable() && position.EntryPrice > 0 {
		current := sidePrice(position.Side, snapshot.Mid)
		movePct := (current - position.EntryPrice) / position.EntryPrice
		moved = movePct >= c.cfg.EarlyExitMovePct || movePct <= -c.cfg.EarlyExitMovePct
	}
	if !held && !moved {
		return
	}

	// 平仓走对手方向的簿；镜像回 side 自己的价格空间
	exitPrice := position.EntryPrice // 平不掉时按入场价落袋（pnl≈0）
	result := c.sim.Simulate(position.Side.Opposite(), position.Size, snapshot.Book)
	if result.Status != fill.StatusNoFill && fill.Usable(result.AvgFillPrice) {
		exitPrice = sidePrice(position.Side, result.AvgFillPrice)
	}

	shares := position.Size / position.EntryPrice
	pnl := shares * (exitPrice - position.EntryPrice)
	trade := c.buildTrade(position, exitPrice, pnl, domain.ExitReasonEarlyExit)
	c.finalize(position, domain.PositionStateSettled, trade)
	metrics.EarlyExits.Add(1)
	log.Infof("提前平仓: %s %s @ %.4f, pnl $%.2f", position.Strategy, position.Side, exitPrice, pnl)
}

func (c *Controller) buildTrade(position *domain.Position, exitPrice, pnl float64, reason domain.ExitReason) *domain.ClosedTrade {
	now := c.now()
	pct := 0.0
	if position.Size > 0 {
		pct = pnl / position.Size * 100
	}
	return &domain.ClosedTrade{
		TradeID:         uuid.NewString(),
		Strategy:        position.Strategy,
		Side:            position.Side,
		WindowID:        position.WindowID,
		Size:            position.Size,
		EntryPrice:      position.EntryPrice,
		ExitPrice:       exitPrice,
		PnLAmount:       pnl,
		PnLPct:          pct,
		DurationSeconds: now.Sub(position.OpenedAt).Seconds(),
		ExitReason:      reason,
		OpenedAt:        position.OpenedAt,
		ClosedAt:        now,
	}
}

// finalize 终态迁移：记账 EXIT、移出持仓表、交给 ReportSink。
// Sink 是 fire-and-forget，这里不关心它的结果。
func (c *Controller) finalize(position *domain.Position, state domain.PositionState, trade *domain.ClosedTrade) {
	c.mu.Lock()
	if position.State != domain.PositionStateOpen {
		// 已经终态，绝不二次迁移
		c.mu.Unlock()
		return
	}
	position.State = state
	delete(c.positions, position.Key())
	c.mu.Unlock()

	c.ledger.RecordTrade(position.Strategy, strconv.FormatInt(position.WindowID, 10),
		risk.TradeSideExit, position.Size, trade.ExitPrice, trade.PnLAmount)
	c.sink.RecordClose(trade)
}

// TryEnter 评估一个信号能否入场，通过所有闸门后开仓。
// 返回 false 时带拒绝原因（只用于日志，不是错误）。
func (c *Controller) TryEnter(signal *domain.Signal, snapshot *domain.MarketSnapshot) (bool, string) {
	if signal == nil {
		return false, "无信号"
	}
	if err := signal.Validate(); err != nil {
		return false, err.Error()
	}
	if signal.Confidence < c.cfg.ConfidenceThreshold {
		return false, "信心不足"
	}

	now := c.now()
	windowID := c.cfg.Window.Current(now)

	// 每个 (策略, 周期) 至多一个仓位
	key := domain.PositionKey{Strategy: signal.Strategy, WindowID: windowID}
	c.mu.Lock()
	_, exists := c.positions[key]
	c.mu.Unlock()
	if exists {
		return false, "本周期已有持仓"
	}

	if c.cfg.Window.InLockout(now, c.cfg.Lockout) {
		return false, "临近收盘禁入"
	}

	strike, ok := c.strike(windowID)
	if !ok || strike <= 0 {
		return false, "缺少参考价"
	}

	capital := c.ledger.CurrentCapital()
	if ok, reason := c.ledger.CheckStrategyLimits(signal.Strategy, capital); !ok {
		return false, reason
	}
	if ok, reason := c.ledger.CheckOrderAllowed(signal.Strategy, c.cfg.OrderSize, snapshot.SpreadPct(), capital); !ok {
		return false, reason
	}

	result := c.sim.Simulate(signal.Side, c.cfg.OrderSize, snapshot.Book)
	if result.Status == fill.StatusHighSlippage || result.Status == fill.StatusNoFill {
		return false, "成交质量不合格: " + string(result.Status)
	}
	if !fill.Usable(result.AvgFillPrice) {
		return false, "成交价不可用"
	}
	entryPrice := sidePrice(signal.Side, result.AvgFillPrice)

	position := &domain.Position{
		ID:               uuid.NewString(),
		Strategy:         signal.Strategy,
		Side:             signal.Side,
		Size:             c.cfg.OrderSize,
		EntryPrice:       entryPrice,
		EntrySlippageBps: result.SlippageBps,
		WindowID:         windowID,
		ReferencePrice:   strike,
		OpenedAt:         now,
		State:            domain.PositionStateOpen,
	}

	c.mu.Lock()
	c.positions[key] = position
	c.mu.Unlock()

	c.ledger.RecordTrade(signal.Strategy, strconv.FormatInt(windowID, 10),
		string(signal.Side), position.Size, entryPrice, 0)
	c.sink.RecordOpen(position)
	metrics.EntriesOpened.Add(1)

	log.Infof("开仓: %s %s $%.2f @ %.4f (滑点 %.1fbps, 周期 %d, %s)",
		signal.Strategy, signal.Side, position.Size, entryPrice,
		result.SlippageBps, windowID, signal.Reason)
	return true, "OK"
}

// HasPosition 某策略在当前周期是否已有持仓
func (c *Controller) HasPosition(strategy string, windowID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.positions[domain.PositionKey{Strategy: strategy, WindowID: windowID}]
	return ok
}

// OpenPositions 持仓快照（副本）
func (c *Controller) OpenPositions() []domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// openPositionsSorted 遍历用的稳定顺序指针列表
func (c *Controller) openPositionsSorted() []*domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowID != out[j].WindowID {
			return out[i].WindowID < out[j].WindowID
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}
