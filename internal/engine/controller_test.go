package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/fill"
	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/internal/settle"
)

// captureSink 记录所有开平仓回调
type captureSink struct {
	mu     sync.Mutex
	opens  []*domain.Position
	closes []*domain.ClosedTrade
}

func (s *captureSink) RecordOpen(p *domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, p)
}

func (s *captureSink) RecordClose(t *domain.ClosedTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, t)
}

func (s *captureSink) lastClose() *domain.ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.closes) == 0 {
		return nil
	}
	return s.closes[len(s.closes)-1]
}

// testRig 一套可控时钟的控制器
type testRig struct {
	controller *Controller
	ledger     *risk.Ledger
	resolver   *settle.Fake
	sink       *captureSink
	now        time.Time
	window     domain.WindowSpec
}

func newRig(t *testing.T, orderSize float64) *testRig {
	t.Helper()
	window := domain.WindowSpec{Duration: 5 * time.Minute}
	rig := &testRig{
		ledger:   risk.NewLedger(risk.DefaultLimits(), 1500),
		resolver: settle.NewFake(),
		sink:     &captureSink{},
		window:   window,
	}
	// 固定在周期开始后 60 秒
	rig.now = time.Unix(window.Current(time.Now()), 0).Add(60 * time.Second)

	rig.controller = NewController(ControllerConfig{
		Window:              window,
		Lockout:             15 * time.Second,
		ConfidenceThreshold: 0.6,
		OrderSize:           orderSize,
		EarlyExitMovePct:    0.10,
	}, fill.NewSimulator(time.Minute), rig.ledger, rig.resolver, rig.sink)
	rig.controller.now = func() time.Time { return rig.now }
	return rig
}

// snapshotAt 盘口：买一 bidTop，卖一 askTop，各挂充足深度
func snapshotAt(bidTop, askTop float64) *domain.MarketSnapshot {
	return &domain.MarketSnapshot{
		Timestamp: time.Now(),
		BestBid:   bidTop,
		BestAsk:   askTop,
		Mid:       (bidTop + askTop) / 2,
		Book: domain.OrderBookSnapshot{
			Bids: []domain.BookLevel{{Price: bidTop, Size: 1000}},
			Asks: []domain.BookLevel{{Price: askTop, Size: 1000}},
		},
	}
}

func upSignal(strategy string, confidence float64) *domain.Signal {
	return &domain.Signal{
		Strategy:   strategy,
		Side:       domain.SideUp,
		Confidence: confidence,
		Reason:     "test",
	}
}

func TestController_SettleWin(t *testing.T) {
	// 入场 0.40、名义 0.40（= 1 份），结算 up 胜 → pnl = 1 - 0.40 = 0.60
	rig := newRig(t, 0.40)
	snap := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(snap)

	ok, reason := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	require.True(t, ok, reason)
	require.Len(t, rig.controller.OpenPositions(), 1)
	assert.InDelta(t, 0.40, rig.ledger.Exposure(), 1e-9)

	windowID := rig.controller.OpenPositions()[0].WindowID
	rig.resolver.SetResult(windowID, domain.SettlementResult{
		Outcome: domain.OutcomeUp, UpPrice: 1, DownPrice: 0,
	})
	rig.now = rig.window.End(windowID).Add(time.Second)
	rig.controller.ProcessOpenPositions(context.Background(), snap)

	trade := rig.sink.lastClose()
	require.NotNil(t, trade)
	assert.Equal(t, domain.ExitReasonSettledWin, trade.ExitReason)
	assert.InDelta(t, 0.60, trade.PnLAmount, 1e-9)
	assert.InDelta(t, 1.0, trade.ExitPrice, 1e-9)
	assert.Empty(t, rig.controller.OpenPositions())
	assert.InDelta(t, 0, rig.ledger.Exposure(), 1e-9)
}

func TestController_SettleLoss(t *testing.T) {
	rig := newRig(t, 0.40)
	snap := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(snap)

	ok, _ := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	require.True(t, ok)

	windowID := rig.controller.OpenPositions()[0].WindowID
	rig.resolver.SetResult(windowID, domain.SettlementResult{
		Outcome: domain.OutcomeDown, UpPrice: 0, DownPrice: 1,
	})
	rig.now = rig.window.End(windowID).Add(time.Second)
	rig.controller.ProcessOpenPositions(context.Background(), snap)

	trade := rig.sink.lastClose()
	require.NotNil(t, trade)
	assert.Equal(t, domain.ExitReasonSettledLoss, trade.ExitReason)
	assert.InDelta(t, -0.40, trade.PnLAmount, 1e-9)
	assert.Zero(t, trade.ExitPrice)
	assert.InDelta(t, -100, trade.PnLPct, 1e-9)
}

func TestController_SettleExactlyOnce(t *testing.T) {
	rig := newRig(t, 0.40)
	snap := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(snap)

	ok, _ := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	require.True(t, ok)

	windowID := rig.controller.OpenPositions()[0].WindowID
	rig.resolver.SetResult(windowID, domain.SettlementResult{Outcome: domain.OutcomeUp, UpPrice: 1})
	rig.now = rig.window.End(windowID).Add(time.Second)

	rig.controller.ProcessOpenPositions(context.Background(), snap)
	rig.controller.ProcessOpenPositions(context.Background(), snap)

	assert.Len(t, rig.sink.closes, 1)
}

func TestController_PendingStaysOpen_ThenStale(t *testing.T) {
	rig := newRig(t, 50)
	snap := snapshotAt(0.48, 0.50)
	rig.controller.ObserveStrike(snap)

	// 0.50 是中性占位价，卖一挪到 0.52
	snap = snapshotAt(0.48, 0.52)
	ok, reason := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	require.True(t, ok, reason)

	windowID := rig.controller.OpenPositions()[0].WindowID

	// 刚过期、结果 pending：保持 Open
	rig.now = rig.window.End(windowID).Add(time.Second)
	rig.controller.ProcessOpenPositions(context.Background(), snap)
	require.Len(t, rig.controller.OpenPositions(), 1)

	// 超过一个完整周期仍无结果：强平
	rig.now = rig.window.End(windowID).Add(rig.window.Duration + time.Second)
	rig.controller.ProcessOpenPositions(context.Background(), snap)

	trade := rig.sink.lastClose()
	require.NotNil(t, trade)
	assert.Equal(t, domain.ExitReasonStaleLoss, trade.ExitReason)
	assert.InDelta(t, -50, trade.PnLAmount, 1e-9)
	assert.InDelta(t, -100, trade.PnLPct, 1e-9)
	assert.Zero(t, trade.ExitPrice)
	assert.Empty(t, rig.controller.OpenPositions())
	assert.InDelta(t, 0, rig.ledger.Exposure(), 1e-9)
}

func TestController_AtMostOnePerWindow(t *testing.T) {
	rig := newRig(t, 50)
	snap := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(snap)

	ok, _ := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	require.True(t, ok)

	ok, reason := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	assert.False(t, ok)
	assert.Contains(t, reason, "已有持仓")

	// 其他策略不受影响
	ok, reason = rig.controller.TryEnter(upSignal("spreadbounce", 0.9), snap)
	assert.True(t, ok, reason)
}

func TestController_EntryGates(t *testing.T) {
	rig := newRig(t, 50)
	snap := snapshotAt(0.38, 0.40)

	// 缺少参考价
	ok, reason := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	assert.False(t, ok)
	assert.Contains(t, reason, "参考价")

	rig.controller.ObserveStrike(snap)

	// 信心不足
	ok, reason = rig.controller.TryEnter(upSignal("momentum", 0.5), snap)
	assert.False(t, ok)
	assert.Contains(t, reason, "信心")

	// 收盘前禁入
	windowID := rig.window.Current(rig.now)
	rig.now = rig.window.End(windowID).Add(-10 * time.Second)
	ok, reason = rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	assert.False(t, ok)
	assert.Contains(t, reason, "禁入")
}

func TestController_RejectsNeutralAndExtremeFills(t *testing.T) {
	rig := newRig(t, 50)

	// 卖一恰好 0.5：中性占位价
	snap := snapshotAt(0.48, 0.50)
	rig.controller.ObserveStrike(snap)
	ok, reason := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	assert.False(t, ok)
	assert.Contains(t, reason, "不可用")

	// 空簿：no_book 回落到 0.5，同样不可入场
	empty := &domain.MarketSnapshot{Timestamp: time.Now(), Mid: 0.49, BestBid: 0.48, BestAsk: 0.50}
	rig2 := newRig(t, 50)
	rig2.controller.ObserveStrike(empty)
	ok, _ = rig2.controller.TryEnter(upSignal("momentum", 0.9), empty)
	assert.False(t, ok)
}

func TestController_RiskDenied(t *testing.T) {
	// 名义超过单笔上限 100
	rig := newRig(t, 150)
	snap := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(snap)

	ok, reason := rig.controller.TryEnter(upSignal("momentum", 0.9), snap)
	assert.False(t, ok)
	assert.Contains(t, reason, "单笔上限")
	assert.Empty(t, rig.controller.OpenPositions())
	assert.Zero(t, rig.ledger.Exposure())
}

func TestController_EarlyExitOnMove(t *testing.T) {
	rig := newRig(t, 0.40)
	entry := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(entry)

	ok, _ := rig.controller.TryEnter(upSignal("momentum", 0.9), entry)
	require.True(t, ok)

	// mid 从 0.39 涨到 0.47（> 10% 相对入场价 0.40），提前止盈；
	// 卖出走买一档 0.46
	moved := snapshotAt(0.46, 0.48)
	rig.now = rig.now.Add(time.Minute)
	rig.controller.ProcessOpenPositions(context.Background(), moved)

	trade := rig.sink.lastClose()
	require.NotNil(t, trade)
	assert.Equal(t, domain.ExitReasonEarlyExit, trade.ExitReason)
	assert.InDelta(t, 0.46, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 0.06, trade.PnLAmount, 1e-9) // 1 份 * (0.46 - 0.40)
	assert.Empty(t, rig.controller.OpenPositions())
}

func TestController_EarlyExitFallbackToEntry(t *testing.T) {
	rig := newRig(t, 0.40)
	entry := snapshotAt(0.38, 0.40)
	rig.controller.ObserveStrike(entry)

	ok, _ := rig.controller.TryEnter(upSignal("momentum", 0.9), entry)
	require.True(t, ok)

	// 持仓满一个周期但对手盘已消失：按入场价落袋，pnl≈0
	empty := &domain.MarketSnapshot{Timestamp: time.Now(), Mid: 0.40, BestAsk: 0.41, BestBid: 0.39}
	rig.now = rig.now.Add(rig.window.Duration)
	rig.controller.ProcessOpenPositions(context.Background(), empty)

	trade := rig.sink.lastClose()
	require.NotNil(t, trade)
	assert.Equal(t, domain.ExitReasonEarlyExit, trade.ExitReason)
	assert.InDelta(t, 0.40, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 0, trade.PnLAmount, 1e-9)
}

func TestController_DownSideMirror(t *testing.T) {
	rig := newRig(t, 0.60)
	snap := snapshotAt(0.40, 0.42)
	rig.controller.ObserveStrike(snap)

	signal := &domain.Signal{Strategy: "momentum", Side: domain.SideDown, Confidence: 0.9, Reason: "test"}
	ok, reason := rig.controller.TryEnter(signal, snap)
	require.True(t, ok, reason)

	// down 的入场价是镜像盘价：1 - 买一 0.40 = 0.60
	position := rig.controller.OpenPositions()[0]
	assert.InDelta(t, 0.60, position.EntryPrice, 1e-9)

	windowID := position.WindowID
	rig.resolver.SetResult(windowID, domain.SettlementResult{Outcome: domain.OutcomeDown, DownPrice: 1})
	rig.now = rig.window.End(windowID).Add(time.Second)
	rig.controller.ProcessOpenPositions(context.Background(), snap)

	trade := rig.sink.lastClose()
	require.NotNil(t, trade)
	assert.Equal(t, domain.ExitReasonSettledWin, trade.ExitReason)
	// 1 份 down @ 0.60 获胜 → pnl = 1 - 0.60 = 0.40
	assert.InDelta(t, 0.40, trade.PnLAmount, 1e-9)
}
