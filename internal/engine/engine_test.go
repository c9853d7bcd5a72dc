package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/fill"
	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/internal/settle"
	"github.com/betbot/paperbot/internal/strategies"
	"github.com/betbot/paperbot/pkg/persistence"
	"github.com/betbot/paperbot/pkg/ratelimit"
)

type fakeFeed struct {
	snapshot *domain.MarketSnapshot
	err      error
}

func (f *fakeFeed) Fetch(context.Context) (*domain.MarketSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.snapshot
	return &copied, nil
}

type stubStrategy struct {
	id     string
	signal *domain.Signal
}

func (s *stubStrategy) ID() string { return s.id }

func (s *stubStrategy) Evaluate(*domain.MarketSnapshot) *domain.Signal {
	if s.signal == nil {
		return nil
	}
	copied := *s.signal
	return &copied
}

type panicStrategy struct{}

func (panicStrategy) ID() string { return "panicky" }

func (panicStrategy) Evaluate(*domain.MarketSnapshot) *domain.Signal {
	panic("boom")
}

// memStore 内存版 persistence.Store
type memStore struct {
	data []byte
}

func (s *memStore) Save(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.data = raw
	return nil
}

func (s *memStore) Load(data interface{}) error {
	if s.data == nil {
		return persistence.ErrNotExists
	}
	return json.Unmarshal(s.data, data)
}

type engineRig struct {
	engine   *Engine
	feed     *fakeFeed
	resolver *settle.Fake
	sink     *captureSink
	breaker  *risk.Breaker
	now      time.Time
	window   domain.WindowSpec
}

func newEngineRig(t *testing.T, strats []strategies.Strategy, store persistence.Store) *engineRig {
	t.Helper()
	window := domain.WindowSpec{Duration: 5 * time.Minute}
	rig := &engineRig{
		feed:     &fakeFeed{snapshot: snapshotAt(0.38, 0.40)},
		resolver: settle.NewFake(),
		sink:     &captureSink{},
		breaker:  risk.NewBreaker(risk.BreakerConfig{MaxConsecutiveErrors: 2}),
		window:   window,
	}
	rig.now = time.Unix(window.Current(time.Now()), 0).Add(60 * time.Second)

	ledger := risk.NewLedger(risk.DefaultLimits(), 1500)
	controller := NewController(ControllerConfig{
		Window:              window,
		Lockout:             15 * time.Second,
		ConfidenceThreshold: 0.6,
		OrderSize:           50,
		EarlyExitMovePct:    0.10,
	}, fill.NewSimulator(time.Minute), ledger, rig.resolver, rig.sink)
	controller.now = func() time.Time { return rig.now }

	rig.engine = New(Options{
		Feed:         rig.feed,
		Strategies:   strats,
		Budget:       ratelimit.NewBudget(nil),
		Breaker:      rig.breaker,
		Ledger:       ledger,
		Controller:   controller,
		LedgerStore:  store,
		TickInterval: time.Second,
	})
	return rig
}

func TestEngine_TickOpensPosition(t *testing.T) {
	rig := newEngineRig(t, []strategies.Strategy{
		&stubStrategy{id: "momentum", signal: upSignal("momentum", 0.9)},
	}, nil)

	rig.engine.tick(context.Background())

	positions := rig.engine.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "momentum", positions[0].Strategy)
	assert.Equal(t, rig.window.Current(rig.now), positions[0].WindowID)
	assert.Len(t, rig.sink.opens, 1)
}

func TestEngine_PanicStrategyDoesNotAbortTick(t *testing.T) {
	rig := newEngineRig(t, []strategies.Strategy{
		panicStrategy{},
		&stubStrategy{id: "momentum", signal: upSignal("momentum", 0.9)},
	}, nil)

	require.NotPanics(t, func() { rig.engine.tick(context.Background()) })

	positions := rig.engine.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "momentum", positions[0].Strategy)
}

func TestEngine_FeedErrorsTripBreaker(t *testing.T) {
	rig := newEngineRig(t, nil, nil)
	rig.feed.err = fmt.Errorf("connection refused")

	require.NoError(t, rig.breaker.Allow())
	rig.engine.tick(context.Background())
	rig.engine.tick(context.Background())

	assert.ErrorIs(t, rig.breaker.Allow(), risk.ErrBreakerOpen)

	// 恢复后一个成功 tick 即复位
	rig.feed.err = nil
	rig.breaker.Resume()
	rig.engine.tick(context.Background())
	assert.NoError(t, rig.breaker.Allow())
}

func TestEngine_ExitsBeforeEntries(t *testing.T) {
	rig := newEngineRig(t, []strategies.Strategy{
		&stubStrategy{id: "momentum", signal: upSignal("momentum", 0.9)},
	}, nil)

	rig.engine.tick(context.Background())
	require.Len(t, rig.engine.OpenPositions(), 1)
	firstWindow := rig.engine.OpenPositions()[0].WindowID

	// 下一周期的 tick：先结算旧仓，再开新仓
	rig.resolver.SetResult(firstWindow, domain.SettlementResult{Outcome: domain.OutcomeUp, UpPrice: 1})
	rig.now = rig.window.End(firstWindow).Add(time.Second)
	rig.engine.tick(context.Background())

	require.Len(t, rig.sink.closes, 1)
	assert.Equal(t, firstWindow, rig.sink.closes[0].WindowID)

	positions := rig.engine.OpenPositions()
	require.Len(t, positions, 1)
	assert.Greater(t, positions[0].WindowID, firstWindow)

	// sink 的时间线：开仓 W -> 平仓 W -> 开仓 W+1
	require.Len(t, rig.sink.opens, 2)
	assert.Equal(t, firstWindow, rig.sink.opens[0].WindowID)
	assert.Greater(t, rig.sink.opens[1].WindowID, firstWindow)
}

func TestEngine_RestoresLedgerSnapshot(t *testing.T) {
	store := &memStore{}
	seed := risk.NewLedger(risk.DefaultLimits(), 1500)
	seed.RecordTrade("momentum", "w1", string(domain.SideUp), 50, 0.40, 0)
	require.NoError(t, store.Save(seed.Snapshot()))

	rig := newEngineRig(t, nil, store)

	report := rig.engine.RiskReport()
	assert.InDelta(t, 50, report.CurrentExposure, 1e-9)
	assert.Equal(t, 1, report.TradesToday)
}

func TestEngine_PersistsLedgerEachTick(t *testing.T) {
	store := &memStore{}
	rig := newEngineRig(t, []strategies.Strategy{
		&stubStrategy{id: "momentum", signal: upSignal("momentum", 0.9)},
	}, store)

	rig.engine.tick(context.Background())

	var state risk.State
	require.NoError(t, store.Load(&state))
	assert.InDelta(t, 50, state.CurrentExposure, 1e-9)
	assert.Equal(t, 1, state.TradesToday)
}
