package domain

import "time"

// ExitReason 平仓原因
type ExitReason string

const (
	ExitReasonSettledWin  ExitReason = "settled_win"  // 到期结算获胜
	ExitReasonSettledLoss ExitReason = "settled_loss" // 到期结算落败
	ExitReasonEarlyExit   ExitReason = "early_exit"   // 提前平仓
	ExitReasonStaleLoss   ExitReason = "stale_loss"   // 超期强平
)

// ClosedTrade 已平仓交易记录（交给 ReportSink 的输出件）
type ClosedTrade struct {
	TradeID         string
	Strategy        string
	Side            Side
	WindowID        int64
	Size            float64
	EntryPrice      float64
	ExitPrice       float64
	PnLAmount       float64
	PnLPct          float64
	FeesPaid        float64
	DurationSeconds float64
	ExitReason      ExitReason
	OpenedAt        time.Time
	ClosedAt        time.Time
}

// Won 该笔交易是否盈利
func (t *ClosedTrade) Won() bool {
	return t != nil && t.PnLAmount > 0
}

// Outcome 市场结算结果
type Outcome string

const (
	OutcomeUp      Outcome = "up"
	OutcomeDown    Outcome = "down"
	OutcomePending Outcome = "pending" // 已到期但尚未出结果
)

// SettlementResult 结算查询结果
type SettlementResult struct {
	Outcome   Outcome
	UpPrice   float64 // 获胜侧归 1、落败侧归 0
	DownPrice float64
}

// Resolved 结果是否已出
func (r *SettlementResult) Resolved() bool {
	return r != nil && (r.Outcome == OutcomeUp || r.Outcome == OutcomeDown)
}
