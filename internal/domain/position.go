package domain

import (
	"time"
)

// PositionState 仓位状态。
// 状态机单向：open -> settled / stale_loss，终态无出边。
type PositionState string

const (
	PositionStateOpen      PositionState = "open"       // 持仓中
	PositionStateSettled   PositionState = "settled"    // 已结算（含提前平仓）
	PositionStateStaleLoss PositionState = "stale_loss" // 超期未结算，按最坏情况强平
)

// IsTerminal 是否为终态
func (s PositionState) IsTerminal() bool {
	return s == PositionStateSettled || s == PositionStateStaleLoss
}

// Position 仓位领域模型。
// 归属权：只有生命周期控制器持有并修改仓位；到达终态后从 open 表移除。
type Position struct {
	ID               string        // 仓位 ID（uuid）
	Strategy         string        // 所属策略
	Side             Side          // 方向
	Size             float64       // 仓位名义大小（USDC）
	EntryPrice       float64       // 入场成交均价
	EntrySlippageBps float64       // 入场滑点（bps）
	WindowID         int64         // 所属市场周期 ID
	ReferencePrice   float64       // 参考价/strike（结算基准）
	OpenedAt         time.Time     // 开仓时间
	State            PositionState // 当前状态
}

// IsOpen 是否仍在持仓
func (p *Position) IsOpen() bool {
	return p != nil && p.State == PositionStateOpen
}

// HoldDuration 已持仓时长
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if p == nil {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

// PositionKey 开仓表的主键：每个 (策略, 周期) 至多一个仓位。
type PositionKey struct {
	Strategy string
	WindowID int64
}

// Key 返回仓位在 open 表中的键
func (p *Position) Key() PositionKey {
	return PositionKey{Strategy: p.Strategy, WindowID: p.WindowID}
}
