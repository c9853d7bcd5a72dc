package domain

import "time"

// BookLevel 订单簿单档（价格为 0~1 之间的概率价，数量为 share 数）
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBookSnapshot 订单簿快照。
// 约定：Bids 按价格降序，Asks 按价格升序；每个 tick 由数据源提供全新副本。
type OrderBookSnapshot struct {
	Bids []BookLevel
	Asks []BookLevel
}

// IsEmpty 两侧都没有挂单
func (b OrderBookSnapshot) IsEmpty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

// BestBid 返回买一价
func (b OrderBookSnapshot) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk 返回卖一价
func (b OrderBookSnapshot) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// TakerLevels 返回吃单方向对应的档位序列：
// 买 up 吃 asks（升序），买 down 吃 bids（降序）。
func (b OrderBookSnapshot) TakerLevels(side Side) []BookLevel {
	if side == SideUp {
		return b.Asks
	}
	return b.Bids
}

// MarketSnapshot 市场快照（数据源每个 tick 提供一份）
type MarketSnapshot struct {
	Timestamp time.Time
	BestBid   float64
	BestAsk   float64
	Mid       float64
	VWAP      float64
	SpreadBps float64
	Volume24h float64
	Book      OrderBookSnapshot
}

// SpreadPct 相对 mid 的价差比例。mid 无效时返回 0。
func (m *MarketSnapshot) SpreadPct() float64 {
	if m == nil || m.Mid <= 0 {
		return 0
	}
	return (m.BestAsk - m.BestBid) / m.Mid
}

// Usable 快照是否可用于决策（必须有正的 mid 价）
func (m *MarketSnapshot) Usable() bool {
	return m != nil && m.Mid > 0
}
