// Package report 交易流水落盘。
// Sink 是 fire-and-forget：任何落盘失败只记日志，绝不反向打断控制循环。
package report

import (
	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
)

var log = logrus.WithField("module", "report")

// Sink 交易流水接收方
type Sink interface {
	RecordOpen(position *domain.Position)
	RecordClose(trade *domain.ClosedTrade)
}

// LogSink 只打日志的 Sink，开发模式和测试用
type LogSink struct{}

func (LogSink) RecordOpen(position *domain.Position) {
	log.Infof("开仓: %s %s size=%.2f @ %.4f window=%d",
		position.Strategy, position.Side, position.Size, position.EntryPrice, position.WindowID)
}

func (LogSink) RecordClose(trade *domain.ClosedTrade) {
	log.Infof("平仓: %s %s pnl=%.2f (%.1f%%) reason=%s",
		trade.Strategy, trade.Side, trade.PnLAmount, trade.PnLPct, trade.ExitReason)
}

// MultiSink 按顺序分发到多个 Sink
type MultiSink []Sink

func (m MultiSink) RecordOpen(position *domain.Position) {
	for _, sink := range m {
		sink.RecordOpen(position)
	}
}

func (m MultiSink) RecordClose(trade *domain.ClosedTrade) {
	for _, sink := range m {
		sink.RecordClose(trade)
	}
}
