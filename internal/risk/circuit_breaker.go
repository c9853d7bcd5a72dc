package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrBreakerOpen 表示断路器已打开，控制循环应当停止。
var ErrBreakerOpen = fmt.Errorf("circuit breaker open")

// BreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type BreakerConfig struct {
	// MaxConsecutiveErrors 连续致命错误上限（账本/限速器状态读写失败等）。
	// 达到后熔断：继续跑下去会破坏敞口不变量。
	MaxConsecutiveErrors int64
}

// Breaker 控制循环的熔断开关。高频快路径全部用原子变量。
type Breaker struct {
	halted            atomic.Bool
	consecutiveErrors atomic.Int64

	maxConsecutiveErrors atomic.Int64
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{}
	b.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	return b
}

// Halt 手动熔断（人工介入或检测到严重异常）。
func (b *Breaker) Halt() {
	if b == nil {
		return
	}
	b.halted.Store(true)
}

// Resume 手动恢复（同时清空连续错误计数）。
func (b *Breaker) Resume() {
	if b == nil {
		return
	}
	b.halted.Store(false)
	b.consecutiveErrors.Store(0)
}

// Allow 快路径检查是否允许继续执行 tick。
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	if b.halted.Load() {
		return ErrBreakerOpen
	}
	maxErr := b.maxConsecutiveErrors.Load()
	if maxErr > 0 && b.consecutiveErrors.Load() >= maxErr {
		b.halted.Store(true)
		return ErrBreakerOpen
	}
	return nil
}

// OnSuccess 一次 tick 正常完成后调用，清空连续错误计数。
func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	b.consecutiveErrors.Store(0)
}

// OnError 一次致命错误后调用，累计连续错误计数。
func (b *Breaker) OnError() {
	if b == nil {
		return
	}
	b.consecutiveErrors.Add(1)
}
