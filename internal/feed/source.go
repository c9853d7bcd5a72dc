// Package feed 提供市场数据源：SQLite 采集库、HTTP 轮询、WebSocket 流。
// 控制循环只依赖 Source 接口，不关心数据从哪来。
package feed

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/paperbot/internal/domain"
)

// ErrNoData 数据源暂时没有可用数据（调用方跳过本 tick 即可）
var ErrNoData = errors.New("feed: no market data")

// Source 市场数据源。Fetch 每次返回一份全新的快照副本。
type Source interface {
	Fetch(ctx context.Context) (*domain.MarketSnapshot, error)
}

// rollingMid 最近 N 个 mid 的滑动均值，作为简易 VWAP。
// 采集库自带 VWAP 时不需要它；HTTP/WS 源用它补齐字段。
type rollingMid struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

func newRollingMid(n int) *rollingMid {
	if n <= 0 {
		n = 100
	}
	return &rollingMid{buf: make([]float64, n)}
}

// Push 记录一个 mid 并返回当前均值
func (r *rollingMid) Push(mid float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = mid
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}

	count := r.next
	if r.full {
		count = len(r.buf)
	}
	if count == 0 {
		return mid
	}
	sum := 0.0
	for i := 0; i < count; i++ {
		sum += r.buf[i]
	}
	return sum / float64(count)
}
