package settle

import (
	"context"
	"sync"

	"github.com/betbot/paperbot/internal/domain"
)

// Fake 内存结算器，模拟盘和测试用：按窗口预先写入结果。
type Fake struct {
	mu      sync.Mutex
	results map[int64]domain.SettlementResult
	err     error
}

func NewFake() *Fake {
	return &Fake{results: make(map[int64]domain.SettlementResult)}
}

// SetResult 预置某个窗口的结算结果
func (f *Fake) SetResult(windowID int64, result domain.SettlementResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[windowID] = result
}

// SetError 让后续 Resolve 全部返回该错误
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Resolve(_ context.Context, windowID int64) (domain.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.SettlementResult{Outcome: domain.OutcomePending}, f.err
	}
	if result, ok := f.results[windowID]; ok {
		return result, nil
	}
	return domain.SettlementResult{Outcome: domain.OutcomePending}, nil
}
