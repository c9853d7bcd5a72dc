package syncgroup

import "sync"

// SyncGroup sync.WaitGroup 的包装：Go() 自动配对 Add/Done，
// 避免手写遗漏 Done() 导致 Wait 卡死。
type SyncGroup struct {
	wg sync.WaitGroup
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Go 启动一个受管 goroutine
func (g *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
