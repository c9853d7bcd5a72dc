// Package strategies 策略注册表。
// 策略在各自包的 init() 中注册，main 侧 import _ "…/strategies/all" 生效。
package strategies

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/paperbot/internal/domain"
)

// Strategy 信号策略：对一份市场快照求值，可能给出一个方向信号。
// 实现必须只依赖快照和自身私有状态；内部出错返回 nil 即可。
type Strategy interface {
	ID() string
	Evaluate(snapshot *domain.MarketSnapshot) *domain.Signal
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Strategy)
)

// Register 注册策略原型，重复注册直接 panic（编码错误）
func Register(strategy Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()

	id := strategy.ID()
	if _, exists := registry[id]; exists {
		panic(errors.Errorf("strategy %s already registered", id))
	}
	registry[id] = strategy
}

// Load 取出已注册策略并注入配置（JSON 往返，bbgo main 风格：
// 配置字段直接反序列化到策略 struct）。
func Load(id string, config map[string]any) (Strategy, error) {
	registryMu.RLock()
	strategy, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("strategy %s not registered", id)
	}

	if len(config) > 0 {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, errors.Wrapf(err, "策略 %s 配置序列化失败", id)
		}
		if err := json.Unmarshal(raw, strategy); err != nil {
			return nil, errors.Wrapf(err, "策略 %s 配置注入失败", id)
		}
	}
	return strategy, nil
}

// IDs 已注册策略 ID（排序后）
func IDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
