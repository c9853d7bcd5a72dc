package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "ratelimit")

// Category API 端点类别，每个类别一个独立的令牌桶
type Category string

const (
	CategoryClobGeneral Category = "clob_general" // 5000/10s
	CategoryMarketData  Category = "market_data"  // 200/10s（/book、/price）
	CategoryGammaAPI    Category = "gamma_api"    // 750/10s
)

// BucketConfig 单个令牌桶配置
type BucketConfig struct {
	Capacity   float64 // 桶容量（最大令牌数）
	RefillRate float64 // 每秒补充的令牌数
}

// DefaultConfigs 默认限速表（按官方 API 限流）
func DefaultConfigs() map[Category]BucketConfig {
	return map[Category]BucketConfig{
		CategoryClobGeneral: {Capacity: 5000, RefillRate: 500},
		CategoryMarketData:  {Capacity: 200, RefillRate: 20},
		CategoryGammaAPI:    {Capacity: 750, RefillRate: 75},
	}
}

// minSleep 等待令牌时的最小休眠粒度
const minSleep = 10 * time.Millisecond

// TokenBucket 令牌桶（支持小数令牌，按流逝时间连续补充）
type TokenBucket struct {
	capacity   float64
	refillRate float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket 创建新的令牌桶（初始为满）
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	return &TokenBucket{
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		tokens:     cfg.Capacity,
		lastRefill: time.Now(),
	}
}

// refillLocked 按流逝时间补充令牌。补充计算本身幂等单调，
// 但 refill+扣减必须在同一临界区内，避免并发下双花。
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// tryAcquire 尝试一次扣减；不够时返回还需等待的时长。
func (tb *TokenBucket) tryAcquire(n float64) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())
	if tb.tokens >= n {
		tb.tokens -= n
		return 0, true
	}

	// refillRate 为 0 时没有确定的等待时间，按固定粒度重试
	//（等待无上界，调用方通过 ctx 取消来兜底）
	if tb.refillRate <= 0 {
		return time.Second, false
	}
	need := n - tb.tokens
	sleep := time.Duration(need / tb.refillRate * float64(time.Second))
	return max(sleep, minSleep), false
}

// Acquire 获取 n 个令牌，不足时挂起等待，返回实际等待时长。
// 只要 refillRate 为正，Acquire 最终必然成功；取消只能通过 ctx。
func (tb *TokenBucket) Acquire(ctx context.Context, n float64) (time.Duration, error) {
	if n <= 0 {
		return 0, nil
	}

	var waited time.Duration
	for {
		sleep, ok := tb.tryAcquire(n)
		if ok {
			return waited, nil
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += sleep
		}
	}
}

// Available 当前可用令牌数（会先补充）
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}

// Status 单个类别的只读状态（供观测面使用）
type Status struct {
	Available        float64       `json:"available"`
	Capacity         float64       `json:"capacity"`
	RefillRate       float64       `json:"refillRate"`
	BackoffRemaining time.Duration `json:"backoffRemaining"`
	Throttled        bool          `json:"throttled"`
}

// Budget 多类别限速预算：每个类别一个令牌桶 + 429 退避。
// 进程内单例语义由显式注入保证（不再用全局单例）。
type Budget struct {
	buckets map[Category]*TokenBucket

	backoffMu    sync.Mutex
	backoffUntil map[Category]time.Time
}

// NewBudget 按配置表创建限速预算；configs 为 nil 时使用默认表。
// 桶集合创建后不再增删，进程存活期内一直有效。
func NewBudget(configs map[Category]BucketConfig) *Budget {
	if configs == nil {
		configs = DefaultConfigs()
	}
	buckets := make(map[Category]*TokenBucket, len(configs))
	for cat, cfg := range configs {
		buckets[cat] = NewTokenBucket(cfg)
	}
	return &Budget{
		buckets:      buckets,
		backoffUntil: make(map[Category]time.Time),
	}
}

// backoffRemaining 当前退避剩余时长
func (b *Budget) backoffRemaining(category Category, now time.Time) time.Duration {
	b.backoffMu.Lock()
	defer b.backoffMu.Unlock()
	until, ok := b.backoffUntil[category]
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

// Acquire 获取令牌：先等掉生效中的退避，再从对应桶扣减。
// 返回总等待时长。未知类别不做限速（记一条 warn）。
func (b *Budget) Acquire(ctx context.Context, category Category, n float64) (time.Duration, error) {
	bucket, ok := b.buckets[category]
	if !ok {
		log.Warnf("未知限速类别: %s，本次不限速", category)
		return 0, nil
	}

	var waited time.Duration
	for {
		remaining := b.backoffRemaining(category, time.Now())
		if remaining <= 0 {
			break
		}
		log.Warnf("429 退避生效中: category=%s, 等待 %.2fs", category, remaining.Seconds())

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += remaining
		}
	}

	w, err := bucket.Acquire(ctx, n)
	return waited + w, err
}

// HandlePenalty 处理 429：retryAfter > 0 时按服务端指示退避，
// 否则指数退避（1s 起，每次翻倍，上限 60s）。
func (b *Budget) HandlePenalty(category Category, retryAfter time.Duration) {
	b.backoffMu.Lock()
	defer b.backoffMu.Unlock()

	now := time.Now()
	var backoff time.Duration
	if retryAfter > 0 {
		backoff = retryAfter
	} else if until, ok := b.backoffUntil[category]; ok && until.After(now) {
		backoff = min(until.Sub(now)*2, 60*time.Second)
	} else {
		backoff = time.Second
	}

	b.backoffUntil[category] = now.Add(backoff)
	log.Warnf("收到 429: category=%s, 设置退避 %.2fs", category, backoff.Seconds())
}

// GetStatus 返回每个类别的只读状态（无副作用）
func (b *Budget) GetStatus() map[Category]Status {
	now := time.Now()
	status := make(map[Category]Status, len(b.buckets))
	for cat, bucket := range b.buckets {
		remaining := b.backoffRemaining(cat, now)
		status[cat] = Status{
			Available:        bucket.Available(),
			Capacity:         bucket.capacity,
			RefillRate:       bucket.refillRate,
			BackoffRemaining: remaining,
			Throttled:        remaining > 0,
		}
	}
	return status
}
