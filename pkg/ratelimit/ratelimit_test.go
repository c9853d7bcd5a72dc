package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireImmediateWhenTokensSufficient(t *testing.T) {
	tb := NewTokenBucket(BucketConfig{Capacity: 200, RefillRate: 20})

	waited, err := tb.Acquire(context.Background(), 150)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), waited)

	// 150 已扣掉，剩余约 50（允许补充带来的微小误差）
	assert.InDelta(t, 50, tb.Available(), 1)
}

func TestAcquireWaitComputation(t *testing.T) {
	// capacity=200, refill=20/s，先拿走 150，
	// 紧接着要 100 时应等待 (100-50)/20 = 2.5s
	tb := NewTokenBucket(BucketConfig{Capacity: 200, RefillRate: 20})
	_, err := tb.Acquire(context.Background(), 150)
	require.NoError(t, err)

	sleep, ok := tb.tryAcquire(100)
	require.False(t, ok)
	assert.InDelta(t, 2.5, sleep.Seconds(), 0.05)
}

func TestAcquireBlocksUntilRefilled(t *testing.T) {
	// 用高补充速率把真实等待压到毫秒级
	tb := NewTokenBucket(BucketConfig{Capacity: 10, RefillRate: 1000})
	_, err := tb.Acquire(context.Background(), 10)
	require.NoError(t, err)

	start := time.Now()
	waited, err := tb.Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Millisecond)
}

func TestTokenConservation(t *testing.T) {
	// 任意扣减序列下 0 <= available <= capacity 恒成立
	const capacity = 100.0
	tb := NewTokenBucket(BucketConfig{Capacity: capacity, RefillRate: 5000})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		n := rng.Float64() * 30
		_, err := tb.Acquire(context.Background(), n)
		require.NoError(t, err)

		avail := tb.Available()
		require.GreaterOrEqual(t, avail, 0.0, "第 %d 次扣减后令牌为负", i)
		require.LessOrEqual(t, avail, capacity, "第 %d 次扣减后令牌超容量", i)
	}
}

func TestAcquireZeroOrNegative(t *testing.T) {
	tb := NewTokenBucket(BucketConfig{Capacity: 10, RefillRate: 1})
	waited, err := tb.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), waited)
	assert.InDelta(t, 10, tb.Available(), 0.01)
}

func TestAcquireContextCancel(t *testing.T) {
	// refillRate=0 会无限等待，只能靠 ctx 退出
	tb := NewTokenBucket(BucketConfig{Capacity: 1, RefillRate: 0})
	_, err := tb.Acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = tb.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBudgetUnknownCategory(t *testing.T) {
	b := NewBudget(nil)
	waited, err := b.Acquire(context.Background(), Category("nope"), 1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), waited)
}

func TestHandlePenaltyExponentialBackoff(t *testing.T) {
	b := NewBudget(nil)

	b.HandlePenalty(CategoryMarketData, 0)
	r1 := b.backoffRemaining(CategoryMarketData, time.Now())
	assert.InDelta(t, 1.0, r1.Seconds(), 0.1)

	b.HandlePenalty(CategoryMarketData, 0)
	r2 := b.backoffRemaining(CategoryMarketData, time.Now())
	assert.InDelta(t, 2.0, r2.Seconds(), 0.2)

	// 连续触发应封顶在 60s
	for i := 0; i < 10; i++ {
		b.HandlePenalty(CategoryMarketData, 0)
	}
	rMax := b.backoffRemaining(CategoryMarketData, time.Now())
	assert.LessOrEqual(t, rMax, 60*time.Second)
}

func TestHandlePenaltyRetryAfter(t *testing.T) {
	b := NewBudget(nil)
	b.HandlePenalty(CategoryGammaAPI, 5*time.Second)
	r := b.backoffRemaining(CategoryGammaAPI, time.Now())
	assert.InDelta(t, 5.0, r.Seconds(), 0.1)
}

func TestBudgetAcquireWaitsOutBackoff(t *testing.T) {
	b := NewBudget(map[Category]BucketConfig{
		CategoryMarketData: {Capacity: 10, RefillRate: 10},
	})
	b.HandlePenalty(CategoryMarketData, 50*time.Millisecond)

	start := time.Now()
	waited, err := b.Acquire(context.Background(), CategoryMarketData, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Greater(t, waited, time.Duration(0))
}

func TestGetStatus(t *testing.T) {
	b := NewBudget(nil)
	_, err := b.Acquire(context.Background(), CategoryMarketData, 10)
	require.NoError(t, err)
	b.HandlePenalty(CategoryGammaAPI, 3*time.Second)

	status := b.GetStatus()
	require.Len(t, status, 3)

	md := status[CategoryMarketData]
	assert.Equal(t, 200.0, md.Capacity)
	assert.Equal(t, 20.0, md.RefillRate)
	assert.InDelta(t, 190, md.Available, 1)
	assert.False(t, md.Throttled)

	gamma := status[CategoryGammaAPI]
	assert.True(t, gamma.Throttled)
	assert.Greater(t, gamma.BackoffRemaining, time.Duration(0))
}
