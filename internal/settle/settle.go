// Package settle 查询市场窗口的结算结果。
// 控制循环只关心 Outcome：up / down / pending。
package settle

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/pkg/cache"
	"github.com/betbot/paperbot/pkg/ratelimit"
)

var log = logrus.WithField("module", "settle")

// Resolver 结算查询接口。pending 不是错误：返回未解析的结果即可。
type Resolver interface {
	Resolve(ctx context.Context, windowID int64) (domain.SettlementResult, error)
}

// SlugFunc 把窗口 ID 换算成 gamma API 的市场 slug
type SlugFunc func(windowID int64) string

// gammaMarket gamma /markets 返回的字段（只取结算相关的）
type gammaMarket struct {
	ID            string `json:"id"`
	Slug          string `json:"slug"`
	Closed        *bool  `json:"closed"`
	Outcomes      string `json:"outcomes"`      // JSON 数组字符串，如 "[\"Up\",\"Down\"]"
	OutcomePrices string `json:"outcomePrices"` // 同上，如 "[\"1\",\"0\"]"
}

// GammaResolver 通过 gamma API 查询已关闭市场的结算价。
// 已解析的结果按窗口缓存，避免重复打 API。
type GammaResolver struct {
	client  *resty.Client
	slugFor SlugFunc
	budget  *ratelimit.Budget
	cache   *cache.TTLCache[int64, domain.SettlementResult]
}

// NewGammaResolver 创建结算查询器。host 为 gamma API 地址，
// budget 不为 nil 时每次实际请求前先过 gamma_api 限流桶。
func NewGammaResolver(host string, slugFor SlugFunc, budget *ratelimit.Budget) *GammaResolver {
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &GammaResolver{
		client:  client,
		slugFor: slugFor,
		budget:  budget,
		cache:   cache.New[int64, domain.SettlementResult](24 * time.Hour),
	}
}

// Resolve 查询窗口结算结果。市场未关闭时返回 pending。
func (r *GammaResolver) Resolve(ctx context.Context, windowID int64) (domain.SettlementResult, error) {
	if cached, ok := r.cache.Get(windowID); ok {
		return cached, nil
	}

	pending := domain.SettlementResult{Outcome: domain.OutcomePending}

	if r.budget != nil {
		if _, err := r.budget.Acquire(ctx, ratelimit.CategoryGammaAPI, 1); err != nil {
			return pending, err
		}
	}

	var markets []gammaMarket
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("slug", r.slugFor(windowID)).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return pending, errors.Wrap(err, "查询结算失败")
	}
	if resp.IsError() {
		return pending, errors.Errorf("查询结算失败: status=%d", resp.StatusCode())
	}
	if len(markets) == 0 {
		return pending, nil
	}

	market := &markets[0]
	if market.Closed == nil || !*market.Closed {
		return pending, nil
	}

	result, err := resultFromMarket(market)
	if err != nil {
		return pending, err
	}
	if result.Resolved() {
		r.cache.Set(windowID, result)
		log.Infof("窗口 %d 已结算: %s (up=%.2f down=%.2f)",
			windowID, result.Outcome, result.UpPrice, result.DownPrice)
	}
	return result, nil
}

// resultFromMarket 解析 outcomePrices。价格打到 0.99 以上才算出结果，
// 关闭但价格没收敛的窗口仍当 pending。
func resultFromMarket(market *gammaMarket) (domain.SettlementResult, error) {
	pending := domain.SettlementResult{Outcome: domain.OutcomePending}

	var prices []string
	if err := json.Unmarshal([]byte(market.OutcomePrices), &prices); err != nil {
		return pending, errors.Wrapf(err, "结算价格解析失败: %q", market.OutcomePrices)
	}
	if len(prices) < 2 {
		return pending, errors.Errorf("结算价格数量异常: %q", market.OutcomePrices)
	}

	up, err1 := strconv.ParseFloat(prices[0], 64)
	down, err2 := strconv.ParseFloat(prices[1], 64)
	if err1 != nil || err2 != nil {
		return pending, errors.Errorf("结算价格解析失败: %q", market.OutcomePrices)
	}

	result := domain.SettlementResult{Outcome: domain.OutcomePending, UpPrice: up, DownPrice: down}
	switch {
	case up >= 0.99:
		result.Outcome = domain.OutcomeUp
	case down >= 0.99:
		result.Outcome = domain.OutcomeDown
	}
	return result, nil
}
