package feed

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
)

var httpLog = logrus.WithField("module", "feed.http")

// bookResponse CLOB /book 返回的订单簿（价格/数量都是字符串）
type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// HTTPFeed 通过 CLOB REST API 轮询订单簿。
// resty 自带重试与 429 Retry-After 处理；代理走环境变量。
type HTTPFeed struct {
	client  *resty.Client
	tokenID string
	vwap    *rollingMid

	// OnRateLimited 收到 429 时回调一次，参数为服务端给的 Retry-After
	//（没给时为 0）。装配方用它把惩罚退避灌进限流预算。
	OnRateLimited func(retryAfter time.Duration)
}

// NewHTTPFeed 创建 HTTP 数据源。host 为 CLOB API 地址，tokenID 为资产 ID。
func NewHTTPFeed(host, tokenID string) *HTTPFeed {
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &HTTPFeed{
		client:  client,
		tokenID: tokenID,
		vwap:    newRollingMid(100),
	}
}

// Fetch 拉取一次订单簿并换算成市场快照
func (f *HTTPFeed) Fetch(ctx context.Context) (*domain.MarketSnapshot, error) {
	var book bookResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("token_id", f.tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return nil, errors.Wrap(err, "拉取订单簿失败")
	}
	if resp.StatusCode() == 429 {
		retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
		httpLog.Warnf("触发限流 (429), Retry-After=%s", retryAfter)
		if f.OnRateLimited != nil {
			f.OnRateLimited(retryAfter)
		}
		return nil, errors.Errorf("拉取订单簿被限流: retry-after=%s", retryAfter)
	}
	if resp.IsError() {
		return nil, errors.Errorf("拉取订单簿失败: status=%d", resp.StatusCode())
	}

	snapshot := snapshotFromBook(&book, f.vwap)
	if !snapshot.Usable() {
		return nil, errors.Wrap(ErrNoData, "订单簿不可用")
	}
	httpLog.Debugf("订单簿: bid=%.4f ask=%.4f mid=%.4f", snapshot.BestBid, snapshot.BestAsk, snapshot.Mid)
	return snapshot, nil
}

// parseRetryAfter 解析 Retry-After 头（只支持秒数形式），缺失或非法时返回 0
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// snapshotFromBook 把 CLOB 订单簿换算成市场快照（HTTP 与 WS 共用）
func snapshotFromBook(book *bookResponse, vwap *rollingMid) *domain.MarketSnapshot {
	parse := func(levels []bookLevel) []domain.BookLevel {
		out := make([]domain.BookLevel, 0, len(levels))
		for _, lv := range levels {
			price, err1 := strconv.ParseFloat(lv.Price, 64)
			size, err2 := strconv.ParseFloat(lv.Size, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			out = append(out, domain.BookLevel{Price: price, Size: size})
		}
		return out
	}

	// CLOB 返回的档位顺序不保证（bids 常为升序），统一排成
	// bids 降序 / asks 升序再入快照
	bids := parse(book.Bids)
	asks := parse(book.Asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	snapshot := &domain.MarketSnapshot{
		Timestamp: time.Now(),
		Book: domain.OrderBookSnapshot{
			Bids: bids,
			Asks: asks,
		},
	}
	if ts, err := strconv.ParseInt(book.Timestamp, 10, 64); err == nil && ts > 0 {
		snapshot.Timestamp = time.UnixMilli(ts)
	}

	bid, hasBid := snapshot.Book.BestBid()
	ask, hasAsk := snapshot.Book.BestAsk()
	if hasBid {
		snapshot.BestBid = bid
	}
	if hasAsk {
		snapshot.BestAsk = ask
	}
	if hasBid && hasAsk {
		snapshot.Mid = (bid + ask) / 2
		if snapshot.Mid > 0 {
			snapshot.SpreadBps = (ask - bid) / snapshot.Mid * 10000
		}
	}
	if vwap != nil && snapshot.Mid > 0 {
		snapshot.VWAP = vwap.Push(snapshot.Mid)
	}
	return snapshot
}
