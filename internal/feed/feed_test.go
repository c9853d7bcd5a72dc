package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/paperbot/internal/domain"
)

func TestSnapshotFromBook(t *testing.T) {
	// bids 故意给升序，验证归一化
	book := &bookResponse{
		Timestamp: "1700000000000",
		Bids: []bookLevel{
			{Price: "0.48", Size: "100"},
			{Price: "0.50", Size: "50"},
		},
		Asks: []bookLevel{
			{Price: "0.54", Size: "80"},
			{Price: "0.52", Size: "120"},
		},
	}

	snap := snapshotFromBook(book, nil)
	require.NotNil(t, snap)

	assert.InDelta(t, 0.50, snap.BestBid, 1e-9)
	assert.InDelta(t, 0.52, snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.51, snap.Mid, 1e-9)
	assert.InDelta(t, (0.52-0.50)/0.51*10000, snap.SpreadBps, 1e-6)

	// 归一化后 bids 降序 / asks 升序
	require.Len(t, snap.Book.Bids, 2)
	assert.Greater(t, snap.Book.Bids[0].Price, snap.Book.Bids[1].Price)
	require.Len(t, snap.Book.Asks, 2)
	assert.Less(t, snap.Book.Asks[0].Price, snap.Book.Asks[1].Price)

	assert.Equal(t, time.UnixMilli(1700000000000), snap.Timestamp)
}

func TestSnapshotFromBook_BadLevels(t *testing.T) {
	book := &bookResponse{
		Bids: []bookLevel{
			{Price: "abc", Size: "100"}, // 解析失败被跳过
			{Price: "0.40", Size: "10"},
		},
	}
	snap := snapshotFromBook(book, nil)
	require.Len(t, snap.Book.Bids, 1)
	assert.InDelta(t, 0.40, snap.BestBid, 1e-9)
	assert.Zero(t, snap.BestAsk)
}

func TestRollingMid(t *testing.T) {
	r := newRollingMid(3)
	assert.InDelta(t, 0.50, r.Push(0.50), 1e-9)
	assert.InDelta(t, 0.51, r.Push(0.52), 1e-9)
	assert.InDelta(t, 0.52, r.Push(0.54), 1e-9)
	// 缓冲满之后开始覆盖最旧的值
	assert.InDelta(t, (0.52+0.54+0.60)/3, r.Push(0.60), 1e-9)
}

func TestStreamFeed_HandleMessage(t *testing.T) {
	f := NewStreamFeed("ws://unused", "asset-1")

	// 无数据时 Fetch 返回 ErrNoData
	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoData)

	msg := marketMessage{
		EventType: "book",
		AssetID:   "asset-1",
		Bids:      []bookLevel{{Price: "0.49", Size: "100"}},
		Asks:      []bookLevel{{Price: "0.51", Size: "100"}},
	}
	payload, err := json.Marshal([]marketMessage{msg})
	require.NoError(t, err)
	f.handleMessage(payload)

	snap, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.49, snap.BestBid, 1e-9)
	assert.InDelta(t, 0.51, snap.BestAsk, 1e-9)

	// 有更新信号
	select {
	case <-f.Updated():
	default:
		t.Fatal("应收到更新信号")
	}

	// Fetch 返回副本，改动不影响内部状态
	snap.BestBid = 0
	again, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.49, again.BestBid, 1e-9)
}

func TestStreamFeed_HandleMessage_SingleObject(t *testing.T) {
	f := NewStreamFeed("ws://unused", "asset-1")

	payload, err := json.Marshal(marketMessage{
		EventType: "book",
		Bids:      []bookLevel{{Price: "0.30", Size: "10"}},
		Asks:      []bookLevel{{Price: "0.32", Size: "10"}},
	})
	require.NoError(t, err)
	f.handleMessage(payload)

	snap, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.31, snap.Mid, 1e-9)
}

func TestStreamFeed_IgnoresNonBookEvents(t *testing.T) {
	f := NewStreamFeed("ws://unused", "asset-1")

	payload, _ := json.Marshal(marketMessage{EventType: "last_trade_price"})
	f.handleMessage(payload)
	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoData)

	f.handleMessage([]byte("not json"))
	_, err = f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestStreamFeed_StaleSnapshot(t *testing.T) {
	f := NewStreamFeed("ws://unused", "asset-1")

	stale := &domain.MarketSnapshot{
		Timestamp: time.Now().Add(-streamStaleAfter - time.Second),
		BestBid:   0.49,
		BestAsk:   0.51,
	}
	f.latest.Store(stale)

	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestHTTPFeed_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "token-1", r.URL.Query().Get("token_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"market":"m","asset_id":"token-1","timestamp":"0",
			"bids":[{"price":"0.38","size":"100"}],
			"asks":[{"price":"0.40","size":"100"}]}`))
	}))
	defer server.Close()

	feed := NewHTTPFeed(server.URL, "token-1")
	snapshot, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.38, snapshot.BestBid, 1e-9)
	assert.InDelta(t, 0.40, snapshot.BestAsk, 1e-9)
	assert.InDelta(t, 0.39, snapshot.Mid, 1e-9)
}

func TestHTTPFeed_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var penalties []time.Duration
	feed := NewHTTPFeed(server.URL, "token-1")
	feed.OnRateLimited = func(retryAfter time.Duration) {
		penalties = append(penalties, retryAfter)
	}

	_, err := feed.Fetch(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, penalties)
	assert.Equal(t, 7*time.Second, penalties[len(penalties)-1])
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
}
