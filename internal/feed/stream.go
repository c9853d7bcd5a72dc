package feed

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/pkg/sigchan"
)

var streamLog = logrus.WithField("module", "feed.stream")

// 流数据参数
const (
	streamStaleAfter     = 15 * time.Second // 快照超过该时长视为过期
	streamPingInterval   = 10 * time.Second
	streamReconnectBase  = time.Second
	streamReconnectMax   = 30 * time.Second
	streamHandshakeLimit = 10 * time.Second
)

// marketMessage 市场频道推送（book 全量 / price_change 增量都带全量档位时才更新）
type marketMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Timestamp string      `json:"timestamp"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

// StreamFeed WebSocket 市场数据流：后台维护最新快照，Fetch 零网络开销。
// 断线指数退避重连；快照过期时 Fetch 返回 ErrNoData 让调用方跳过本 tick。
type StreamFeed struct {
	url     string
	assetID string

	latest  atomic.Pointer[domain.MarketSnapshot]
	updated *sigchan.Chan
	vwap    *rollingMid

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStreamFeed 创建 WebSocket 数据源（需调用 Start 后才有数据）
func NewStreamFeed(url, assetID string) *StreamFeed {
	return &StreamFeed{
		url:     url,
		assetID: assetID,
		updated: sigchan.New(1),
		vwap:    newRollingMid(100),
		done:    make(chan struct{}),
	}
}

// Updated 有新快照时收到信号（非阻塞通知，可丢）
func (f *StreamFeed) Updated() <-chan struct{} {
	return f.updated.C()
}

// Start 启动后台连接循环（幂等）
func (f *StreamFeed) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		f.cancel = cancel
		go f.runLoop(runCtx)
	})
}

// Stop 停止后台循环并等待退出
func (f *StreamFeed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

// Fetch 返回最新快照的副本；无数据或数据过期时返回 ErrNoData。
func (f *StreamFeed) Fetch(_ context.Context) (*domain.MarketSnapshot, error) {
	snapshot := f.latest.Load()
	if snapshot == nil {
		return nil, errors.Wrap(ErrNoData, "WS 尚无快照")
	}
	if time.Since(snapshot.Timestamp) > streamStaleAfter {
		return nil, errors.Wrapf(ErrNoData, "WS 快照已过期 (%.0fs)", time.Since(snapshot.Timestamp).Seconds())
	}
	copied := *snapshot
	return &copied, nil
}

// runLoop 连接 -> 读 -> 断线退避重连，直到 ctx 取消
func (f *StreamFeed) runLoop(ctx context.Context) {
	defer close(f.done)

	backoff := streamReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		streamLog.Warnf("WS 连接断开: %v，%.0fs 后重连", err, backoff.Seconds())

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, streamReconnectMax)
	}
}

func (f *StreamFeed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeLimit}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return errors.Wrap(err, "WS 连接失败")
	}
	defer conn.Close()

	// 订阅市场频道
	sub := map[string]any{
		"type":       "market",
		"assets_ids": []string{f.assetID},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "WS 订阅失败")
	}
	streamLog.Infof("WS 已订阅: asset=%s", f.assetID)

	// ctx 取消时强制断开读阻塞
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-stop:
		}
	}()

	// 心跳
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "WS 读取失败")
		}
		f.handleMessage(payload)
	}
}

// handleMessage 解析消息；带档位的事件更新快照。
// 市场频道可能推数组或单个对象，两种都处理。
func (f *StreamFeed) handleMessage(payload []byte) {
	var batch []marketMessage
	if err := json.Unmarshal(payload, &batch); err != nil {
		var single marketMessage
		if err := json.Unmarshal(payload, &single); err != nil {
			streamLog.Debugf("忽略无法解析的消息: %.120s", string(payload))
			return
		}
		batch = []marketMessage{single}
	}

	for i := range batch {
		msg := &batch[i]
		if msg.EventType != "book" {
			continue
		}
		if len(msg.Bids) == 0 && len(msg.Asks) == 0 {
			continue
		}
		snapshot := snapshotFromBook(&bookResponse{
			Market:    msg.Market,
			AssetID:   msg.AssetID,
			Timestamp: msg.Timestamp,
			Bids:      msg.Bids,
			Asks:      msg.Asks,
		}, f.vwap)
		snapshot.Timestamp = time.Now() // 过期判定用本地接收时间
		f.latest.Store(snapshot)
		f.updated.Emit()
	}
}
