package feed

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/paperbot/internal/domain"
)

var sqliteLog = logrus.WithField("module", "feed.sqlite")

// SQLiteFeed 从采集器的 SQLite 库读取实时行情。
// 采集器按日期 + AM/PM 分库（btc_hf_2026-08-30_AM.db），价格以
// 万分位整数存储（pips），这里统一换算成 0~1 的小数价。
type SQLiteFeed struct {
	dataDir string
	symbol  string

	mu     sync.Mutex
	dbPath string
	db     *sql.DB
	last   *domain.MarketSnapshot // 读库失败时的最近快照回落
}

// NewSQLiteFeed 创建 SQLite 数据源。dataDir 为采集器数据目录，
// symbol 接受 BTCUSDT / btc 等写法，统一成采集器的小写基础币名。
func NewSQLiteFeed(dataDir, symbol string) *SQLiteFeed {
	symbol = strings.ToLower(strings.TrimSuffix(strings.ToUpper(symbol), "USDT"))
	if symbol == "" {
		symbol = "btc"
	}
	return &SQLiteFeed{dataDir: dataDir, symbol: symbol}
}

// currentDBPath 当前时段对应的库文件路径
func (f *SQLiteFeed) currentDBPath(now time.Time) string {
	period := "AM"
	if now.Hour() >= 12 {
		period = "PM"
	}
	name := fmt.Sprintf("%s_hf_%s_%s.db", f.symbol, now.Format("2006-01-02"), period)
	return filepath.Join(f.dataDir, name)
}

// ensureConn 保证连接指向当前时段的库（AM/PM 切换时重连）
func (f *SQLiteFeed) ensureConn(now time.Time) error {
	path := f.currentDBPath(now)
	if path == f.dbPath && f.db != nil {
		return nil
	}

	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(ErrNoData, "采集库不存在: %s", path)
	}
	if f.db != nil {
		_ = f.db.Close()
		f.db = nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return errors.Wrap(err, "打开采集库失败")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	f.db = db
	f.dbPath = path
	sqliteLog.Infof("已连接采集库: %s", path)
	return nil
}

// Fetch 读取最新一条行情并换算成市场快照。
// 读库失败时回落到最近一次成功的快照（若有）。
func (f *SQLiteFeed) Fetch(ctx context.Context) (*domain.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot, err := f.fetchLocked(ctx)
	if err != nil {
		if f.last != nil {
			sqliteLog.Debugf("读库失败，回落到最近快照: %v", err)
			stale := *f.last
			return &stale, nil
		}
		return nil, err
	}
	f.last = snapshot
	copied := *snapshot
	return &copied, nil
}

func (f *SQLiteFeed) fetchLocked(ctx context.Context) (*domain.MarketSnapshot, error) {
	if err := f.ensureConn(time.Now()); err != nil {
		return nil, err
	}

	row := f.db.QueryRowContext(ctx, `
		SELECT timestamp_ms, bid, ask, mid, spread_bps, bid_depth, ask_depth
		FROM price_updates
		ORDER BY timestamp_ms DESC
		LIMIT 1`)

	var tsMs, bidPips, askPips, midPips int64
	var spreadBps float64
	var bidDepth, askDepth sql.NullFloat64
	if err := row.Scan(&tsMs, &bidPips, &askPips, &midPips, &spreadBps, &bidDepth, &askDepth); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrap(ErrNoData, "采集库为空")
		}
		return nil, errors.Wrap(err, "读取行情失败")
	}

	// VWAP：最近 100 条 mid 的均值
	vwapPips := float64(midPips)
	rows, err := f.db.QueryContext(ctx, `
		SELECT mid FROM price_updates ORDER BY timestamp_ms DESC LIMIT 100`)
	if err == nil {
		defer rows.Close()
		var sum float64
		var count int
		for rows.Next() {
			var mid int64
			if rows.Scan(&mid) == nil {
				sum += float64(mid)
				count++
			}
		}
		if rows.Err() == nil && count > 0 {
			vwapPips = sum / float64(count)
		}
	}

	bid := float64(bidPips) / 10000
	ask := float64(askPips) / 10000

	// 采集库只有一档深度，合成单档订单簿
	var book domain.OrderBookSnapshot
	if bid > 0 && bidDepth.Float64 > 0 {
		book.Bids = []domain.BookLevel{{Price: bid, Size: bidDepth.Float64}}
	}
	if ask > 0 && askDepth.Float64 > 0 {
		book.Asks = []domain.BookLevel{{Price: ask, Size: askDepth.Float64}}
	}

	return &domain.MarketSnapshot{
		Timestamp: time.UnixMilli(tsMs),
		BestBid:   bid,
		BestAsk:   ask,
		Mid:       float64(midPips) / 10000,
		VWAP:      vwapPips / 10000,
		SpreadBps: spreadBps,
		Book:      book,
	}, nil
}

// Close 关闭数据库连接
func (f *SQLiteFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	return err
}
