package report

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/paperbot/internal/domain"

	_ "modernc.org/sqlite"
)

const journalTimeout = 5 * time.Second

// Journal SQLite 交易流水。金额列统一存 decimal 字符串，
// 避免 REAL 累计误差影响对账。
type Journal struct {
	db *sql.DB
}

// OpenJournal 打开（必要时创建）流水库
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开流水库失败")
	}
	// modernc sqlite 单连接写入最稳
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS position_opens (
  position_id TEXT PRIMARY KEY,
  strategy TEXT NOT NULL,
  side TEXT NOT NULL,
  window_id INTEGER NOT NULL,
  size TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  entry_slippage_bps REAL NOT NULL,
  reference_price TEXT NOT NULL,
  opened_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  trade_id TEXT PRIMARY KEY,
  strategy TEXT NOT NULL,
  side TEXT NOT NULL,
  window_id INTEGER NOT NULL,
  size TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  exit_price TEXT NOT NULL,
  pnl_amount TEXT NOT NULL,
  pnl_pct REAL NOT NULL,
  fees_paid TEXT NOT NULL,
  duration_seconds REAL NOT NULL,
  exit_reason TEXT NOT NULL,
  opened_at TEXT NOT NULL,
  closed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "流水库建表失败")
		}
	}
	return nil
}

func money(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// RecordOpen 落盘一条开仓记录；失败只记日志
func (j *Journal) RecordOpen(position *domain.Position) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO position_opens
  (position_id, strategy, side, window_id, size, entry_price, entry_slippage_bps, reference_price, opened_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, position.ID, position.Strategy, string(position.Side), position.WindowID,
		money(position.Size), money(position.EntryPrice), position.EntrySlippageBps,
		money(position.ReferencePrice), position.OpenedAt.Format(time.RFC3339Nano))
	if err != nil {
		log.Errorf("开仓记录落盘失败: %v", err)
	}
}

// RecordClose 落盘一条平仓记录；失败只记日志
func (j *Journal) RecordClose(trade *domain.ClosedTrade) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO trades
  (trade_id, strategy, side, window_id, size, entry_price, exit_price,
   pnl_amount, pnl_pct, fees_paid, duration_seconds, exit_reason, opened_at, closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, trade.TradeID, trade.Strategy, string(trade.Side), trade.WindowID,
		money(trade.Size), money(trade.EntryPrice), money(trade.ExitPrice),
		money(trade.PnLAmount), trade.PnLPct, money(trade.FeesPaid),
		trade.DurationSeconds, string(trade.ExitReason),
		trade.OpenedAt.Format(time.RFC3339Nano), trade.ClosedAt.Format(time.RFC3339Nano))
	if err != nil {
		log.Errorf("平仓记录落盘失败: %v", err)
	}
}

// Summary 汇总统计
type Summary struct {
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// WinRate 胜率（无交易时为 0）
func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// GetSummary 汇总全部已平仓交易
func (j *Journal) GetSummary(ctx context.Context) (Summary, error) {
	var out Summary

	rows, err := j.db.QueryContext(ctx, `SELECT pnl_amount FROM trades`)
	if err != nil {
		return out, errors.Wrap(err, "查询流水失败")
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return out, errors.Wrap(err, "读取流水失败")
		}
		pnl, err := decimal.NewFromString(raw)
		if err != nil {
			return out, errors.Wrapf(err, "流水金额非法: %q", raw)
		}
		out.Trades++
		if pnl.IsPositive() {
			out.Wins++
		}
		out.TotalPnL = out.TotalPnL.Add(pnl)
	}
	return out, rows.Err()
}

// RecentTrades 最近 limit 条平仓记录（新的在前）
func (j *Journal) RecentTrades(ctx context.Context, limit int) ([]domain.ClosedTrade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT trade_id, strategy, side, window_id, size, entry_price, exit_price,
       pnl_amount, pnl_pct, fees_paid, duration_seconds, exit_reason, opened_at, closed_at
FROM trades
ORDER BY closed_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "查询流水失败")
	}
	defer rows.Close()

	var out []domain.ClosedTrade
	for rows.Next() {
		var (
			t                                              domain.ClosedTrade
			side, reason                                   string
			size, entry, exit, pnl, fees, openedAt, closed string
		)
		if err := rows.Scan(&t.TradeID, &t.Strategy, &side, &t.WindowID,
			&size, &entry, &exit, &pnl, &t.PnLPct, &fees,
			&t.DurationSeconds, &reason, &openedAt, &closed); err != nil {
			return nil, errors.Wrap(err, "读取流水失败")
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.Size = parseMoney(size)
		t.EntryPrice = parseMoney(entry)
		t.ExitPrice = parseMoney(exit)
		t.PnLAmount = parseMoney(pnl)
		t.FeesPaid = parseMoney(fees)
		t.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		t.ClosedAt, _ = time.Parse(time.RFC3339Nano, closed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func parseMoney(raw string) float64 {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Close 关闭流水库
func (j *Journal) Close() error {
	return j.db.Close()
}
