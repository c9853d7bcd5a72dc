// watch 模拟盘观测终端：轮询 bot 的观测 API，实时展示风控、持仓与流水。
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"

	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/pkg/ratelimit"
)

const refreshInterval = 2 * time.Second

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// positionRow /api/positions 的条目（服务端按字段名序列化）
type positionRow struct {
	Strategy   string
	Side       string
	Size       float64
	EntryPrice float64
	WindowID   int64
	OpenedAt   time.Time
}

// tradeRow /api/trades 的条目
type tradeRow struct {
	Strategy   string
	Side       string
	PnLAmount  float64
	PnLPct     float64
	ExitReason string
	ClosedAt   time.Time
}

// summaryPayload /api/summary 的返回（total_pnl 是 decimal 字符串）
type summaryPayload struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL string  `json:"total_pnl"`
}

// statusMsg 一轮轮询拉回的全部数据
type statusMsg struct {
	risk      risk.Report
	positions []positionRow
	trades    []tradeRow
	summary   *summaryPayload
	limiter   map[ratelimit.Category]ratelimit.Status
}

type errMsg struct{ err error }

type tickMsg time.Time

type model struct {
	client  *resty.Client
	baseURL string

	status    *statusMsg
	err       error
	lastFetch time.Time
}

func initialModel(baseURL string) model {
	return model{
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(3 * time.Second),
		baseURL: baseURL,
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd 拉取一轮观测数据。trades/summary 在流水库未启用时会 404，忽略即可。
func fetchCmd(client *resty.Client) tea.Cmd {
	return func() tea.Msg {
		var status statusMsg

		if resp, err := client.R().SetResult(&status.risk).Get("/api/risk"); err != nil {
			return errMsg{err}
		} else if resp.IsError() {
			return errMsg{fmt.Errorf("/api/risk: status=%d", resp.StatusCode())}
		}
		if _, err := client.R().SetResult(&status.positions).Get("/api/positions"); err != nil {
			return errMsg{err}
		}
		if _, err := client.R().SetResult(&status.limiter).Get("/api/ratelimit"); err != nil {
			return errMsg{err}
		}

		var trades []tradeRow
		if resp, err := client.R().SetResult(&trades).Get("/api/trades"); err == nil && !resp.IsError() {
			status.trades = trades
		}
		var summary summaryPayload
		if resp, err := client.R().SetResult(&summary).Get("/api/summary"); err == nil && !resp.IsError() {
			status.summary = &summary
		}
		return status
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.client), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.client)
		}

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.client), tickCmd())

	case statusMsg:
		m.status = &msg
		m.err = nil
		m.lastFetch = time.Now()
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func sideStyled(side string) string {
	if side == "up" {
		return upStyle.Render("UP  ")
	}
	return downStyle.Render("DOWN")
}

func pnlStyled(amount float64) string {
	text := fmt.Sprintf("%+.2f", amount)
	if amount >= 0 {
		return upStyle.Render(text)
	}
	return downStyle.Render(text)
}

func (m model) riskPanel() string {
	report := m.status.risk
	var b strings.Builder
	b.WriteString(titleStyle.Render("风控") + "\n")
	b.WriteString(fmt.Sprintf("资金   $%.2f (峰值 $%.2f)\n", report.CurrentCapital, report.PeakCapital))
	b.WriteString(fmt.Sprintf("当日盈亏 %s\n", pnlStyled(report.DailyPnL)))
	b.WriteString(fmt.Sprintf("敞口   $%.2f / $%.0f (%.1f%%)\n", report.CurrentExposure, report.ExposureLimit, report.ExposurePct))
	b.WriteString(fmt.Sprintf("回撤   %.2f%% (上限 %.0f%%)\n", report.CurrentDrawdownPct, report.MaxDrawdownPct))
	b.WriteString(fmt.Sprintf("今日   %d 笔", report.TradesToday))
	return borderStyle.Render(b.String())
}

func (m model) summaryPanel() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("战绩") + "\n")
	if m.status.summary == nil {
		b.WriteString(dimStyle.Render("流水库未启用"))
	} else {
		s := m.status.summary
		b.WriteString(fmt.Sprintf("总计   %d 笔 (胜 %d)\n", s.Trades, s.Wins))
		b.WriteString(fmt.Sprintf("胜率   %.1f%%\n", s.WinRate*100))
		b.WriteString(fmt.Sprintf("累计盈亏 %s", s.TotalPnL))
	}
	return borderStyle.Render(b.String())
}

func (m model) positionsPanel() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("持仓") + "\n")
	if len(m.status.positions) == 0 {
		b.WriteString(dimStyle.Render("（空仓）"))
	} else {
		for _, p := range m.status.positions {
			held := time.Since(p.OpenedAt).Truncate(time.Second)
			b.WriteString(fmt.Sprintf("%-18s %s $%-7.2f @ %.4f  周期 %d  已持 %s\n",
				p.Strategy, sideStyled(p.Side), p.Size, p.EntryPrice, p.WindowID, held))
		}
	}
	return borderStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m model) tradesPanel() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("最近平仓") + "\n")
	if len(m.status.trades) == 0 {
		b.WriteString(dimStyle.Render("（暂无）"))
	} else {
		shown := m.status.trades
		if len(shown) > 8 {
			shown = shown[:8]
		}
		for _, t := range shown {
			b.WriteString(fmt.Sprintf("%s  %-18s %s %s (%.1f%%)  %s\n",
				t.ClosedAt.Local().Format("15:04:05"), t.Strategy, sideStyled(t.Side),
				pnlStyled(t.PnLAmount), t.PnLPct, t.ExitReason))
		}
	}
	return borderStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m model) limiterLine() string {
	categories := make([]string, 0, len(m.status.limiter))
	for category := range m.status.limiter {
		categories = append(categories, string(category))
	}
	sort.Strings(categories)

	parts := make([]string, 0, len(categories))
	for _, category := range categories {
		status := m.status.limiter[ratelimit.Category(category)]
		text := fmt.Sprintf("%s %.0f/%.0f", category, status.Available, status.Capacity)
		if status.Throttled {
			text = downStyle.Render(text + " throttled")
		}
		parts = append(parts, text)
	}
	return dimStyle.Render("限流: " + strings.Join(parts, "  |  "))
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(" paperbot watch  %s ", m.baseURL)) + "\n\n")

	if m.err != nil {
		b.WriteString(downStyle.Render(fmt.Sprintf("连接失败: %v", m.err)) + "\n")
		b.WriteString(dimStyle.Render("q 退出 | r 重试") + "\n")
		return b.String()
	}
	if m.status == nil {
		b.WriteString(dimStyle.Render("连接中...") + "\n")
		return b.String()
	}

	top := lipgloss.JoinHorizontal(lipgloss.Top, m.riskPanel(), " ", m.summaryPanel())
	b.WriteString(top + "\n")
	b.WriteString(m.positionsPanel() + "\n")
	b.WriteString(m.tradesPanel() + "\n")
	b.WriteString(m.limiterLine() + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("刷新于 %s | q 退出", m.lastFetch.Format("15:04:05"))) + "\n")
	return b.String()
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8900", "bot 观测 API 地址")
	flag.Parse()

	p := tea.NewProgram(initialModel(*baseURL))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch 退出: %v\n", err)
		os.Exit(1)
	}
}
