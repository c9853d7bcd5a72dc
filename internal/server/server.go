// Package server 只读观测 API：限流状态、风控报告、持仓与流水。
// 不提供任何写操作，挂掉也不影响控制循环。
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/report"
	"github.com/betbot/paperbot/internal/risk"
	"github.com/betbot/paperbot/pkg/ratelimit"
)

var log = logrus.WithField("module", "server")

// StatusProvider 控制循环暴露给观测面的只读视图
type StatusProvider interface {
	RateStatus() map[ratelimit.Category]ratelimit.Status
	RiskReport() risk.Report
	OpenPositions() []domain.Position
}

// Server 观测 API
type Server struct {
	provider StatusProvider
	journal  *report.Journal // 可为 nil（未启用流水库）
	srv      *http.Server
}

func New(provider StatusProvider, journal *report.Journal) *Server {
	return &Server{provider: provider, journal: journal}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/ratelimit", s.handleRateStatus)
	api.GET("/risk", s.handleRiskReport)
	api.GET("/positions", s.handlePositions)
	api.GET("/trades", s.handleTrades)
	api.GET("/summary", s.handleSummary)

	return r
}

func (s *Server) handleRateStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.RateStatus())
}

func (s *Server) handleRiskReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.RiskReport())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.provider.OpenPositions()
	if positions == nil {
		positions = []domain.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	trades, err := s.journal.RecentTrades(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleSummary(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	summary, err := s.journal.GetSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades":    summary.Trades,
		"wins":      summary.Wins,
		"win_rate":  summary.WinRate(),
		"total_pnl": summary.TotalPnL,
	})
}

// Start 非阻塞启动；ctx.Done() 时优雅关闭
func (s *Server) Start(ctx context.Context, listenAddr string) error {
	s.srv = &http.Server{Addr: listenAddr, Handler: s.Router()}

	go func() {
		log.Infof("观测 API 启动: %s", listenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("观测 API 退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	return nil
}
