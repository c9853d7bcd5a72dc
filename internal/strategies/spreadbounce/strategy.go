// Package spreadbounce 价差回归策略：mid 偏离 VWAP 且价差健康时做回归。
package spreadbounce

import (
	"fmt"
	"math"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/strategies"
)

const ID = "spreadbounce"

func init() {
	strategies.Register(&Strategy{})
}

type Strategy struct {
	MinDeviationBps float64 `yaml:"min_deviation_bps" json:"min_deviation_bps"` // 默认 60bps
	MaxSpreadBps    float64 `yaml:"max_spread_bps" json:"max_spread_bps"`       // 默认 200bps
}

func (s *Strategy) ID() string { return ID }

func (s *Strategy) minDeviationBps() float64 {
	if s.MinDeviationBps > 0 {
		return s.MinDeviationBps
	}
	return 60
}

func (s *Strategy) maxSpreadBps() float64 {
	if s.MaxSpreadBps > 0 {
		return s.MaxSpreadBps
	}
	return 200
}

// Evaluate mid 相对 VWAP 偏离超阈值且盘口价差不失真时，往 VWAP 方向回归
func (s *Strategy) Evaluate(snapshot *domain.MarketSnapshot) *domain.Signal {
	if snapshot == nil || !snapshot.Usable() || snapshot.VWAP <= 0 {
		return nil
	}
	// 盘口太宽说明流动性差，回归信号不可信
	if snapshot.SpreadBps > s.maxSpreadBps() {
		return nil
	}

	deviationBps := (snapshot.Mid - snapshot.VWAP) / snapshot.VWAP * 10000
	if math.Abs(deviationBps) < s.minDeviationBps() {
		return nil
	}

	// 高于 VWAP 做 down 回归，低于做 up
	side := domain.SideDown
	if deviationBps < 0 {
		side = domain.SideUp
	}
	confidence := min(math.Abs(deviationBps)/(2*s.minDeviationBps()), 1.0)

	return &domain.Signal{
		Strategy:   ID,
		Side:       side,
		Confidence: confidence,
		Reason:     fmt.Sprintf("mid %.0fbps off vwap", deviationBps),
		Metadata: map[string]string{
			"deviation_bps": fmt.Sprintf("%.1f", deviationBps),
			"vwap":          fmt.Sprintf("%.4f", snapshot.VWAP),
		},
	}
}
