// Package contrarianextreme 极值反转策略：价格被打到极端区间时反向做回归。
package contrarianextreme

import (
	"fmt"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/strategies"
)

const ID = "contrarianextreme"

func init() {
	strategies.Register(&Strategy{})
}

type Strategy struct {
	ExtremeHigh float64 `yaml:"extreme_high" json:"extreme_high"` // 默认 0.88
	ExtremeLow  float64 `yaml:"extreme_low" json:"extreme_low"`   // 默认 0.12
}

func (s *Strategy) ID() string { return ID }

func (s *Strategy) extremeHigh() float64 {
	if s.ExtremeHigh > 0 {
		return s.ExtremeHigh
	}
	return 0.88
}

func (s *Strategy) extremeLow() float64 {
	if s.ExtremeLow > 0 {
		return s.ExtremeLow
	}
	return 0.12
}

// Evaluate mid 越过极值线时反向开仓；离 0/1 越近信心越高
func (s *Strategy) Evaluate(snapshot *domain.MarketSnapshot) *domain.Signal {
	if snapshot == nil || !snapshot.Usable() {
		return nil
	}

	mid := snapshot.Mid
	var side domain.Side
	var confidence float64

	switch {
	case mid >= s.extremeHigh():
		side = domain.SideDown
		confidence = min((mid-s.extremeHigh())/(1-s.extremeHigh()), 1.0)
	case mid <= s.extremeLow():
		side = domain.SideUp
		confidence = min((s.extremeLow()-mid)/s.extremeLow(), 1.0)
	default:
		return nil
	}

	// 刚过线信心给个下限，不然永远到不了入场阈值
	confidence = max(confidence, 0.6)

	return &domain.Signal{
		Strategy:   ID,
		Side:       side,
		Confidence: confidence,
		Reason:     fmt.Sprintf("mid %.3f at extreme", mid),
		Metadata: map[string]string{
			"mid": fmt.Sprintf("%.4f", mid),
		},
	}
}
