// Package momentum 动量策略：mid 在短时间内单向移动超过阈值就顺势跟进。
package momentum

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/strategies"
)

const ID = "momentum"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(&Strategy{})
}

// Strategy 配置字段直接从 YAML/JSON 反序列化
type Strategy struct {
	MinMoveBps float64 `yaml:"min_move_bps" json:"min_move_bps"` // 触发阈值，默认 80bps
	Lookback   int     `yaml:"lookback" json:"lookback"`         // 回看多少个快照，默认 6

	mids  []float64
	times []time.Time
}

func (s *Strategy) ID() string { return ID }

func (s *Strategy) minMoveBps() float64 {
	if s.MinMoveBps > 0 {
		return s.MinMoveBps
	}
	return 80
}

func (s *Strategy) lookback() int {
	if s.Lookback > 0 {
		return s.Lookback
	}
	return 6
}

// Evaluate 记录 mid 序列；窗口内累计移动超阈值时给出顺势信号
func (s *Strategy) Evaluate(snapshot *domain.MarketSnapshot) *domain.Signal {
	if snapshot == nil || !snapshot.Usable() {
		return nil
	}

	s.mids = append(s.mids, snapshot.Mid)
	s.times = append(s.times, snapshot.Timestamp)
	if len(s.mids) > s.lookback() {
		s.mids = s.mids[1:]
		s.times = s.times[1:]
	}
	if len(s.mids) < s.lookback() {
		return nil
	}

	oldest := s.mids[0]
	if oldest <= 0 {
		return nil
	}
	moveBps := (snapshot.Mid - oldest) / oldest * 10000
	if math.Abs(moveBps) < s.minMoveBps() {
		return nil
	}

	side := domain.SideUp
	if moveBps < 0 {
		side = domain.SideDown
	}
	// 移动越大信心越高，2 倍阈值封顶
	confidence := min(math.Abs(moveBps)/(2*s.minMoveBps()), 1.0)

	log.Debugf("动量触发: move=%.0fbps side=%s conf=%.2f", moveBps, side, confidence)
	return &domain.Signal{
		Strategy:   ID,
		Side:       side,
		Confidence: confidence,
		Reason:     fmt.Sprintf("%.0fbps move over %d ticks", moveBps, s.lookback()),
		Metadata: map[string]string{
			"move_bps": fmt.Sprintf("%.1f", moveBps),
		},
	}
}
