package domain

import "fmt"

// Side 信号/仓位方向（二元市场：up 或 down）
type Side string

const (
	SideUp   Side = "up"   // 看涨（价格收于 strike 之上）
	SideDown Side = "down" // 看跌
)

// Valid 检查方向是否合法
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// Opposite 返回对侧方向
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Signal 策略信号（固定核心字段 + 开放的字符串负载）
// 策略内部的指标细节放 Metadata，核心机不读取其内容。
type Signal struct {
	Strategy   string            // 产生信号的策略 ID
	Side       Side              // 方向
	Confidence float64           // 置信度 [0,1]
	Reason     string            // 人类可读的触发原因
	Metadata   map[string]string // 策略自定义负载（可选）
}

// Validate 校验信号核心字段
func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("signal 为空")
	}
	if s.Strategy == "" {
		return fmt.Errorf("signal 缺少策略名")
	}
	if !s.Side.Valid() {
		return fmt.Errorf("signal 方向非法: %s", s.Side)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal 置信度越界: %f", s.Confidence)
	}
	return nil
}
