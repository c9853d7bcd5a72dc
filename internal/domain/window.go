package domain

import "time"

// WindowSpec 市场周期定义（例如 5 分钟一期的 BTC up/down 市场）。
// 周期 ID 为该周期起始时刻的 Unix 秒（按 Duration 对齐），与市场 slug 中的
// 时间戳一致，因此可以直接拿来查询结算结果。
type WindowSpec struct {
	Duration time.Duration
}

// Seconds 周期时长（秒）
func (w WindowSpec) Seconds() int64 {
	return int64(w.Duration / time.Second)
}

// Current 返回 now 所在周期的 ID（对齐后的起始秒）
func (w WindowSpec) Current(now time.Time) int64 {
	sec := w.Seconds()
	if sec <= 0 {
		return now.Unix()
	}
	return now.Unix() / sec * sec
}

// Next 返回下一周期的 ID
func (w WindowSpec) Next(now time.Time) int64 {
	return w.Current(now) + w.Seconds()
}

// End 返回周期结束时刻
func (w WindowSpec) End(windowID int64) time.Time {
	return time.Unix(windowID+w.Seconds(), 0)
}

// Elapsed 返回 now 在当前周期内已经过去的时长
func (w WindowSpec) Elapsed(now time.Time) time.Duration {
	sec := w.Seconds()
	if sec <= 0 {
		return 0
	}
	return time.Duration(now.Unix()%sec) * time.Second
}

// InLockout now 是否落在周期收盘前的禁入窗口内（例如最后 15 秒）
func (w WindowSpec) InLockout(now time.Time, lockout time.Duration) bool {
	return w.Duration-w.Elapsed(now) <= lockout
}
