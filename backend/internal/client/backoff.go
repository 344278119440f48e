package client

import "time"

// Backoff 重连退避：第 n 次重试前等待 Base*Factor^(n-1)，不超过 Max；最多重试 MaxAttempts 次
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff 1s, 2s, 4s, 8s, 16s 之后放弃
var DefaultBackoff = Backoff{
	Base:        time.Second,
	Factor:      2,
	Max:         30 * time.Second,
	MaxAttempts: 5,
}

// Delay 第 attempt 次重试（从 1 开始）前的等待时间
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted 连续失败 failures 次之后是否应该放弃
func (b Backoff) Exhausted(failures int) bool {
	return failures > b.MaxAttempts
}
