package backoff

import (
	"sync"
	"time"

	"github.com/lk2023060901/routenode/pkg/clock"
)

// Exponential 指数退避计算器。
// 每次 ReportError 将退避时间翻倍（首次为 initial），上限为 max；
// ReportSuccess 将退避清零。
type Exponential struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	clk        clock.Clock

	mu        sync.Mutex
	current   time.Duration
	lastError time.Time
}

// Option 退避选项
type Option func(*Exponential)

// WithClock 设置时间源
func WithClock(c clock.Clock) Option {
	return func(b *Exponential) {
		if c != nil {
			b.clk = c
		}
	}
}

// WithMultiplier 设置退避乘数，默认 2
func WithMultiplier(m float64) Option {
	return func(b *Exponential) {
		if m > 1 {
			b.multiplier = m
		}
	}
}

// NewExponential 创建指数退避计算器
func NewExponential(initial, max time.Duration, opts ...Option) *Exponential {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	b := &Exponential{
		initial:    initial,
		max:        max,
		multiplier: 2,
		clk:        clock.Real(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ReportError 记录一次失败并增大退避时间
func (b *Exponential) ReportError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = b.clk.Now()
	if b.current == 0 {
		b.current = b.initial
		return
	}
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.current = next
}

// ReportSuccess 记录一次成功并清零退避
func (b *Exponential) ReportSuccess() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}

// CanTryNow 退避时间是否已过
func (b *Exponential) CanTryNow() bool {
	return b.TimeRemainingUntilRetry() == 0
}

// TimeRemainingUntilRetry 距离允许重试的剩余时间
func (b *Exponential) TimeRemainingUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		return 0
	}
	remaining := b.lastError.Add(b.current).Sub(b.clk.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AtMaxBackoff 是否已达到最大退避
func (b *Exponential) AtMaxBackoff() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current >= b.max
}

// Current 当前退避时间
func (b *Exponential) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
