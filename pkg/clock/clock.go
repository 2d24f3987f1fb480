package clock

import (
	"sync"
	"time"
)

// Clock 时间源接口，便于在测试中替换真实时间。
type Clock interface {
	// Now 获取当前时间
	Now() time.Time
	// Since 计算距 t 经过的时间
	Since(t time.Time) time.Duration
}

// realClock 使用系统时间
type realClock struct{}

// Real 返回系统时钟
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Manual 手动推进的时钟，用于测试。
type Manual struct {
	mu     sync.RWMutex
	base   time.Time
	offset time.Duration
}

// NewManual 创建以 start 为起点的手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{base: start}
}

// Now 获取当前时间（起点 + 偏移量）
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base.Add(m.offset)
}

// Since 计算距 t 经过的时间
func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance 推进时钟（可为负数）
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.offset += d
	m.mu.Unlock()
}

// Set 将时钟设置到指定时间
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.base = t
	m.offset = 0
	m.mu.Unlock()
}
