// Package ticker 周期触发，用于模块的保活、过期扫描与心跳。
package ticker

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/atomic"
)

// DefaultInterval interval 非正时使用的周期
const DefaultInterval = time.Second

type config struct {
	immediate bool
	jitter    float64
}

// Option 触发选项
type Option func(*config)

// WithImmediate 开始时立即触发一次
func WithImmediate() Option {
	return func(c *config) {
		c.immediate = true
	}
}

// WithJitter 每个周期随机缩短至多 frac（0~1）比例，错开多个节点的同步触发
func WithJitter(frac float64) Option {
	return func(c *config) {
		if frac > 0 && frac < 1 {
			c.jitter = frac
		}
	}
}

func (c config) next(interval time.Duration) time.Duration {
	if c.jitter == 0 {
		return interval
	}
	return interval - time.Duration(rand.Float64()*c.jitter*float64(interval))
}

// Run 每隔 interval 调用一次 fn，阻塞直到 ctx 取消并返回 ctx.Err()。
// fn 在调用方协程中同步执行，执行时间不计入下一个周期。
func Run(ctx context.Context, interval time.Duration, fn func(now time.Time), opts ...Option) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.immediate {
		fn(time.Now())
	}
	timer := time.NewTimer(cfg.next(interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-timer.C:
			fn(now)
			timer.Reset(cfg.next(interval))
		}
	}
}

// Poster 可接收闭包的事件循环，module.Base 实现该接口
type Poster interface {
	RunInEventLoop(fn func()) error
}

// Post 每隔 interval 将 fn 投递到 p 的事件循环。
// 上一次投递尚未执行时跳过本次触发，事件循环阻塞期间不会积压。
// 投递失败表示事件循环已关闭，此时返回投递错误（ctx 已取消时返回 ctx.Err()）。
func Post(parent context.Context, p Poster, interval time.Duration, fn func(), opts ...Option) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var pending atomic.Bool
	var postErr error
	err := Run(ctx, interval, func(time.Time) {
		if !pending.CompareAndSwap(false, true) {
			return
		}
		if perr := p.RunInEventLoop(func() {
			pending.Store(false)
			fn()
		}); perr != nil {
			postErr = perr
			cancel()
		}
	}, opts...)

	if postErr == nil {
		return err
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	return postErr
}
