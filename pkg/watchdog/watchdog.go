// Package watchdog 定时检查各模块心跳与进程内存。
//
// 心跳超过阈值的模块被标记为不健康；内存超过上限时调用致命处理函数。
// 读取心跳不会阻塞被检查的模块。
package watchdog

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pbnjay/memory"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/ticker"
)

// Name 模块名称
const Name = "watchdog"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("watchdog: invalid config")
	// ErrMemoryLimit 内存超过上限
	ErrMemoryLimit = errors.New("watchdog: memory limit exceeded")
)

// Config 看门狗配置
type Config struct {
	// Interval 检查间隔
	Interval time.Duration `yaml:"interval"`
	// Threshold 心跳超时阈值
	Threshold time.Duration `yaml:"threshold"`
	// MemoryLimitMB 内存上限，0 表示不检查
	MemoryLimitMB uint64 `yaml:"memory_limit_mb"`
	// MemoryLimitPercent MemoryLimitMB 为 0 时按系统物理内存的百分比设定上限
	MemoryLimitPercent uint64 `yaml:"memory_limit_percent"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		Threshold: 60 * time.Second,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "interval must be positive")
	}
	if c.Threshold < c.Interval {
		return errors.Wrapf(ErrInvalidConfig, "threshold %s < interval %s", c.Threshold, c.Interval)
	}
	if c.MemoryLimitPercent > 100 {
		return errors.Wrapf(ErrInvalidConfig, "memory_limit_percent %d > 100", c.MemoryLimitPercent)
	}
	return nil
}

// MemoryReader 返回进程当前占用的内存字节数
type MemoryReader func() uint64

// RuntimeMemory 读取 Go 运行时向系统申请的内存
func RuntimeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// FatalHandler 致命错误处理
type FatalHandler func(err error)

type options struct {
	mem         MemoryReader
	total       func() uint64
	fatal       FatalHandler
	onUnhealthy func(name string, last time.Time)
	sink        monitor.Sink
	base        []module.BaseOption
}

// Option 看门狗选项
type Option func(*options)

// WithMemoryReader 替换内存读取函数
func WithMemoryReader(r MemoryReader) Option {
	return func(o *options) {
		if r != nil {
			o.mem = r
		}
	}
}

// WithTotalMemory 替换系统物理内存读取，默认 memory.TotalMemory
func WithTotalMemory(fn func() uint64) Option {
	return func(o *options) {
		if fn != nil {
			o.total = fn
		}
	}
}

// WithFatalHandler 设置内存超限时的处理函数
func WithFatalHandler(fn FatalHandler) Option {
	return func(o *options) {
		if fn != nil {
			o.fatal = fn
		}
	}
}

// OnUnhealthy 模块变为不健康时回调，在看门狗事件循环中执行
func OnUnhealthy(fn func(name string, last time.Time)) Option {
	return func(o *options) {
		o.onUnhealthy = fn
	}
}

// WithSink 设置指标上报
func WithSink(s monitor.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithBaseOptions 透传模块基础选项
func WithBaseOptions(opts ...module.BaseOption) Option {
	return func(o *options) {
		o.base = append(o.base, opts...)
	}
}

// Watchdog 看门狗模块
type Watchdog struct {
	*module.Base

	cfg     Config
	targets []module.Heartbeater
	opts    options

	unhealthy map[string]time.Time
	limitMB   uint64
	fired     bool
}

// New 创建看门狗，targets 为被检查的模块
func New(cfg Config, targets []module.Heartbeater, opts ...Option) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		mem:   RuntimeMemory,
		total: memory.TotalMemory,
		fatal: func(error) {},
		sink:  monitor.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	w := &Watchdog{
		Base:      module.NewBase(Name, o.base...),
		cfg:       cfg,
		targets:   append([]module.Heartbeater(nil), targets...),
		opts:      o,
		unhealthy: make(map[string]time.Time),
		limitMB:   memoryLimitMB(cfg, o.total),
	}
	_ = w.AddTask("check", func(ctx context.Context) error {
		return ticker.Post(ctx, w, cfg.Interval, w.check)
	})
	return w, nil
}

// memoryLimitMB 显式上限优先；按比例计算时读不到物理内存（返回 0）则不检查
func memoryLimitMB(cfg Config, total func() uint64) uint64 {
	if cfg.MemoryLimitMB > 0 || cfg.MemoryLimitPercent == 0 {
		return cfg.MemoryLimitMB
	}
	return total() / (1 << 20) * cfg.MemoryLimitPercent / 100
}

// MemoryLimitMB 返回生效的内存上限，0 表示不检查
func (w *Watchdog) MemoryLimitMB() uint64 {
	return w.limitMB
}

// Unhealthy 返回当前不健康的模块名（排序）
func (w *Watchdog) Unhealthy(ctx context.Context) ([]string, error) {
	return module.CallResult(ctx, w.Base, func() []string {
		out := make([]string, 0, len(w.unhealthy))
		for name := range w.unhealthy {
			out = append(out, name)
		}
		sort.Strings(out)
		return out
	})
}

// CheckNow 立即执行一次检查
func (w *Watchdog) CheckNow(ctx context.Context) error {
	return w.Call(ctx, w.check)
}

func (w *Watchdog) check() {
	now := w.Clock().Now()
	for _, t := range w.targets {
		last := t.LastHeartbeat()
		stale := !last.IsZero() && now.Sub(last) > w.cfg.Threshold
		_, marked := w.unhealthy[t.Name()]
		switch {
		case stale && !marked:
			w.unhealthy[t.Name()] = last
			w.Logger().Error("module heartbeat stalled",
				logger.Field{Key: "target", Value: t.Name()},
				logger.Field{Key: "last_heartbeat", Value: last},
				logger.Field{Key: "threshold", Value: w.cfg.Threshold})
			if w.opts.onUnhealthy != nil {
				w.opts.onUnhealthy(t.Name(), last)
			}
		case !stale && marked:
			delete(w.unhealthy, t.Name())
			w.Logger().Info("module heartbeat recovered", logger.Field{Key: "target", Value: t.Name()})
		}
	}
	w.opts.sink.SetGauge(monitor.MetricWatchdogUnhealthy, float32(len(w.unhealthy)))

	usedMB := w.opts.mem() / (1 << 20)
	w.opts.sink.SetGauge(monitor.MetricWatchdogMemoryMB, float32(usedMB))
	if w.limitMB == 0 || usedMB <= w.limitMB || w.fired {
		return
	}
	w.fired = true
	err := errors.Wrapf(ErrMemoryLimit, "used %dMB, limit %dMB", usedMB, w.limitMB)
	w.Logger().Error("memory limit exceeded", logger.Err(err))
	w.opts.fatal(err)
}
