package monitor

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/ticker"
)

// Name 模块名称
const Name = "monitor"

// 各模块上报的指标键
var (
	MetricPrefixCacheSlowPath  = []string{"prefixcache", "slow_path", "count"}
	MetricPrefixCacheUpdate    = []string{"prefixcache", "update", "count"}
	MetricPrefixCacheDecodeErr = []string{"prefixcache", "decode", "error", "count"}
	MetricKvStoreKeys          = []string{"kvstore", "keys"}
	MetricKvStoreUpdates       = []string{"kvstore", "update", "count"}
	MetricKvStoreExpired       = []string{"kvstore", "expired", "count"}
	MetricDecisionRuns         = []string{"decision", "spf", "runs"}
	MetricDecisionRoutes       = []string{"decision", "routes"}
	MetricFibRoutes            = []string{"fib", "routes"}
	MetricLinkMonitorFlaps     = []string{"linkmonitor", "flap", "count"}
	MetricWatchdogUnhealthy    = []string{"watchdog", "unhealthy", "modules"}
	MetricWatchdogMemoryMB     = []string{"watchdog", "memory", "mb"}
)

// Sink 指标上报接口，模块只依赖该接口。
type Sink interface {
	IncrCounter(key []string, val float32)
	SetGauge(key []string, val float32)
}

type discard struct{}

func (discard) IncrCounter([]string, float32) {}
func (discard) SetGauge([]string, float32)    {}

// Discard 丢弃所有指标
func Discard() Sink {
	return discard{}
}

// Config 监控模块配置
type Config struct {
	// Interval 内存聚合窗口
	Interval time.Duration `yaml:"interval"`
	// Retain 聚合数据保留时长
	Retain time.Duration `yaml:"retain"`
	// DumpInterval 周期性输出指标快照的间隔，0 表示不输出
	DumpInterval time.Duration `yaml:"dump_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		Retain:       time.Hour,
		DumpInterval: time.Minute,
	}
}

// Monitor 基于 go-metrics 内存 sink 的指标模块
type Monitor struct {
	*module.Base

	sink   *metrics.InmemSink
	labels []metrics.Label
	cfg    Config
}

// New 创建监控模块
func New(nodeName string, cfg Config, opts ...module.BaseOption) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retain < cfg.Interval {
		cfg.Retain = def.Retain
	}

	m := &Monitor{
		Base:   module.NewBase(Name, opts...),
		sink:   metrics.NewInmemSink(cfg.Interval, cfg.Retain),
		labels: []metrics.Label{{Name: "node", Value: nodeName}},
		cfg:    cfg,
	}
	if cfg.DumpInterval > 0 {
		_ = m.AddTask("dump", m.dumpLoop)
	}
	return m
}

// IncrCounter 累加计数器
func (m *Monitor) IncrCounter(key []string, val float32) {
	m.sink.IncrCounterWithLabels(key, val, m.labels)
}

// SetGauge 设置仪表值
func (m *Monitor) SetGauge(key []string, val float32) {
	m.sink.SetGaugeWithLabels(key, val, m.labels)
}

// Counters 返回保留窗口内各计数器的累计值，键为点分指标名。
func (m *Monitor) Counters() map[string]float64 {
	out := make(map[string]float64)
	for _, iv := range m.sink.Data() {
		iv.RLock()
		for _, c := range iv.Counters {
			if c.AggregateSample != nil {
				out[c.Name] += c.Sum
			}
		}
		iv.RUnlock()
	}
	return out
}

// Counter 返回单个计数器的累计值
func (m *Monitor) Counter(key []string) float64 {
	return m.Counters()[strings.Join(key, ".")]
}

// Gauges 返回各仪表的最新值
func (m *Monitor) Gauges() map[string]float32 {
	out := make(map[string]float32)
	for _, iv := range m.sink.Data() {
		iv.RLock()
		for _, g := range iv.Gauges {
			out[g.Name] = g.Value
		}
		iv.RUnlock()
	}
	return out
}

func (m *Monitor) dumpLoop(ctx context.Context) error {
	return ticker.Post(ctx, m, m.cfg.DumpInterval, m.dump)
}

func (m *Monitor) dump() {
	counters := m.Counters()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]logger.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, logger.Field{Key: name, Value: counters[name]})
	}
	m.Logger().Debug("counters snapshot", fields...)
}

var _ Sink = (*Monitor)(nil)
