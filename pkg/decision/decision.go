// Package decision 根据分布式存储中的邻接表与前缀数据库计算路由，并把路由增量推送给 FIB。
package decision

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/backoff"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "decision"

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("decision: invalid config")

// Config 路由计算配置
type Config struct {
	// DebounceMin 首次变更后的等待时间
	DebounceMin time.Duration `yaml:"debounce_min"`
	// DebounceMax 连续变更时等待时间的上限
	DebounceMax time.Duration `yaml:"debounce_max"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DebounceMin: 10 * time.Millisecond,
		DebounceMax: 250 * time.Millisecond,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.DebounceMin <= 0 {
		return errors.Wrap(ErrInvalidConfig, "debounce min must be positive")
	}
	if c.DebounceMax < c.DebounceMin {
		return errors.Wrapf(ErrInvalidConfig, "debounce max %s < min %s", c.DebounceMax, c.DebounceMin)
	}
	return nil
}

// Inputs 借用的读取端，均可为 nil
type Inputs struct {
	KvStore      *messaging.Reader[types.Publication]
	StaticRoutes *messaging.Reader[types.RouteDatabaseDelta]
}

// Decision 路由计算模块，状态只在事件循环内访问
type Decision struct {
	*module.Base

	nodeName string
	cfg      Config
	codec    types.Codec
	sink     monitor.Sink
	out      *messaging.Queue[types.RouteDatabaseDelta]

	adjDbs       map[string]types.AdjacencyDatabase
	prefixDbs    map[string]types.PrefixDatabase // 存储键 -> 前缀数据库
	staticRoutes map[types.IPPrefix]types.UnicastRoute
	routes       map[types.IPPrefix]types.UnicastRoute

	debounce *backoff.Exponential
	timer    *time.Timer
	runs     int
}

type options struct {
	sink monitor.Sink
	base []module.BaseOption
}

// Option Decision 选项
type Option func(*options)

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

// New 创建路由计算模块，out 为路由增量队列（可为 nil）
func New(nodeName string, cfg Config, in Inputs, out *messaging.Queue[types.RouteDatabaseDelta], opts ...Option) (*Decision, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{sink: monitor.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Decision{
		Base:         module.NewBase(Name, o.base...),
		nodeName:     nodeName,
		cfg:          cfg,
		codec:        types.DefaultCodec,
		sink:         o.sink,
		out:          out,
		adjDbs:       make(map[string]types.AdjacencyDatabase),
		prefixDbs:    make(map[string]types.PrefixDatabase),
		staticRoutes: make(map[types.IPPrefix]types.UnicastRoute),
		routes:       make(map[types.IPPrefix]types.UnicastRoute),
	}
	d.debounce = backoff.NewExponential(cfg.DebounceMin, cfg.DebounceMax, backoff.WithClock(d.Clock()))

	if in.KvStore != nil {
		_ = d.AddTask("kvstore", drain(d, in.KvStore, d.processPublication))
	}
	if in.StaticRoutes != nil {
		_ = d.AddTask("static_routes", drain(d, in.StaticRoutes, d.processStaticRoutes))
	}
	return d, nil
}

func drain[T any](d *Decision, r *messaging.Reader[T], fn func(T)) module.Task {
	return func(ctx context.Context) error {
		for {
			msg, err := r.Get()
			if err != nil {
				return err
			}
			_ = d.RunInEventLoop(func() { fn(msg) })
		}
	}
}

// GetRouteDb 返回当前计算出的路由表
func (d *Decision) GetRouteDb(ctx context.Context) (types.RouteDatabase, error) {
	return module.CallResult(ctx, d.Base, func() types.RouteDatabase {
		db := types.RouteDatabase{ThisNodeName: d.nodeName}
		for _, r := range d.routes {
			db.UnicastRoutes = append(db.UnicastRoutes, r)
		}
		types.SortRoutes(db.UnicastRoutes)
		return db
	})
}

// Runs 返回路由计算次数
func (d *Decision) Runs(ctx context.Context) (int, error) {
	return module.CallResult(ctx, d.Base, func() int { return d.runs })
}

func (d *Decision) processPublication(pub types.Publication) {
	changed := false
	for key, v := range pub.KeyVals {
		switch {
		case strings.HasPrefix(key, types.AdjDBMarker):
			db, err := types.ReadAdjacencyDatabase(d.codec, v.Data)
			if err != nil {
				d.Logger().Warn("skip undecodable adjacency database", logger.Field{Key: "key", Value: key}, logger.Err(err))
				continue
			}
			d.adjDbs[db.ThisNodeName] = db
			changed = true
		case strings.HasPrefix(key, types.PrefixDBMarker):
			db, err := types.ReadPrefixDatabase(d.codec, v.Data)
			if err != nil {
				d.Logger().Warn("skip undecodable prefix database", logger.Field{Key: "key", Value: key}, logger.Err(err))
				continue
			}
			if db.DeletePrefix {
				delete(d.prefixDbs, key)
			} else {
				d.prefixDbs[key] = db
			}
			changed = true
		}
	}
	for _, key := range pub.ExpiredKeys {
		switch {
		case strings.HasPrefix(key, types.AdjDBMarker):
			delete(d.adjDbs, types.NodeNameFromKey(key))
			changed = true
		case strings.HasPrefix(key, types.PrefixDBMarker):
			delete(d.prefixDbs, key)
			changed = true
		}
	}
	if changed {
		d.scheduleRebuild()
	}
}

func (d *Decision) processStaticRoutes(delta types.RouteDatabaseDelta) {
	for _, r := range delta.UnicastRoutesToUpdate {
		d.staticRoutes[r.Dest] = r
	}
	for _, p := range delta.UnicastRoutesToDelete {
		delete(d.staticRoutes, p)
	}
	d.scheduleRebuild()
}

// scheduleRebuild 合并短时间内的连续变更：等待时间从 DebounceMin 起倍增，达到 DebounceMax 后不再推迟
func (d *Decision) scheduleRebuild() {
	if d.timer != nil {
		if d.debounce.AtMaxBackoff() || !d.timer.Stop() {
			return
		}
	}
	d.debounce.ReportError()
	d.timer = d.AfterFunc(d.debounce.Current(), func() {
		d.timer = nil
		d.debounce.ReportSuccess()
		d.rebuild()
	})
}

func (d *Decision) rebuild() {
	d.runs++
	d.sink.IncrCounter(monitor.MetricDecisionRuns, 1)

	next := computeRoutes(d.nodeName, d.adjDbs, d.prefixDbs)
	for p, r := range d.staticRoutes {
		if _, ok := next[p]; !ok {
			next[p] = r
		}
	}

	delta := types.RouteDatabaseDelta{ThisNodeName: d.nodeName}
	for p, r := range next {
		if cur, ok := d.routes[p]; !ok || !sameNextHops(cur.NextHops, r.NextHops) {
			delta.UnicastRoutesToUpdate = append(delta.UnicastRoutesToUpdate, r)
		}
	}
	for p := range d.routes {
		if _, ok := next[p]; !ok {
			delta.UnicastRoutesToDelete = append(delta.UnicastRoutesToDelete, p)
		}
	}
	d.routes = next
	d.sink.SetGauge(monitor.MetricDecisionRoutes, float32(len(next)))

	if delta.IsEmpty() {
		return
	}
	types.SortRoutes(delta.UnicastRoutesToUpdate)
	sort.Slice(delta.UnicastRoutesToDelete, func(i, j int) bool {
		return delta.UnicastRoutesToDelete[i].String() < delta.UnicastRoutesToDelete[j].String()
	})
	d.Logger().Debug("route delta computed",
		logger.Field{Key: "update", Value: len(delta.UnicastRoutesToUpdate)},
		logger.Field{Key: "delete", Value: len(delta.UnicastRoutesToDelete)})
	if d.out != nil {
		d.out.Push(delta)
	}
}

func sameNextHops(a, b []types.NextHop) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
