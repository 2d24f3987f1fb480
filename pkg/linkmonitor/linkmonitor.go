// Package linkmonitor 链路监控模块：维护接口表与邻接表，通告邻接数据库，通知存储增删对端。
package linkmonitor

import (
	"context"
	"sort"
	"time"

	"github.com/lk2023060901/routenode/pkg/backoff"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "link_monitor"

// Advertiser 将邻接数据库写入分布式存储
type Advertiser interface {
	PersistKey(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// InterfaceStatus 接口状态
type InterfaceStatus struct {
	IfName   string
	IfIndex  int
	IsUp     bool
	Networks []types.IPPrefix
	// Damped 抖动抑制中
	Damped bool
}

type ifaceState struct {
	info    types.InterfaceInfo
	backoff *backoff.Exponential
}

// Inputs 链路监控借用的读取端，均可为 nil
type Inputs struct {
	Platform   *messaging.Reader[types.PlatformEvent]
	Interfaces *messaging.Reader[types.InterfaceDatabase]
	Neighbors  *messaging.Reader[types.NeighborEvent]
}

// Outputs 链路监控写入的队列，均可为 nil
type Outputs struct {
	Interfaces *messaging.Queue[types.InterfaceDatabase]
	Peers      *messaging.Queue[types.PeerEvent]
}

// LinkMonitor 链路监控模块，状态只在事件循环内访问
type LinkMonitor struct {
	*module.Base

	nodeName string
	cfg      Config
	matcher  matcher
	adv      Advertiser
	codec    types.Codec
	sink     monitor.Sink
	out      Outputs

	platformLinks map[string]types.InterfaceInfo
	interfaces    map[string]*ifaceState
	adjacencies   map[string]map[string]types.Adjacency // ifName -> neighbor -> adj

	startedAt  time.Time
	advTimer   *time.Timer
	advertised int
}

type options struct {
	sink monitor.Sink
	base []module.BaseOption
}

// Option LinkMonitor 选项
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

// New 创建链路监控模块，adv 可为 nil（不通告）
func New(nodeName string, cfg Config, in Inputs, out Outputs, adv Advertiser, opts ...Option) (*LinkMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := newMatcher(cfg)
	if err != nil {
		return nil, err
	}
	o := options{sink: monitor.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	lm := &LinkMonitor{
		Base:          module.NewBase(Name, o.base...),
		nodeName:      nodeName,
		cfg:           cfg,
		matcher:       m,
		adv:           adv,
		codec:         types.DefaultCodec,
		sink:          o.sink,
		out:           out,
		platformLinks: make(map[string]types.InterfaceInfo),
		interfaces:    make(map[string]*ifaceState),
		adjacencies:   make(map[string]map[string]types.Adjacency),
	}
	if in.Platform != nil {
		_ = lm.AddTask("platform", drain(lm, in.Platform, lm.processPlatformEvent))
	}
	if in.Interfaces != nil {
		_ = lm.AddTask("interfaces", drain(lm, in.Interfaces, lm.processInterfaceDb))
	}
	if in.Neighbors != nil {
		_ = lm.AddTask("neighbors", drain(lm, in.Neighbors, lm.processNeighborEvent))
	}
	_ = lm.AddTask("hold", func(ctx context.Context) error {
		_ = lm.RunInEventLoop(func() { lm.startedAt = lm.Clock().Now() })
		return nil
	})
	return lm, nil
}

func drain[T any](lm *LinkMonitor, r *messaging.Reader[T], fn func(T)) module.Task {
	return func(ctx context.Context) error {
		for {
			msg, err := r.Get()
			if err != nil {
				return err
			}
			_ = lm.RunInEventLoop(func() { fn(msg) })
		}
	}
}

// GetInterfaces 返回接口表（按名称排序）
func (lm *LinkMonitor) GetInterfaces(ctx context.Context) ([]InterfaceStatus, error) {
	return module.CallResult(ctx, lm.Base, func() []InterfaceStatus {
		out := make([]InterfaceStatus, 0, len(lm.interfaces))
		for _, name := range lm.sortedInterfaces() {
			st := lm.interfaces[name]
			out = append(out, InterfaceStatus{
				IfName:   name,
				IfIndex:  st.info.IfIndex,
				IsUp:     st.info.IsUp,
				Networks: append([]types.IPPrefix(nil), st.info.Networks...),
				Damped:   !st.backoff.CanTryNow(),
			})
		}
		return out
	})
}

// GetCandidateInterfaces 返回可用于建立邻接的接口：已启用、匹配规则且不在抖动抑制中
func (lm *LinkMonitor) GetCandidateInterfaces(ctx context.Context) ([]string, error) {
	return module.CallResult(ctx, lm.Base, lm.candidates)
}

// GetAdjacencies 返回当前邻接（仅候选接口上的）
func (lm *LinkMonitor) GetAdjacencies(ctx context.Context) ([]types.Adjacency, error) {
	return module.CallResult(ctx, lm.Base, lm.currentAdjacencies)
}

// Advertisements 返回已通告邻接数据库的次数
func (lm *LinkMonitor) Advertisements(ctx context.Context) (int, error) {
	return module.CallResult(ctx, lm.Base, func() int { return lm.advertised })
}

func (lm *LinkMonitor) sortedInterfaces() []string {
	names := make([]string, 0, len(lm.interfaces))
	for name := range lm.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (lm *LinkMonitor) isCandidate(name string) bool {
	st, ok := lm.interfaces[name]
	return ok && st.info.IsUp && lm.matcher.match(name) && st.backoff.CanTryNow()
}

func (lm *LinkMonitor) candidates() []string {
	out := make([]string, 0, len(lm.interfaces))
	for _, name := range lm.sortedInterfaces() {
		if lm.isCandidate(name) {
			out = append(out, name)
		}
	}
	return out
}

func (lm *LinkMonitor) currentAdjacencies() []types.Adjacency {
	var out []types.Adjacency
	for ifName, byNeighbor := range lm.adjacencies {
		if !lm.isCandidate(ifName) {
			continue
		}
		for _, adj := range byNeighbor {
			out = append(out, adj)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OtherNodeName != out[j].OtherNodeName {
			return out[i].OtherNodeName < out[j].OtherNodeName
		}
		return out[i].IfName < out[j].IfName
	})
	return out
}

// processPlatformEvent 将平台事件合并为接口快照并发布到接口队列
func (lm *LinkMonitor) processPlatformEvent(ev types.PlatformEvent) {
	name := ev.Link.IfName
	info := lm.platformLinks[name]
	switch ev.Type {
	case types.PlatformLinkEvent:
		info.IsUp = ev.Link.IsUp
		info.IfIndex = ev.Link.IfIndex
	case types.PlatformAddressEvent:
		if ev.Network.IsValid() && !containsPrefix(info.Networks, ev.Network) {
			info.Networks = append(info.Networks, ev.Network)
		}
	default:
		lm.Logger().Warn("unknown platform event", logger.Field{Key: "type", Value: int(ev.Type)})
		return
	}
	lm.platformLinks[name] = info

	if lm.out.Interfaces == nil {
		return
	}
	db := types.InterfaceDatabase{ThisNodeName: lm.nodeName, Interfaces: make(map[string]types.InterfaceInfo, len(lm.platformLinks))}
	for n, i := range lm.platformLinks {
		db.Interfaces[n] = i
	}
	lm.out.Interfaces.Push(db)
}

// processInterfaceDb 以快照替换接口表，接口由启用变为停用时计一次抖动
func (lm *LinkMonitor) processInterfaceDb(db types.InterfaceDatabase) {
	changed := false
	for name, info := range db.Interfaces {
		st, ok := lm.interfaces[name]
		if !ok {
			st = &ifaceState{backoff: backoff.NewExponential(
				lm.cfg.FlapInitialBackoff, lm.cfg.FlapMaxBackoff, backoff.WithClock(lm.Clock()))}
			lm.interfaces[name] = st
			changed = true
			lm.Logger().Info("interface added",
				logger.Field{Key: "interface", Value: name},
				logger.Field{Key: "up", Value: info.IsUp})
		}
		if st.info.IsUp && !info.IsUp {
			st.backoff.ReportError()
			lm.sink.IncrCounter(monitor.MetricLinkMonitorFlaps, 1)
			lm.Logger().Warn("interface went down",
				logger.Field{Key: "interface", Value: name},
				logger.Field{Key: "damp_for", Value: st.backoff.Current()})
		}
		if st.info.IsUp != info.IsUp {
			changed = true
		}
		st.info = info
	}
	for name := range lm.interfaces {
		if _, ok := db.Interfaces[name]; !ok {
			delete(lm.interfaces, name)
			changed = true
			lm.Logger().Info("interface removed", logger.Field{Key: "interface", Value: name})
		}
	}
	if changed {
		lm.scheduleAdvertise()
	}
}

func (lm *LinkMonitor) processNeighborEvent(ev types.NeighborEvent) {
	switch ev.Type {
	case types.NeighborUp, types.NeighborRestart:
		byNeighbor, ok := lm.adjacencies[ev.IfName]
		if !ok {
			byNeighbor = make(map[string]types.Adjacency)
			lm.adjacencies[ev.IfName] = byNeighbor
		}
		first := !lm.hasNeighbor(ev.NeighborName)
		byNeighbor[ev.NeighborName] = types.Adjacency{OtherNodeName: ev.NeighborName, IfName: ev.IfName, Metric: metricOf(ev)}
		if first {
			lm.pushPeers(types.PeerEvent{PeersToAdd: []string{ev.NeighborName}})
		}
	case types.NeighborDown:
		byNeighbor, ok := lm.adjacencies[ev.IfName]
		if !ok {
			return
		}
		if _, ok := byNeighbor[ev.NeighborName]; !ok {
			return
		}
		delete(byNeighbor, ev.NeighborName)
		if len(byNeighbor) == 0 {
			delete(lm.adjacencies, ev.IfName)
		}
		if !lm.hasNeighbor(ev.NeighborName) {
			lm.pushPeers(types.PeerEvent{PeersToDel: []string{ev.NeighborName}})
		}
	default:
		return
	}
	lm.scheduleAdvertise()
}

func (lm *LinkMonitor) hasNeighbor(name string) bool {
	for _, byNeighbor := range lm.adjacencies {
		if _, ok := byNeighbor[name]; ok {
			return true
		}
	}
	return false
}

func (lm *LinkMonitor) pushPeers(ev types.PeerEvent) {
	if lm.out.Peers != nil {
		lm.out.Peers.Push(ev)
	}
}

// scheduleAdvertise 启动保持时间内或有接口处于抑制中时延后通告
func (lm *LinkMonitor) scheduleAdvertise() {
	if lm.advTimer != nil {
		return
	}
	delay := time.Duration(0)
	if !lm.startedAt.IsZero() {
		if remaining := lm.cfg.AdjHoldTime - lm.Clock().Since(lm.startedAt); remaining > delay {
			delay = remaining
		}
	} else {
		delay = lm.cfg.AdjHoldTime
	}
	for _, st := range lm.interfaces {
		if r := st.backoff.TimeRemainingUntilRetry(); st.info.IsUp && r > delay {
			delay = r
		}
	}
	if delay <= 0 {
		lm.advertise()
		return
	}
	lm.advTimer = lm.AfterFunc(delay, func() {
		lm.advTimer = nil
		lm.advertise()
	})
}

func (lm *LinkMonitor) advertise() {
	lm.advertised++
	if lm.adv == nil {
		return
	}
	db := types.AdjacencyDatabase{ThisNodeName: lm.nodeName, Adjacencies: lm.currentAdjacencies()}
	data, err := lm.codec.Marshal(db)
	if err != nil {
		lm.Logger().Error("encode adjacency database failed", logger.Err(err))
		return
	}
	if err := lm.adv.PersistKey(context.Background(), types.AdjKey(lm.nodeName), data, types.TTLInfinity); err != nil {
		lm.Logger().Error("advertise adjacency database failed", logger.Err(err))
		return
	}
	lm.Logger().Debug("adjacency database advertised", logger.Field{Key: "adjacencies", Value: len(db.Adjacencies)})
}

func metricOf(ev types.NeighborEvent) int {
	if ev.Metric <= 0 {
		return 1
	}
	return ev.Metric
}

func containsPrefix(list []types.IPPrefix, p types.IPPrefix) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}
