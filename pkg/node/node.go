// Package node 组装并托管一个路由节点的全部模块。
//
// 构造时创建所有队列与模块但不运行；Start 按固定依赖顺序逐个启动并等待其就绪；
// Stop 先关闭全部队列，再按启动逆序逐个停止，只执行一次。
package node

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/lk2023060901/routenode/pkg/clock"
	"github.com/lk2023060901/routenode/pkg/ctrl"
	"github.com/lk2023060901/routenode/pkg/decision"
	"github.com/lk2023060901/routenode/pkg/etcd"
	"github.com/lk2023060901/routenode/pkg/fib"
	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/linkmonitor"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/persiststore"
	"github.com/lk2023060901/routenode/pkg/platform"
	"github.com/lk2023060901/routenode/pkg/prefixallocator"
	"github.com/lk2023060901/routenode/pkg/prefixcache"
	"github.com/lk2023060901/routenode/pkg/prefixmanager"
	"github.com/lk2023060901/routenode/pkg/spark"
	"github.com/lk2023060901/routenode/pkg/types"
	"github.com/lk2023060901/routenode/pkg/watchdog"
)

// LoggerName 节点日志在注册表中的名称
const LoggerName = "routenode"

var (
	errAlreadyStarted = errors.New("node: already started")
	errStopped        = errors.New("node: stopped")
)

// FatalHandler 致命错误处理，默认记录日志后退出进程
type FatalHandler func(err error)

// BackendFactory 基于节点的存储更新队列创建分布式存储后端
type BackendFactory func(updates *messaging.Queue[types.Publication]) (kvstore.Backend, error)

type options struct {
	log     logger.Logger
	fatal   FatalHandler
	backend BackendFactory
	clk     clock.Clock
	mem     watchdog.MemoryReader
}

// Option 节点选项
type Option func(*options)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithFatalHandler 替换致命错误处理
func WithFatalHandler(fn FatalHandler) Option {
	return func(o *options) {
		if fn != nil {
			o.fatal = fn
		}
	}
}

// WithBackend 替换分布式存储后端
func WithBackend(f BackendFactory) Option {
	return func(o *options) {
		o.backend = f
	}
}

// WithClock 设置所有模块的时间源
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clk = c
		}
	}
}

// WithMemoryReader 替换看门狗的内存读取函数
func WithMemoryReader(r watchdog.MemoryReader) Option {
	return func(o *options) {
		o.mem = r
	}
}

// queues 节点拥有的全部队列
type queues struct {
	routeUpdates     *messaging.Queue[types.RouteDatabaseDelta]
	staticRoutes     *messaging.Queue[types.RouteDatabaseDelta]
	peerUpdates      *messaging.Queue[types.PeerEvent]
	interfaceUpdates *messaging.Queue[types.InterfaceDatabase]
	neighborUpdates  *messaging.Queue[types.NeighborEvent]
	prefixUpdates    *messaging.Queue[types.PrefixUpdateRequest]
	kvStoreUpdates   *messaging.Queue[types.Publication]
	platformEvents   *messaging.Queue[types.PlatformEvent]
}

func newQueues() queues {
	return queues{
		routeUpdates:     messaging.NewQueue[types.RouteDatabaseDelta](),
		staticRoutes:     messaging.NewQueue[types.RouteDatabaseDelta](),
		peerUpdates:      messaging.NewQueue[types.PeerEvent](),
		interfaceUpdates: messaging.NewQueue[types.InterfaceDatabase](),
		neighborUpdates:  messaging.NewQueue[types.NeighborEvent](),
		prefixUpdates:    messaging.NewQueue[types.PrefixUpdateRequest](),
		kvStoreUpdates:   messaging.NewQueue[types.Publication](),
		platformEvents:   messaging.NewQueue[types.PlatformEvent](),
	}
}

func (q queues) closeAll() {
	q.routeUpdates.Close()
	q.staticRoutes.Close()
	q.peerUpdates.Close()
	q.interfaceUpdates.Close()
	q.neighborUpdates.Close()
	q.prefixUpdates.Close()
	q.kvStoreUpdates.Close()
	q.platformEvents.Close()
}

// Node 路由节点
type Node struct {
	cfg   Config
	log   logger.Logger
	fatal FatalHandler

	q queues

	configStore     *persiststore.Store
	kvStore         kvstore.Backend
	monitor         *monitor.Monitor
	ctrl            *ctrl.Server
	prefixManager   *prefixmanager.PrefixManager
	prefixAllocator *prefixallocator.PrefixAllocator
	spark           *spark.Spark
	linkMonitor     *linkmonitor.LinkMonitor
	decision        *decision.Decision
	fib             *fib.Fib
	watchdog        *watchdog.Watchdog
	kvClient        *kvstore.Client

	prefixCache *prefixcache.Cache
	publisher   *platform.Publisher

	group    *module.Group
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New 创建节点的全部队列与模块，不启动任何模块
func New(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: logger.Get(LoggerName), clk: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(logger.Field{Key: "node", Value: cfg.NodeName})

	n := &Node{
		cfg: cfg,
		log: log,
		q:   newQueues(),
	}
	n.fatal = o.fatal
	if n.fatal == nil {
		n.fatal = n.defaultFatal
	}
	if err := n.build(o); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) baseOptions(o options) []module.BaseOption {
	return []module.BaseOption{module.WithLogger(n.log), module.WithClock(o.clk)}
}

// build 按依赖顺序构造模块：叶子模块在前，看门狗最后
func (n *Node) build(o options) error {
	cfg := n.cfg
	base := n.baseOptions(o)
	var err error

	n.configStore, err = persiststore.New(cfg.ConfigStore, base...)
	if err != nil {
		return err
	}

	n.monitor = monitor.New(cfg.NodeName, cfg.Monitor, base...)

	n.kvStore, err = n.buildBackend(o, base)
	if err != nil {
		return err
	}
	n.kvClient = kvstore.NewClient(cfg.NodeName, n.kvStore, n.q.kvStoreUpdates.GetReader(), base...)

	n.prefixCache = prefixcache.New(cfg.NodeName, n.kvClient,
		prefixcache.WithLogger(n.log.Named("prefixcache")), prefixcache.WithSink(n.monitor))
	if err := n.prefixCache.Subscribe(context.Background(), n.kvClient); err != nil {
		return err
	}

	n.ctrl, err = ctrl.New(cfg.Ctrl, base...)
	if err != nil {
		return err
	}

	n.spark, err = spark.New(cfg.NodeName, cfg.Spark,
		n.q.interfaceUpdates.GetReader(), n.q.neighborUpdates, base...)
	if err != nil {
		return err
	}

	n.linkMonitor, err = linkmonitor.New(cfg.NodeName, cfg.LinkMonitor,
		linkmonitor.Inputs{
			Platform:   n.q.platformEvents.GetReader(),
			Interfaces: n.q.interfaceUpdates.GetReader(),
			Neighbors:  n.q.neighborUpdates.GetReader(),
		},
		linkmonitor.Outputs{Interfaces: n.q.interfaceUpdates, Peers: n.q.peerUpdates},
		n.kvClient,
		linkmonitor.WithSink(n.monitor), linkmonitor.WithBaseOptions(base...))
	if err != nil {
		return err
	}

	n.prefixManager = prefixmanager.New(cfg.NodeName, cfg.PrefixManager,
		n.q.prefixUpdates.GetReader(), n.configStore, n.kvClient, base...)

	n.decision, err = decision.New(cfg.NodeName, cfg.Decision,
		decision.Inputs{KvStore: n.q.kvStoreUpdates.GetReader(), StaticRoutes: n.q.staticRoutes.GetReader()},
		n.q.routeUpdates,
		decision.WithSink(n.monitor), decision.WithBaseOptions(base...))
	if err != nil {
		return err
	}

	n.fib, err = fib.New(cfg.NodeName, cfg.Fib,
		n.q.routeUpdates.GetReader(), n.q.interfaceUpdates.GetReader(), n.monitor, base...)
	if err != nil {
		return err
	}

	n.prefixAllocator, err = prefixallocator.New(cfg.NodeName, cfg.PrefixAllocator,
		n.kvClient, n.configStore, n.q.prefixUpdates, base...)
	if err != nil {
		return err
	}

	n.publisher = platform.NewPublisher(n.q.platformEvents, n.log.Named("platform"))

	wdOpts := []watchdog.Option{
		watchdog.WithFatalHandler(watchdog.FatalHandler(n.fatal)),
		watchdog.WithSink(n.monitor),
		watchdog.OnUnhealthy(func(name string, _ time.Time) {
			n.ctrl.SetServingStatus(name, false)
		}),
		watchdog.WithBaseOptions(base...),
	}
	if o.mem != nil {
		wdOpts = append(wdOpts, watchdog.WithMemoryReader(o.mem))
	}
	n.watchdog, err = watchdog.New(cfg.Watchdog, n.heartbeaters(), wdOpts...)
	if err != nil {
		return err
	}

	n.group = module.NewGroup(
		module.WithGroupLogger(n.log),
		module.OnRunning(func(m module.Module) { n.ctrl.SetServingStatus(m.Name(), true) }),
		module.OnStopped(func(m module.Module) { n.ctrl.SetServingStatus(m.Name(), false) }),
	)
	return nil
}

func (n *Node) buildBackend(o options, base []module.BaseOption) (kvstore.Backend, error) {
	if o.backend != nil {
		return o.backend(n.q.kvStoreUpdates)
	}
	if n.cfg.KvStore.Backend == BackendEtcd {
		return etcd.NewBackend(n.cfg.KvStore.Etcd, n.q.kvStoreUpdates, base...)
	}
	memCfg := n.cfg.KvStore.Memory
	memCfg.NodeName = n.cfg.NodeName
	if memCfg.TTLCheckInterval == 0 {
		memCfg.TTLCheckInterval = kvstore.DefaultConfig().TTLCheckInterval
	}
	return kvstore.New(memCfg, n.q.kvStoreUpdates, n.q.peerUpdates.GetReader(),
		kvstore.WithSink(n.monitor), kvstore.WithBaseOptions(base...))
}

// heartbeaters 看门狗检查的模块，在看门狗构造前调用，因此不含看门狗自身
func (n *Node) heartbeaters() []module.Heartbeater {
	var out []module.Heartbeater
	for _, m := range n.startSequence() {
		if hb, ok := m.(module.Heartbeater); ok {
			out = append(out, hb)
		}
	}
	return out
}

// startSequence 模块启动顺序
func (n *Node) startSequence() []module.Module {
	seq := []module.Module{
		n.configStore,
		n.kvStore,
		n.monitor,
		n.ctrl,
		n.prefixManager,
		n.prefixAllocator,
		n.spark,
		n.linkMonitor,
		n.decision,
		n.fib,
	}
	if n.watchdog != nil {
		seq = append(seq, n.watchdog)
	}
	return append(seq, n.kvClient)
}

// Start 绑定控制面端点并按顺序启动全部模块，每个模块就绪后才启动下一个。
// 端点绑定失败交给致命处理函数。
func (n *Node) Start() error {
	if n.stopped.Load() {
		return errStopped
	}
	if !n.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	if err := n.ctrl.Listen(); err != nil {
		n.fatal(errors.Wrap(err, "node: bind ctrl endpoint"))
		return err
	}

	for _, m := range n.startSequence() {
		if err := n.group.Spawn(m); err != nil {
			return errors.Wrapf(err, "node: start %s", m.Name())
		}
	}
	n.ctrl.SetServingStatus("", true)

	if n.cfg.Platform.Announce {
		n.publisher.AnnounceAfter(n.cfg.Platform.AnnounceDelay, platform.AnnouncementLink(n.cfg.NodeName))
	}
	n.log.Info("node started", logger.Field{Key: "modules", Value: n.group.StartOrder()})
	return nil
}

// Stop 关闭全部队列后按启动逆序停止模块并等待所有协程退出，只执行一次
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.stopped.Store(true)
		n.publisher.Cancel()
		n.ctrl.SetServingStatus("", false)

		n.q.closeAll()
		n.stopErr = n.group.Shutdown()
		n.log.Info("node stopped", logger.Field{Key: "order", Value: n.group.StopOrder()})
		_ = n.log.Sync()
	})
	return n.stopErr
}

// StartOrder 返回实际启动顺序
func (n *Node) StartOrder() []string {
	return n.group.StartOrder()
}

// StopOrder 返回实际停止顺序
func (n *Node) StopOrder() []string {
	return n.group.StopOrder()
}

func (n *Node) defaultFatal(err error) {
	n.log.Error("fatal error, exiting", logger.Err(err))
	_ = n.log.Sync()
	os.Exit(1)
}

// 模块访问器，供外部驱动检查状态

// Name 返回节点名
func (n *Node) Name() string { return n.cfg.NodeName }

// KvStore 返回分布式存储后端
func (n *Node) KvStore() kvstore.Backend { return n.kvStore }

// KvClient 返回存储客户端
func (n *Node) KvClient() *kvstore.Client { return n.kvClient }

// LinkMonitor 返回链路监控模块
func (n *Node) LinkMonitor() *linkmonitor.LinkMonitor { return n.linkMonitor }

// Spark 返回邻居发现模块
func (n *Node) Spark() *spark.Spark { return n.spark }

// PrefixManager 返回前缀管理模块
func (n *Node) PrefixManager() *prefixmanager.PrefixManager { return n.prefixManager }

// PrefixAllocator 返回前缀分配模块
func (n *Node) PrefixAllocator() *prefixallocator.PrefixAllocator { return n.prefixAllocator }

// Decision 返回路由计算模块
func (n *Node) Decision() *decision.Decision { return n.decision }

// Fib 返回路由下发模块
func (n *Node) Fib() *fib.Fib { return n.fib }

// Watchdog 返回看门狗
func (n *Node) Watchdog() *watchdog.Watchdog { return n.watchdog }

// Monitor 返回指标模块
func (n *Node) Monitor() *monitor.Monitor { return n.monitor }

// ConfigStore 返回本地配置存储
func (n *Node) ConfigStore() *persiststore.Store { return n.configStore }

// Ctrl 返回控制面端点
func (n *Node) Ctrl() *ctrl.Server { return n.ctrl }

// Platform 返回平台事件发布者
func (n *Node) Platform() *platform.Publisher { return n.publisher }
