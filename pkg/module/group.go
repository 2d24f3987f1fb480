package module

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/routenode/pkg/logger"
)

var (
	errNilModule       = errors.New("module: module is nil")
	errDuplicateModule = errors.New("module: duplicate module name")
	errGroupStopped    = errors.New("module: group already stopped")
)

// Group 按创建顺序持有所有模块协程，停止时严格逆序（LIFO）。
type Group struct {
	log logger.Logger

	mu         sync.Mutex
	eg         errgroup.Group
	modules    []Module
	names      map[string]struct{}
	startOrder []string
	stopOrder  []string
	stopped    bool

	onRunning func(Module)
	onStopped func(Module)

	stopOnce sync.Once
	waitOnce sync.Once
	waitErr  error
}

// GroupOption Group 选项
type GroupOption func(*Group)

// WithGroupLogger 设置日志
func WithGroupLogger(l logger.Logger) GroupOption {
	return func(g *Group) {
		if l != nil {
			g.log = l
		}
	}
}

// OnRunning 模块进入运行状态后的回调
func OnRunning(fn func(Module)) GroupOption {
	return func(g *Group) {
		g.onRunning = fn
	}
}

// OnStopped 模块停止后的回调
func OnStopped(fn func(Module)) GroupOption {
	return func(g *Group) {
		g.onStopped = fn
	}
}

// NewGroup 创建模块组
func NewGroup(opts ...GroupOption) *Group {
	g := &Group{
		log:   logger.Nop(),
		names: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Spawn 在新协程中运行模块，并阻塞直到其进入运行状态（无超时）。
func (g *Group) Spawn(m Module) error {
	if m == nil {
		return errNilModule
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return errGroupStopped
	}
	if _, exists := g.names[m.Name()]; exists {
		g.mu.Unlock()
		return errors.Wrapf(errDuplicateModule, "%s", m.Name())
	}
	g.names[m.Name()] = struct{}{}
	g.modules = append(g.modules, m)
	g.mu.Unlock()

	g.eg.Go(func() error {
		if err := m.Run(); err != nil {
			g.log.Error("module run failed", logger.Field{Key: "module", Value: m.Name()}, logger.Err(err))
			return errors.Wrapf(err, "module %s", m.Name())
		}
		return nil
	})
	m.WaitUntilRunning()

	g.mu.Lock()
	g.startOrder = append(g.startOrder, m.Name())
	g.mu.Unlock()

	g.log.Info("module started", logger.Field{Key: "module", Value: m.Name()})
	if g.onRunning != nil {
		g.onRunning(m)
	}
	return nil
}

// StopAll 按启动逆序逐个停止模块，每个模块停止完成后才处理下一个。只执行一次。
func (g *Group) StopAll() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopped = true
		modules := append([]Module(nil), g.modules...)
		g.mu.Unlock()

		for i := len(modules) - 1; i >= 0; i-- {
			m := modules[i]
			m.Stop()
			m.WaitUntilStopped()

			g.mu.Lock()
			g.stopOrder = append(g.stopOrder, m.Name())
			g.mu.Unlock()

			g.log.Info("module stopped", logger.Field{Key: "module", Value: m.Name()})
			if g.onStopped != nil {
				g.onStopped(m)
			}
		}
	})
}

// Wait 等待所有模块协程退出，只执行一次，返回首个运行错误。
func (g *Group) Wait() error {
	g.waitOnce.Do(func() {
		g.waitErr = g.eg.Wait()
	})
	return g.waitErr
}

// Shutdown 逆序停止并等待全部协程退出。
func (g *Group) Shutdown() error {
	g.StopAll()
	return g.Wait()
}

// StartOrder 返回模块实际的启动顺序
func (g *Group) StartOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.startOrder...)
}

// StopOrder 返回模块实际的停止顺序
func (g *Group) StopOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.stopOrder...)
}

// Modules 返回已启动的模块
func (g *Group) Modules() []Module {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Module(nil), g.modules...)
}
