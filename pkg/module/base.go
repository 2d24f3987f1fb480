package module

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/routenode/pkg/clock"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/ticker"
)

var (
	// ErrAlreadyRun 模块已经运行过，模块实例不可重复使用
	ErrAlreadyRun = errors.New("module: already run")
	// ErrNotRunning 模块已停止，事件循环不再接受任务
	ErrNotRunning = errors.New("module: not running")
	// ErrTasksLocked 模块启动后不能再添加任务
	ErrTasksLocked = errors.New("module: tasks locked after run")
)

// DefaultHeartbeatInterval 默认心跳间隔
const DefaultHeartbeatInterval = time.Second

// Task 模块内的长期任务，通常循环读取某个队列直到其关闭。
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	fn   Task
}

// Base 提供 Module 的通用实现：
// 单协程事件循环串行执行闭包，若干长期任务，周期心跳，以及运行/停止屏障。
// 心跳通过事件循环更新，事件循环被阻塞时心跳随之停止。
type Base struct {
	name              string
	clk               clock.Clock
	log               logger.Logger
	heartbeatInterval time.Duration

	state         atomic.Int32
	lastHeartbeat atomic.Time

	events *messaging.Queue[func()]
	loop   *messaging.Reader[func()]

	tasksMu sync.Mutex
	tasks   []namedTask

	ctx       context.Context
	cancel    context.CancelFunc
	runningCh chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// BaseOption Base 选项
type BaseOption func(*Base)

// WithClock 设置心跳时间源
func WithClock(c clock.Clock) BaseOption {
	return func(b *Base) {
		if c != nil {
			b.clk = c
		}
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) BaseOption {
	return func(b *Base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(d time.Duration) BaseOption {
	return func(b *Base) {
		if d > 0 {
			b.heartbeatInterval = d
		}
	}
}

// NewBase 创建模块基础实现
func NewBase(name string, opts ...BaseOption) *Base {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		name:              name,
		clk:               clock.Real(),
		log:               logger.Nop(),
		heartbeatInterval: DefaultHeartbeatInterval,
		events:            messaging.NewQueue[func()](),
		ctx:               ctx,
		cancel:            cancel,
		runningCh:         make(chan struct{}),
		stoppedCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.loop = b.events.GetReader()
	b.log = b.log.With(logger.Field{Key: "module", Value: name})
	return b
}

// Name 返回模块名称
func (b *Base) Name() string {
	return b.name
}

// Logger 返回带模块字段的日志
func (b *Base) Logger() logger.Logger {
	return b.log
}

// Clock 返回时间源
func (b *Base) Clock() clock.Clock {
	return b.clk
}

// State 返回当前生命周期状态
func (b *Base) State() State {
	return State(b.state.Load())
}

// LastHeartbeat 返回最近一次事件循环心跳时间
func (b *Base) LastHeartbeat() time.Time {
	return b.lastHeartbeat.Load()
}

// AddTask 注册长期任务，必须在 Run 之前调用。
func (b *Base) AddTask(name string, fn Task) error {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()
	if b.State() != StateCreated {
		return errors.Wrapf(ErrTasksLocked, "module %s task %s", b.name, name)
	}
	b.tasks = append(b.tasks, namedTask{name: name, fn: fn})
	return nil
}

// Run 运行事件循环，阻塞直到 Stop 且所有任务退出。
func (b *Base) Run() error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return errors.Wrapf(ErrAlreadyRun, "module %s", b.name)
	}

	b.tasksMu.Lock()
	tasks := append([]namedTask(nil), b.tasks...)
	b.tasksMu.Unlock()

	var g errgroup.Group
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			b.log.Debug("task started", logger.Field{Key: "task", Value: t.name})
			err := t.fn(b.ctx)
			b.log.Debug("task finished", logger.Field{Key: "task", Value: t.name})
			if err != nil && !errors.Is(err, messaging.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				return errors.Wrapf(err, "module %s task %s", b.name, t.name)
			}
			return nil
		})
	}

	g.Go(func() error {
		_ = ticker.Post(b.ctx, b, b.heartbeatInterval, b.touch)
		return nil
	})

	b.touch()
	close(b.runningCh)
	b.log.Info("module running")

	for {
		fn, err := b.loop.Get()
		if err != nil {
			break
		}
		fn()
	}

	b.cancel()
	err := g.Wait()

	b.state.Store(int32(StateStopped))
	close(b.stoppedCh)
	b.log.Info("module stopped")
	return err
}

// Stop 请求停止：关闭事件循环并取消任务上下文，可重复调用。
func (b *Base) Stop() {
	b.stopOnce.Do(func() {
		b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		b.cancel()
		b.events.Close()
	})
}

// WaitUntilRunning 阻塞直到模块进入运行状态
func (b *Base) WaitUntilRunning() {
	<-b.runningCh
}

// WaitUntilStopped 阻塞直到模块完全停止
func (b *Base) WaitUntilStopped() {
	<-b.stoppedCh
}

// Running 返回运行信号通道
func (b *Base) Running() <-chan struct{} {
	return b.runningCh
}

// Stopped 返回停止信号通道
func (b *Base) Stopped() <-chan struct{} {
	return b.stoppedCh
}

// RunInEventLoop 将 fn 投递到事件循环异步执行。
func (b *Base) RunInEventLoop(fn func()) error {
	if !b.events.Push(fn) {
		return errors.Wrapf(ErrNotRunning, "module %s", b.name)
	}
	return nil
}

// Call 在事件循环中执行 fn 并等待其完成。
func (b *Base) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := b.RunInEventLoop(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		select {
		case <-done:
			return nil
		default:
			return errors.Wrapf(ErrNotRunning, "module %s", b.name)
		}
	}
}

// AfterFunc 在 d 之后将 fn 投递到事件循环，返回的 Timer 可用于取消。
func (b *Base) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		_ = b.RunInEventLoop(fn)
	})
}

func (b *Base) touch() {
	b.lastHeartbeat.Store(b.clk.Now())
}

// CallResult 在模块事件循环中执行 fn 并返回其结果。
func CallResult[T any](ctx context.Context, b *Base, fn func() T) (T, error) {
	ch := make(chan T, 1)
	if err := b.Call(ctx, func() { ch <- fn() }); err != nil {
		var zero T
		return zero, err
	}
	return <-ch, nil
}

var _ Module = (*Base)(nil)
var _ Heartbeater = (*Base)(nil)
