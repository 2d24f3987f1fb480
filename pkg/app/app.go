package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/logger"
)

var errNilRunnable = errors.New("app: runnable is nil")

// Runnable 可启动、停止的对象，例如一个节点。
type Runnable interface {
	// Start 启动，不阻塞。
	Start() error
	// Stop 停止并等待全部工作结束。
	Stop() error
}

// Application 托管一个 Runnable：启动后等待退出信号或上下文取消，并只停止一次。
type Application struct {
	name    string
	target  Runnable
	log     logger.Logger
	signals []os.Signal

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error
}

// Option 应用选项
type Option func(*Application)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(a *Application) {
		if l != nil {
			a.log = l
		}
	}
}

// WithSignals 替换触发退出的信号
func WithSignals(sigs ...os.Signal) Option {
	return func(a *Application) {
		a.signals = sigs
	}
}

// New 创建应用
func New(name string, target Runnable, opts ...Option) *Application {
	a := &Application{
		name:       name,
		target:     target,
		log:        logger.Nop(),
		signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logger.Field{Key: "app", Value: name})
	return a
}

// Name 返回应用名称
func (a *Application) Name() string {
	return a.name
}

// Run 启动并阻塞运行，直到收到退出信号、上下文取消或 Shutdown 被调用。
func (a *Application) Run(ctx context.Context) error {
	if a.target == nil {
		return errNilRunnable
	}
	sigCh := make(chan os.Signal, 1)
	if len(a.signals) > 0 {
		signal.Notify(sigCh, a.signals...)
		defer signal.Stop(sigCh)
	}

	if err := a.target.Start(); err != nil {
		_ = a.Shutdown()
		return errors.Wrapf(err, "app: start %s", a.name)
	}
	a.log.Info("application started")

	select {
	case <-ctx.Done():
		a.log.Info("context done, shutting down")
		_ = a.Shutdown()
		return ctx.Err()
	case sig := <-sigCh:
		a.log.Info("signal received, shutting down", logger.Field{Key: "signal", Value: sig.String()})
		return a.Shutdown()
	case <-a.shutdownCh:
		return a.shutdownErr
	}
}

// Shutdown 停止托管对象，可重复调用，只执行一次。
func (a *Application) Shutdown() error {
	a.shutdownOnce.Do(func() {
		if a.target != nil {
			a.shutdownErr = a.target.Stop()
		}
		if a.shutdownErr != nil {
			a.log.Error("application stopped with error", logger.Err(a.shutdownErr))
		} else {
			a.log.Info("application stopped")
		}
		close(a.shutdownCh)
	})
	<-a.shutdownCh
	return a.shutdownErr
}

// Done 返回关闭完成信号
func (a *Application) Done() <-chan struct{} {
	return a.shutdownCh
}
