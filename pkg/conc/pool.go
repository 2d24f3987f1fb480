package conc

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
)

// Pool 基于 ants 的泛型协程池，Submit 返回 Future。
type Pool[T any] struct {
	inner *ants.Pool
}

// NewPool 创建容量为 size 的协程池。
func NewPool[T any](size int, opts ...ants.Option) *Pool[T] {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	opts = append([]ants.Option{ants.WithPreAlloc(false)}, opts...)
	inner, err := ants.NewPool(size, opts...)
	if err != nil {
		// 仅在 size 非法时出错，上面已修正
		panic(err)
	}
	return &Pool[T]{inner: inner}
}

// NewDefaultPool 创建容量为 GOMAXPROCS 的协程池。
func NewDefaultPool[T any]() *Pool[T] {
	return NewPool[T](runtime.GOMAXPROCS(0))
}

// Submit 提交任务。池已关闭或非阻塞模式下池满时，Future 立即携带错误完成。
func (p *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := p.inner.Submit(func() {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("conc: task panicked: %v", r)
			}
			future.complete(value, err)
		}()
		value, err = method()
	})
	if err != nil {
		var zero T
		future.complete(zero, errors.Wrap(err, "conc: submit failed"))
	}
	return future
}

// Cap 返回协程池容量。
func (p *Pool[T]) Cap() int {
	return p.inner.Cap()
}

// Running 返回正在运行的协程数量。
func (p *Pool[T]) Running() int {
	return p.inner.Running()
}

// Release 关闭协程池。
func (p *Pool[T]) Release() {
	p.inner.Release()
}
