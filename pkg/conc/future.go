package conc

import "github.com/cockroachdb/errors"

// Future 表示一个异步执行结果。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	close(f.ch)
}

// Await 阻塞直到任务完成，返回结果与错误。
func (f *Future[T]) Await() (T, error) {
	<-f.ch
	return f.value, f.err
}

// Value 阻塞直到任务完成并返回结果。
func (f *Future[T]) Value() T {
	<-f.ch
	return f.value
}

// Err 阻塞直到任务完成并返回错误。
func (f *Future[T]) Err() error {
	<-f.ch
	return f.err
}

// Done 判断任务是否已完成（非阻塞）。
func (f *Future[T]) Done() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Inner 返回完成信号通道，便于 select。
func (f *Future[T]) Inner() <-chan struct{} {
	return f.ch
}

// Go 在新协程中执行 fn，并返回其 Future。
// 适用于长时间运行的任务，不占用协程池容量。
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
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
		value, err = fn()
	}()
	return future
}

// BlockOnAll 等待所有 Future 完成，返回遇到的第一个错误。
func BlockOnAll[T any](futures ...*Future[T]) error {
	var firstErr error
	for _, f := range futures {
		if f == nil {
			continue
		}
		if err := f.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AwaitAll 等待所有 Future 完成并按顺序返回结果，遇到首个错误时返回该错误。
func AwaitAll[T any](futures ...*Future[T]) ([]T, error) {
	values := make([]T, 0, len(futures))
	for _, f := range futures {
		v, err := f.Await()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
