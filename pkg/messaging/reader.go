package messaging

import "sync"

// Reader 队列读游标，由队列所有者借给消费者使用。
// 同一个 Reader 可被多个协程并发 Get，每条消息只会被其中一个取走。
type Reader[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	closed bool
	reads  int64
}

func newReader[T any]() *Reader[T] {
	r := &Reader[T]{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Get 阻塞直到有消息或队列关闭。关闭后返回 ErrQueueClosed，未读消息被丢弃。
func (r *Reader[T]) Get() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		var zero T
		return zero, ErrQueueClosed
	}
	msg := r.buf[0]
	var zero T
	r.buf[0] = zero
	r.buf = r.buf[1:]
	r.reads++
	return msg, nil
}

// TryGet 非阻塞读取，无消息或已关闭时 ok 为 false。
func (r *Reader[T]) TryGet() (msg T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.buf) == 0 {
		return msg, false
	}
	msg = r.buf[0]
	var zero T
	r.buf[0] = zero
	r.buf = r.buf[1:]
	r.reads++
	return msg, true
}

// Size 待读消息数量
func (r *Reader[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// NumReads 已读消息数量
func (r *Reader[T]) NumReads() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func (r *Reader[T]) push(msg T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, msg)
	r.mu.Unlock()
	r.cond.Signal()
}

func (r *Reader[T]) close() {
	r.mu.Lock()
	r.closed = true
	r.buf = nil
	r.mu.Unlock()
	r.cond.Broadcast()
}
