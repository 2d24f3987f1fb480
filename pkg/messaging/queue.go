// Package messaging 提供模块间通信使用的可关闭、多读者、保序队列。
package messaging

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

// ErrQueueClosed 队列已关闭（读者的流结束信号）。
var ErrQueueClosed = errors.New("messaging: queue closed")

// Queue 复制队列：每条消息会被投递给所有读者。
// 生产者非阻塞写入，每个读者按写入顺序（FIFO）读取。
// 读者只能看到其创建之后写入的消息。
type Queue[T any] struct {
	mu      sync.RWMutex
	readers []*Reader[T]
	closed  bool
	writes  atomic.Int64
}

// NewQueue 创建队列
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push 写入一条消息。队列关闭后写入为空操作，返回 false。
func (q *Queue[T]) Push(msg T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	for _, r := range q.readers {
		r.push(msg)
	}
	q.writes.Inc()
	return true
}

// GetReader 创建一个独立的读游标。队列关闭后创建的读者立即读到流结束。
func (q *Queue[T]) GetReader() *Reader[T] {
	r := newReader[T]()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		r.close()
		return r
	}
	q.readers = append(q.readers, r)
	return r
}

// Close 关闭队列并唤醒所有阻塞的读者，可重复调用。
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, r := range q.readers {
		r.close()
	}
}

// IsClosed 队列是否已关闭
func (q *Queue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// NumReaders 读者数量
func (q *Queue[T]) NumReaders() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.readers)
}

// NumWrites 累计成功写入次数
func (q *Queue[T]) NumWrites() int64 {
	return q.writes.Load()
}
