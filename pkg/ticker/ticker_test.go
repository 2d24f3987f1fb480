package ticker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestRunFiresUntilCanceled(t *testing.T) {
	var count int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, 5*time.Millisecond, func(time.Time) {
			atomic.AddInt64(&count, 1)
		})
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if n := atomic.LoadInt64(&count); n < 3 {
		t.Errorf("fired %d times, want at least 3", n)
	}
}

func TestRunImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	go func() {
		_ = Run(ctx, time.Hour, func(time.Time) {
			select {
			case fired <- struct{}{}:
			default:
			}
		}, WithImmediate())
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("immediate tick not fired")
	}
}

func TestJitterShortensInterval(t *testing.T) {
	cfg := config{}
	WithJitter(0.5)(&cfg)
	for i := 0; i < 100; i++ {
		d := cfg.next(time.Second)
		if d > time.Second || d < 500*time.Millisecond {
			t.Fatalf("next() = %v, want within [500ms, 1s]", d)
		}
	}

	WithJitter(1.5)(&cfg)
	if cfg.jitter != 0.5 {
		t.Errorf("out of range jitter accepted: %v", cfg.jitter)
	}
}

// loop 模拟事件循环：投递的闭包由测试显式执行
type loop struct {
	mu     sync.Mutex
	queued []func()
	closed bool
}

var errLoopClosed = errors.New("loop closed")

func (l *loop) RunInEventLoop(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLoopClosed
	}
	l.queued = append(l.queued, fn)
	return nil
}

func (l *loop) drain() int {
	l.mu.Lock()
	fns := l.queued
	l.queued = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (l *loop) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func TestPostCoalescesWhileLoopBusy(t *testing.T) {
	l := &loop{}
	var ran int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Post(ctx, l, 2*time.Millisecond, func() { atomic.AddInt64(&ran, 1) })
	}()

	// 事件循环不执行期间只应积压一个闭包
	time.Sleep(40 * time.Millisecond)
	if n := l.drain(); n != 1 {
		t.Fatalf("queued %d closures while busy, want 1", n)
	}
	if atomic.LoadInt64(&ran) != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	time.Sleep(20 * time.Millisecond)
	if n := l.drain(); n != 1 {
		t.Errorf("queued %d closures after drain, want 1", n)
	}
}

func TestPostReturnsWhenLoopCloses(t *testing.T) {
	l := &loop{}
	l.close()

	done := make(chan error, 1)
	go func() {
		done <- Post(context.Background(), l, time.Millisecond, func() {})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, errLoopClosed) {
			t.Errorf("Post() = %v, want errLoopClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Post did not return after loop closed")
	}
}

func TestPostPrefersContextError(t *testing.T) {
	l := &loop{}
	l.close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Post(ctx, l, time.Millisecond, func() {}, WithImmediate()); !errors.Is(err, context.Canceled) {
		t.Errorf("Post() = %v, want context.Canceled", err)
	}
}
