package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOPerReader(t *testing.T) {
	q := NewQueue[int]()
	r1 := q.GetReader()
	r2 := q.GetReader()

	for i := 0; i < 100; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, int64(100), q.NumWrites())
	assert.Equal(t, 2, q.NumReaders())

	for _, r := range []*Reader[int]{r1, r2} {
		assert.Equal(t, 100, r.Size())
		for i := 0; i < 100; i++ {
			v, err := r.Get()
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
		assert.Equal(t, int64(100), r.NumReads())
	}
}

func TestReaderSeesOnlyLaterMessages(t *testing.T) {
	q := NewQueue[string]()
	early := q.GetReader()
	q.Push("a")
	late := q.GetReader()
	q.Push("b")

	assert.Equal(t, 2, early.Size())
	assert.Equal(t, 1, late.Size())

	v, err := late.Get()
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestPushAfterCloseIsNoop(t *testing.T) {
	q := NewQueue[int]()
	r := q.GetReader()
	q.Close()
	q.Close()

	assert.True(t, q.IsClosed())
	assert.False(t, q.Push(1))
	assert.Equal(t, int64(0), q.NumWrites())

	_, err := r.Get()
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCloseUnblocksPendingGet(t *testing.T) {
	q := NewQueue[int]()
	readers := []*Reader[int]{q.GetReader(), q.GetReader()}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, r := range readers {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(r *Reader[int]) {
				defer wg.Done()
				_, err := r.Get()
				errs <- err
			}(r)
		}
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get() still blocked after Close()")
	}

	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrQueueClosed)
	}
}

func TestReaderAfterClose(t *testing.T) {
	q := NewQueue[int]()
	q.Close()

	r := q.GetReader()
	_, err := r.Get()
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, 0, q.NumReaders())
}

func TestTryGet(t *testing.T) {
	q := NewQueue[int]()
	r := q.GetReader()

	_, ok := r.TryGet()
	assert.False(t, ok)

	q.Push(7)
	v, ok := r.TryGet()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	type msg struct {
		producer int
		seq      int
	}
	q := NewQueue[msg]()
	r := q.GetReader()

	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(msg{producer: p, seq: i})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{}
	for i := 0; i < producers*perProducer; i++ {
		m, err := r.Get()
		require.NoError(t, err)
		if prev, ok := last[m.producer]; ok {
			assert.Greater(t, m.seq, prev)
		}
		last[m.producer] = m.seq
	}
}
