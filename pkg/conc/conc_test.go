package conc

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoReturnsValue(t *testing.T) {
	f := Go(func() (int, error) {
		return 42, nil
	})
	v, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, f.Done())
}

func TestGoRecoversPanic(t *testing.T) {
	f := Go(func() (struct{}, error) {
		panic("boom")
	})
	assert.Error(t, f.Err())
}

func TestBlockOnAllFirstError(t *testing.T) {
	errFirst := errors.New("first")
	futures := []*Future[int]{
		Go(func() (int, error) { return 1, nil }),
		Go(func() (int, error) { return 0, errFirst }),
		nil,
	}
	assert.ErrorIs(t, BlockOnAll(futures...), errFirst)
}

func TestAwaitAllOrder(t *testing.T) {
	futures := make([]*Future[int], 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		futures = append(futures, Go(func() (int, error) { return i, nil }))
	}
	values, err := AwaitAll(futures...)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, values)
}

func TestPoolSubmit(t *testing.T) {
	p := NewPool[int](2)
	defer p.Release()

	var count atomic.Int32
	futures := make([]*Future[int], 0, 10)
	for i := 0; i < 10; i++ {
		futures = append(futures, p.Submit(func() (int, error) {
			count.Add(1)
			return 1, nil
		}))
	}
	require.NoError(t, BlockOnAll(futures...))
	assert.Equal(t, int32(10), count.Load())
	assert.Equal(t, 2, p.Cap())
}

func TestPoolSubmitAfterRelease(t *testing.T) {
	p := NewPool[int](1, ants.WithNonblocking(true))
	p.Release()

	f := p.Submit(func() (int, error) { return 1, nil })
	assert.Error(t, f.Err())
}
