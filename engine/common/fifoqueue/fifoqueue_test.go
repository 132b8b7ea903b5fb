package fifoqueue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/engine/common/fifoqueue"
)

func TestFifoQueue_PushPopOrder(t *testing.T) {
	q, err := fifoqueue.NewFifoQueue()
	require.NoError(t, err)

	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	require.True(t, q.Push(3))

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestFifoQueue_PopEmpty(t *testing.T) {
	q, err := fifoqueue.NewFifoQueue()
	require.NoError(t, err)
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestFifoQueue_RejectsPushOverCapacity(t *testing.T) {
	q, err := fifoqueue.NewFifoQueue(fifoqueue.WithCapacity(2))
	require.NoError(t, err)

	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	require.False(t, q.Push(3))
	require.Equal(t, 2, q.Len())
}

func TestFifoQueue_LengthObserverFires(t *testing.T) {
	var lengths []int
	q, err := fifoqueue.NewFifoQueue(fifoqueue.WithLengthObserver(func(n int) {
		lengths = append(lengths, n)
	}))
	require.NoError(t, err)

	q.Push(1)
	q.Push(2)
	q.Pop()

	require.Equal(t, []int{1, 2, 1}, lengths)
}

func TestFifoQueue_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := fifoqueue.NewFifoQueue(fifoqueue.WithCapacity(0))
	require.Error(t, err)
}
