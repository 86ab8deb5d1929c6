package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New[int](0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestBuffer_FIFO(t *testing.T) {
	b, err := New[int](3)
	require.NoError(t, err)

	assert.True(t, b.Write(1))
	assert.True(t, b.Write(2))
	assert.Equal(t, 2, b.Len())

	v, ok := b.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, b.Write(3))
	assert.True(t, b.Write(4))
	assert.Equal(t, []int{2, 3, 4}, b.Drain())

	_, ok = b.Read()
	assert.False(t, ok)
}

func TestBuffer_DropOldest(t *testing.T) {
	var dropped []int
	b, err := New(2, WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))
	require.NoError(t, err)

	b.Write(1)
	b.Write(2)
	assert.False(t, b.Write(3))

	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, int64(1), b.Dropped())
	assert.Equal(t, []int{2, 3}, b.Drain())
}

func TestBuffer_DropNewest(t *testing.T) {
	b, err := New(2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)

	b.Write(1)
	b.Write(2)
	assert.False(t, b.Write(3))
	assert.Equal(t, []int{1, 2}, b.Drain())
}

func TestBuffer_Requeue(t *testing.T) {
	var dropped []int
	b, err := New(3, WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))
	require.NoError(t, err)

	b.Write(2)
	b.Write(3)
	b.Requeue(1)
	assert.Equal(t, []int{1, 2, 3}, b.Drain())

	b.Write(2)
	b.Write(3)
	b.Write(4)
	b.Requeue(1)
	assert.Equal(t, []int{4}, dropped, "requeue on a full buffer drops the newest")
	assert.Equal(t, []int{1, 2, 3}, b.Drain())
}

func TestBuffer_Concurrent(t *testing.T) {
	b, err := New[int](1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Write(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, b.Len())
	assert.Equal(t, int64(0), b.Dropped())
	assert.Equal(t, "DropOldest", DropOldest.String())
}
