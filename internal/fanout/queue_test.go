package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Host: "a", Kind: KindStart})
	q.Push(Event{Host: "a", Kind: KindDone})
	assert.Equal(t, 2, q.Len())

	e, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, KindStart, e.Kind)
	e, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, KindDone, e.Kind)

	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(Event{Kind: KindDone})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindDone, e.Kind)
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(Event{Host: string(rune('a' + i)), Kind: KindData})
	}

	first := q.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Host)
	assert.Equal(t, "b", first[1].Host)

	rest := q.Drain(0)
	require.Len(t, rest, 3)
	assert.Equal(t, "c", rest[0].Host)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain(10))
}

func TestQueue_WaitReturnsImmediatelyWhenNonEmpty(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Kind: KindStart})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, q.Wait(ctx))
}
