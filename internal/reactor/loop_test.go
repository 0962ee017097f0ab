package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoop_PostFromTaskRunsOnNextTick(t *testing.T) {
	l := startLoop(t)

	var got []string
	done := make(chan struct{})
	// Queue both from inside one tick so they land in the same batch.
	require.NoError(t, l.Do(context.Background(), func() {
		l.Post(func() {
			got = append(got, "a")
			l.Post(func() {
				got = append(got, "nested")
				close(done)
			})
		})
		l.Post(func() { got = append(got, "b") })
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested task never ran")
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []string{"a", "b", "nested"}, got)
}

func TestLoop_DoAfterStop(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	err := l.Do(context.Background(), func() { t.Error("must not run") })
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestLoop_DoHonoursContext(t *testing.T) {
	l := New(zerolog.Nop()) // never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoop_RecoversPanics(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestTimer_AfterFiresOnce(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 4)
	var timer *Timer
	require.NoError(t, l.Do(context.Background(), func() {
		timer = l.After(5*time.Millisecond, func() { fired <- struct{}{} })
	}))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fired, 0)

	var stopped bool
	require.NoError(t, l.Do(context.Background(), func() { stopped = timer.Stopped() }))
	assert.True(t, stopped)
}

func TestTimer_EveryUntilStopped(t *testing.T) {
	l := startLoop(t)

	count := 0
	var timer *Timer
	require.NoError(t, l.Do(context.Background(), func() {
		timer = l.Every(2*time.Millisecond, func() {
			count++
			if count == 3 {
				timer.Stop()
			}
		})
	}))

	require.Eventually(t, func() bool {
		var c int
		_ = l.Do(context.Background(), func() { c = count })
		return c == 3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	var c int
	require.NoError(t, l.Do(context.Background(), func() { c = count }))
	assert.Equal(t, 3, c)
}

func TestTimer_StopDiscardsQueuedFire(t *testing.T) {
	l := startLoop(t)

	fired := false
	require.NoError(t, l.Do(context.Background(), func() {
		timer := l.After(time.Millisecond, func() { fired = true })
		// Let the underlying timer expire while the loop is busy, so the
		// fire is already queued when Stop runs.
		time.Sleep(10 * time.Millisecond)
		timer.Stop()
	}))
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, fired)
}
