package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, s)
}

func (o *recordingObserver) SessionCreated(id string, keys []string) { o.add("created") }
func (o *recordingObserver) SessionDestroyed(id string)              { o.add("destroyed") }
func (o *recordingObserver) CommandRun(id string, keys []string, command string) {
	o.add("run " + command)
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestManager_Lifecycle(t *testing.T) {
	e := newEnv(t, nil)
	obs := &recordingObserver{}
	m := NewManager(e.loop, e.pool, obs, zerolog.Nop())
	ctx := context.Background()

	info, err := m.Create(ctx, []string{"h1", "deploy@h2"}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, []string{"root@h1", "deploy@h2"}, info.Keys)

	got, err := m.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Run(ctx, info.ID, "echo hi"))
	q, err := m.Queue(ctx, info.ID)
	require.NoError(t, err)
	collectRun(t, q)

	st, err := m.Status(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, HostDone, st.Children["root@h1"])

	require.NoError(t, m.Destroy(ctx, info.ID))
	got, err = m.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, got.Dead)
	assert.ErrorIs(t, m.Run(ctx, info.ID, "echo again"), ErrSessionDead)

	require.NoError(t, m.Remove(ctx, info.ID))
	_, err = m.Get(ctx, info.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, []string{"created", "run echo hi", "destroyed"}, obs.seen())
}

func TestManager_CreateErrors(t *testing.T) {
	e := newEnv(t, nil)
	m := NewManager(e.loop, e.pool, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := m.Create(ctx, nil, false)
	assert.ErrorIs(t, err, ErrNoHosts)

	_, err = m.Create(ctx, []string{"h1", "user@"}, false)
	assert.Error(t, err)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_UnknownSession(t *testing.T) {
	e := newEnv(t, nil)
	m := NewManager(e.loop, e.pool, nil, zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, m.Run(ctx, "nope", "ls"), ErrSessionNotFound)
	assert.ErrorIs(t, m.Write(ctx, "nope", "h1", []byte("x")), ErrSessionNotFound)
	assert.ErrorIs(t, m.Terminate(ctx, "nope", "h1"), ErrSessionNotFound)
	_, err := m.Drain(ctx, "nope", 10, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_WriteNormalizesKey(t *testing.T) {
	e := newEnv(t, nil)
	m := NewManager(e.loop, e.pool, nil, zerolog.Nop())
	ctx := context.Background()

	info, err := m.Create(ctx, []string{"h1"}, true)
	require.NoError(t, err)

	assert.NoError(t, m.Write(ctx, info.ID, "root@h1:22", []byte("x")))
	assert.ErrorIs(t, m.Write(ctx, info.ID, "h2", []byte("x")), ErrUnknownHost)
	assert.ErrorIs(t, m.Write(ctx, info.ID, "user@", []byte("x")), ErrUnknownHost)
	assert.ErrorIs(t, m.Terminate(ctx, info.ID, "h3"), ErrUnknownHost)
	assert.NoError(t, m.Terminate(ctx, info.ID, "h1"))
}

func TestManager_DrainWaitsForFirstEvent(t *testing.T) {
	e := newEnv(t, nil)
	m := NewManager(e.loop, e.pool, nil, zerolog.Nop())
	ctx := context.Background()

	info, err := m.Create(ctx, []string{"h1"}, false)
	require.NoError(t, err)

	events, err := m.Drain(ctx, info.ID, 0, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, m.Run(ctx, info.ID, "echo hi"))
	events, err = m.Drain(ctx, info.ID, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindDead, events[0].Kind)

	ev, err := m.Dequeue(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, KindStart, ev.Kind)
}

func TestManager_CleanupIdle(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	e := newEnv(t, func(o *sshpool.Options) { o.Now = clk.Now })
	obs := &recordingObserver{}
	m := NewManager(e.loop, e.pool, obs, zerolog.Nop())
	ctx := context.Background()

	stale, err := m.Create(ctx, []string{"h1"}, false)
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)
	fresh, err := m.Create(ctx, []string{"h2"}, false)
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	n, err := m.CleanupIdle(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := m.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids)
	_, err = m.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Contains(t, obs.seen(), "destroyed")

	e.do(func() {
		// The freed connection may already have expired.
		if c, ok := e.pool.Get("h1"); ok {
			assert.Zero(t, c.BoundSessions())
		}
	})
}

func TestManager_ListAndClose(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	e := newEnv(t, func(o *sshpool.Options) { o.Now = clk.Now })
	m := NewManager(e.loop, e.pool, nil, zerolog.Nop())
	ctx := context.Background()

	a, err := m.Create(ctx, []string{"h1"}, false)
	require.NoError(t, err)
	clk.Advance(time.Second)
	b, err := m.Create(ctx, []string{"h2"}, true)
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.True(t, list[1].Interactive)

	require.NoError(t, m.Close(ctx))
	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
