package sshpool

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/resolver"
	"github.com/gluk-w/claworc/fleetd/internal/transport/transporttest"
)

// fakeResolver answers from fixed tables and counts lookups.
type fakeResolver struct {
	mu    sync.Mutex
	v4    map[string][]string
	v6    map[string][]string
	errs  map[string]error
	calls map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		v4:    make(map[string][]string),
		v6:    make(map[string][]string),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (r *fakeResolver) LookupA(_ context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[host]++
	if err := r.errs[host]; err != nil {
		return nil, err
	}
	if a := r.v4[host]; len(a) > 0 {
		return a, nil
	}
	return nil, resolver.ErrNoData
}

func (r *fakeResolver) LookupAAAA(_ context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.v6[host]; len(a) > 0 {
		return a, nil
	}
	return nil, resolver.ErrNoData
}

func (r *fakeResolver) set(host string, addrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.v4[host] = addrs
}

func (r *fakeResolver) fail(host string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[host] = err
}

func (r *fakeResolver) lookups(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[host]
}

// seqRand returns the queued values in order, then zeros.
type seqRand struct {
	mu   sync.Mutex
	vals []int
}

func (r *seqRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.vals) == 0 {
		return 0
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v % n
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t      *testing.T
	loop   *reactor.Loop
	dialer *transporttest.Dialer
	res    *fakeResolver
	pool   *Pool
}

// newHarness starts a loop and a pool with fast timers. Hosts h1..h4 resolve
// to 10.0.0.1..4 and accept connections.
func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	loop := reactor.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	res := newFakeResolver()
	dialer := transporttest.NewDialer()
	for i, h := range []string{"h1", "h2", "h3", "h4"} {
		ip := "10.0.0." + strconv.Itoa(i+1)
		res.set(h, ip)
		dialer.Set(ip+":22", &transporttest.Host{})
	}

	opts := Options{
		MaxConnections: 10,
		HealthMin:      20 * time.Millisecond,
		HealthMax:      20 * time.Millisecond,
		RetryMin:       10 * time.Millisecond,
		RetryMax:       10 * time.Millisecond,
		Rand:           &seqRand{},
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{
		t:      t,
		loop:   loop,
		dialer: dialer,
		res:    res,
		pool:   New(loop, dialer, res, opts),
	}
}

// do runs fn on the loop.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), fn))
}

// eventually polls cond on the loop.
func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var ok bool
		if err := h.loop.Do(context.Background(), func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, 3*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) lookup(key string) *Connection {
	h.t.Helper()
	var (
		c   *Connection
		err error
	)
	h.do(func() { c, err = h.pool.Lookup(key) })
	require.NoError(h.t, err)
	return c
}

// testListener records everything a connection tells it. Fields are
// loop-confined.
type testListener struct {
	interactive bool
	dead        bool
	events      []string
	execs       []*Exec
}

func (l *testListener) Interactive() bool { return l.interactive }
func (l *testListener) Dead() bool        { return l.dead }

func (l *testListener) OnData(key string, p []byte) {
	l.events = append(l.events, key+" data "+string(p))
}

func (l *testListener) OnExtendedData(key string, code uint32, p []byte) {
	l.events = append(l.events, key+" stderr "+string(p))
}

func (l *testListener) OnExit(key string, code int) {
	l.events = append(l.events, key+" exit "+strconv.Itoa(code))
}

func (l *testListener) OnSignal(key string, name string) {
	l.events = append(l.events, key+" signal "+name)
}

func (l *testListener) OnConnectionError(key string, err error) {
	l.events = append(l.events, key+" conn-error")
}

func (l *testListener) callback(c *Connection, kind ExecKind, e *Exec, reason string) {
	if kind == ExecInit {
		l.execs = append(l.execs, e)
	}
	ev := c.Key() + " " + kind.String()
	if reason != "" {
		ev += " " + reason
	}
	l.events = append(l.events, ev)
}

func (l *testListener) has(ev string) bool {
	for _, e := range l.events {
		if e == ev {
			return true
		}
	}
	return false
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
