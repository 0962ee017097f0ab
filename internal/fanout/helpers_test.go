package fanout

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
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
	"github.com/gluk-w/claworc/fleetd/internal/transport/transporttest"
)

// nxdomain fails every lookup the overrides table does not answer.
type nxdomain struct{}

func (nxdomain) LookupA(_ context.Context, host string) ([]string, error) {
	return nil, &resolver.LookupError{Host: host, Family: "A", Reason: "NXDOMAIN"}
}

func (nxdomain) LookupAAAA(_ context.Context, host string) ([]string, error) {
	return nil, &resolver.LookupError{Host: host, Family: "AAAA", Reason: "NXDOMAIN"}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	t      *testing.T
	loop   *reactor.Loop
	dialer *transporttest.Dialer
	pool   *sshpool.Pool
}

// newEnv starts a loop and pool. Hosts h1..h4 resolve to 10.0.0.1..4 and
// run the Echo script on port 22.
func newEnv(t *testing.T, mutate func(*sshpool.Options)) *env {
	t.Helper()
	loop := reactor.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	hosts := make(map[string][]string)
	dialer := transporttest.NewDialer()
	for i := 1; i <= 4; i++ {
		ip := "10.0.0." + strconv.Itoa(i)
		hosts["h"+strconv.Itoa(i)] = []string{ip}
		dialer.Set(ip+":22", &transporttest.Host{})
	}

	opts := sshpool.Options{
		MaxConnections: 10,
		HealthMin:      20 * time.Millisecond,
		HealthMax:      20 * time.Millisecond,
		RetryMin:       10 * time.Millisecond,
		RetryMax:       10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	res := resolver.Overrides{Hosts: hosts, Next: nxdomain{}}
	return &env{
		t:      t,
		loop:   loop,
		dialer: dialer,
		pool:   sshpool.New(loop, dialer, res, opts),
	}
}

func (e *env) do(fn func()) {
	e.t.Helper()
	require.NoError(e.t, e.loop.Do(context.Background(), fn))
}

func (e *env) eventually(cond func() bool, msg string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		var ok bool
		if err := e.loop.Do(context.Background(), func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, 3*time.Second, 5*time.Millisecond, msg)
}

func (e *env) session(id string, interactive bool, keys ...string) *Session {
	e.t.Helper()
	var (
		s   *Session
		err error
	)
	e.do(func() { s, err = NewSession(e.loop, e.pool, id, keys, interactive, zerolog.Nop()) })
	require.NoError(e.t, err)
	return s
}

// channelFor returns the first channel opened towards addr.
func (e *env) channelFor(addr string) *transporttest.Channel {
	e.t.Helper()
	var ch *transporttest.Channel
	require.Eventually(e.t, func() bool {
		for _, c := range e.dialer.Clients() {
			if c.Target.Addr == addr {
				if chans := c.Channels(); len(chans) > 0 {
					ch = chans[0]
					return true
				}
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "no channel to %s", addr)
	return ch
}

func isFinal(ev Event) bool { return ev.Host == "" && ev.Kind == KindDone }

// collectRun pops events until the session-level done.
func collectRun(t *testing.T, q *Queue) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, err := q.Pop(ctx)
		require.NoError(t, err, "run never finished; got %v", kinds(out))
		out = append(out, ev)
		if isFinal(ev) {
			return out
		}
	}
}

// forHost keeps the events of one host, in order.
func forHost(events []Event, host string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Host == host {
			out = append(out, ev)
		}
	}
	return out
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}
