package sshpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/resolver"
	"github.com/gluk-w/claworc/fleetd/internal/transport"
)

var errDeadSession = errors.New("pending run from a dead session")

// Listener is the session side of a binding. Its methods are called on the
// loop.
type Listener interface {
	Interactive() bool
	Dead() bool
	OnData(key string, p []byte)
	OnExtendedData(key string, code uint32, p []byte)
	OnExit(key string, code int)
	OnSignal(key string, name string)
	// OnConnectionError reports a transport that died after connecting.
	OnConnectionError(key string, err error)
}

type queuedRun struct {
	command  string
	listener Listener
	callback ExecCallback
}

// Connection is one pooled identity. All methods must be called on the
// pool's loop.
type Connection struct {
	pool *Pool
	key  Key
	id   string
	log  zerolog.Logger

	state      ConnectionState
	addr       string
	client     transport.Client
	connecting bool
	destroyed  bool
	attempt    uint64
	cancel     context.CancelFunc

	createdAt time.Time
	updatedAt time.Time
	failedAt  time.Time
	err       error

	sessions []Listener
	queue    []queuedRun

	health     *reactor.Timer
	startTimer *reactor.Timer
	retryTimer *reactor.Timer
}

// Key returns the canonical identity.
func (c *Connection) Key() string { return c.id }

func (c *Connection) Addr() string           { return c.addr }
func (c *Connection) State() ConnectionState { return c.state }
func (c *Connection) UpdatedAt() time.Time   { return c.updatedAt }
func (c *Connection) FailedAt() time.Time    { return c.failedAt }
func (c *Connection) Err() error             { return c.err }
func (c *Connection) IsConnected() bool      { return c.client != nil }
func (c *Connection) IsConnecting() bool     { return c.connecting }
func (c *Connection) IsDestroyed() bool      { return c.destroyed }
func (c *Connection) IsFree() bool           { return len(c.sessions) == 0 }
func (c *Connection) IsDead() bool           { return !c.failedAt.IsZero() }
func (c *Connection) BoundSessions() int     { return len(c.sessions) }
func (c *Connection) QueuedRuns() int        { return len(c.queue) }

// IsOld reports whether the connection has been idle longer than the expire
// interval. A connection that never did anything counts from its creation.
func (c *Connection) IsOld() bool {
	return c.pool.now().Sub(c.lastActivity()) > c.pool.opts.ExpireInterval
}

func (c *Connection) lastActivity() time.Time {
	if c.updatedAt.After(c.createdAt) {
		return c.updatedAt
	}
	return c.createdAt
}

func (c *Connection) touch() { c.updatedAt = c.pool.now() }

func (c *Connection) setState(s ConnectionState) {
	c.state = s
	c.pool.states.Set(c.id, s)
}

// Bind attaches a session. Binding twice is an error.
func (c *Connection) Bind(l Listener) error {
	if c.bound(l) >= 0 {
		return fmt.Errorf("%s: %w", c.id, ErrAlreadyBound)
	}
	c.sessions = append(c.sessions, l)
	return nil
}

// Unbind detaches a session and drops its queued runs.
func (c *Connection) Unbind(l Listener) error {
	i := c.bound(l)
	if i < 0 {
		return fmt.Errorf("%s: %w", c.id, ErrNotBound)
	}
	c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)

	kept := c.queue[:0]
	for _, q := range c.queue {
		if q.listener != l {
			kept = append(kept, q)
		}
	}
	c.queue = kept
	return nil
}

func (c *Connection) bound(l Listener) int {
	for i, s := range c.sessions {
		if s == l {
			return i
		}
	}
	return -1
}

// Start begins resolving and connecting. It is a no-op while connected or
// while an attempt is in progress.
func (c *Connection) Start() { c.start() }

func (c *Connection) start() {
	if c.destroyed || c.client != nil || c.connecting {
		return
	}
	c.connecting = true
	c.attempt++
	c.pool.loop.Post(c.resolve)
}

func (c *Connection) healthCheck() {
	c.start()
	if c.IsOld() && c.IsFree() {
		c.pool.emit(c.id, EventExpired, "idle past expire interval")
		if err := c.Destroy(); err != nil {
			c.log.Error().Err(err).Msg("expire failed")
		}
	}
}

func (c *Connection) resolve() {
	if c.destroyed {
		return
	}
	c.setState(StateResolving)

	attempt := c.attempt
	host := c.key.Host
	ctx, cancel := context.WithTimeout(context.Background(), c.pool.opts.ResolveTimeout)
	c.cancel = cancel
	res := c.pool.resolver
	go func() {
		addrs, err := resolver.Resolve(ctx, res, host)
		cancel()
		c.pool.loop.Post(func() { c.resolved(attempt, addrs, err) })
	}()
}

func (c *Connection) resolved(attempt uint64, addrs []string, err error) {
	if c.destroyed || attempt != c.attempt {
		return
	}
	if err != nil {
		c.err = err
		c.failedAt = c.pool.now()
		c.pool.emit(c.id, EventResolveFailed, err.Error())
		c.retryTimer = c.pool.loop.After(c.pool.jitter(c.pool.opts.RetryMin, c.pool.opts.RetryMax), func() {
			c.pool.loop.Post(c.resolve)
		})
		return
	}
	c.addr = addrs[c.pool.opts.Rand.IntN(len(addrs))]
	c.admit()
}

// admit claims a quota slot and dials, or defers until one frees up.
func (c *Connection) admit() {
	if c.destroyed {
		return
	}
	p := c.pool
	p.pressure()
	if len(p.active) >= p.opts.MaxConnections {
		c.log.Debug().Int("active", len(p.active)).Msg("quota exceeded, deferring")
		p.emit(c.id, EventDeferred, fmt.Sprintf("quota exhausted (%d active)", len(p.active)))
		var t *reactor.Timer
		t = p.loop.Every(p.jitter(p.opts.RetryMin, p.opts.RetryMax), func() {
			p.pressure()
			if len(p.active) < p.opts.MaxConnections {
				t.Stop()
				c.startTimer = nil
				p.loop.Post(c.admit)
				return
			}
			c.log.Debug().Msg("no connection quota, still deferring")
		})
		c.startTimer = t
		return
	}

	p.active[c.id] = c
	c.setState(StateConnecting)
	p.emit(c.id, EventConnecting, fmt.Sprintf("dialing %s (quota %d/%d)", c.addr, len(p.active), p.opts.MaxConnections))

	attempt := c.attempt
	port := c.key.Port
	if port == 0 {
		port = p.opts.DefaultPort
	}
	target := transport.Target{
		User: c.key.User,
		Host: c.key.Host,
		Port: port,
		Addr: net.JoinHostPort(c.addr, strconv.Itoa(port)),
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	c.cancel = cancel
	dialer := p.dialer
	go func() {
		client, err := dialer.Dial(ctx, target)
		cancel()
		p.loop.Post(func() { c.dialed(attempt, client, err) })
	}()
}

func (c *Connection) dialed(attempt uint64, client transport.Client, err error) {
	if c.destroyed || attempt != c.attempt {
		if client != nil {
			c.pool.closeAsync(c.id, client)
		}
		return
	}
	if err != nil {
		c.connectFailed(err)
		return
	}

	c.client = client
	c.err = nil
	c.failedAt = time.Time{}
	c.connecting = false
	c.touch()
	c.setState(StateConnected)
	c.pool.emit(c.id, EventConnected, "connected to "+c.addr)
	c.watch(client)

	queue := c.queue
	c.queue = nil
	poisoned := false
	for _, q := range queue {
		if q.listener.Dead() {
			c.log.Debug().Msg("dropping pending run from a dead session")
			c.err = errDeadSession
			poisoned = true
			continue
		}
		q := q
		c.pool.loop.Post(func() { c.Run(q.command, q.listener, q.callback) })
	}

	if poisoned {
		c.client = nil
		delete(c.pool.active, c.id)
		c.pool.closeAsync(c.id, client)
		c.setState(StateIdle)
		c.pool.emit(c.id, EventDrainRejected, "closed fresh connection after dropping dead-session runs")
	}
}

// watch reports the transport's death back to the loop.
func (c *Connection) watch(client transport.Client) {
	go func() {
		err := client.Wait()
		if err == nil {
			err = errors.New("connection closed")
		}
		c.pool.loop.Post(func() { c.transportLost(client, err) })
	}()
}

// connectFailed handles a failure before any transport existed: queued runs
// get the error, bound sessions hear nothing.
func (c *Connection) connectFailed(err error) {
	delete(c.pool.active, c.id)
	c.client = nil
	c.err = err
	c.failedAt = c.pool.now()
	c.connecting = false
	c.setState(StateDead)
	c.pool.emit(c.id, EventConnectFailed, err.Error())

	queue := c.queue
	c.queue = nil
	for _, q := range queue {
		q.callback(c, ExecError, nil, err.Error())
	}
}

// transportLost handles a live transport going away: bound sessions get an
// error event.
func (c *Connection) transportLost(client transport.Client, err error) {
	if c.destroyed || c.client != client {
		return
	}
	delete(c.pool.active, c.id)
	c.client = nil
	c.err = err
	c.failedAt = c.pool.now()
	c.connecting = false
	c.setState(StateDead)
	c.pool.emit(c.id, EventDisconnected, err.Error())

	sessions := append([]Listener(nil), c.sessions...)
	for _, s := range sessions {
		s.OnConnectionError(c.id, err)
	}
}

// Destroy removes the connection from the pool and closes its transport in
// the background. It fails while sessions are bound.
func (c *Connection) Destroy() error {
	if len(c.sessions) > 0 {
		return fmt.Errorf("%s: %w", c.id, ErrSessionsBound)
	}
	if c.destroyed {
		return nil
	}
	c.teardown("destroyed")
	return nil
}

func (c *Connection) teardown(reason string) {
	c.destroyed = true
	c.health.Stop()
	c.startTimer.Stop()
	c.retryTimer.Stop()
	if c.cancel != nil {
		c.cancel()
	}

	p := c.pool
	if p.conns[c.id] == c {
		delete(p.conns, c.id)
	}
	if p.active[c.id] == c {
		delete(p.active, c.id)
	}
	if c.client != nil {
		p.closeAsync(c.id, c.client)
		c.client = nil
	}
	c.connecting = false
	c.queue = nil
	c.setState(StateDestroyed)
	p.states.Remove(c.id)
	p.emit(c.id, EventDestroyed, reason)
}
