package sshpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/resolver"
	"github.com/gluk-w/claworc/fleetd/internal/transport"
)

var (
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrSessionsBound     = errors.New("sessions are still bound")
	ErrAlreadyBound      = errors.New("session already bound")
	ErrNotBound          = errors.New("session not bound")
	ErrPoolClosed        = errors.New("pool closed")
)

// Rand is the source of every random choice the pool makes: eviction
// victims, addresses and timer jitter.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.Intn(n) }

// Options configures a Pool. Zero values take the defaults below.
type Options struct {
	MaxConnections int           // 100
	ExpireInterval time.Duration // 10m
	HealthMin      time.Duration // 5s
	HealthMax      time.Duration // 15s
	RetryMin       time.Duration // 1s
	RetryMax       time.Duration // 10s
	ResolveTimeout time.Duration // 10s
	ConnectTimeout time.Duration // 30s
	DefaultUser    string        // root
	DefaultPort    int           // 22

	Rand   Rand
	Now    func() time.Time
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 100
	}
	if o.ExpireInterval <= 0 {
		o.ExpireInterval = 10 * time.Minute
	}
	if o.HealthMin <= 0 {
		o.HealthMin = 5 * time.Second
	}
	if o.HealthMax < o.HealthMin {
		o.HealthMax = o.HealthMin + 10*time.Second
	}
	if o.RetryMin <= 0 {
		o.RetryMin = time.Second
	}
	if o.RetryMax < o.RetryMin {
		o.RetryMax = o.RetryMin + 9*time.Second
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.DefaultUser == "" {
		o.DefaultUser = "root"
	}
	if o.DefaultPort <= 0 {
		o.DefaultPort = 22
	}
	if o.Rand == nil {
		o.Rand = globalRand{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Pool is the registry of connections and the owner of the connection quota.
type Pool struct {
	loop     *reactor.Loop
	dialer   transport.Dialer
	resolver resolver.Resolver
	opts     Options
	log      zerolog.Logger

	conns  map[string]*Connection
	active map[string]*Connection
	closed bool

	states    *StateTracker
	eventsMu  sync.RWMutex
	events    map[string][]ConnectionEvent
	listeners []func(ConnectionEvent)

	// teardowns tracks transport closes still in flight.
	teardowns sync.WaitGroup
}

// New creates a pool whose state lives on loop.
func New(loop *reactor.Loop, dialer transport.Dialer, res resolver.Resolver, opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		loop:     loop,
		dialer:   dialer,
		resolver: res,
		opts:     opts,
		log:      opts.Logger,
		conns:    make(map[string]*Connection),
		active:   make(map[string]*Connection),
		states:   NewStateTracker(opts.Now),
		events:   make(map[string][]ConnectionEvent),
	}
}

func (p *Pool) now() time.Time { return p.opts.Now() }

// Options returns the effective options.
func (p *Pool) Options() Options { return p.opts }

// States exposes the state tracker. Safe from any goroutine.
func (p *Pool) States() *StateTracker { return p.states }

// ParseKey parses s with the pool's default user and port.
func (p *Pool) ParseKey(s string) (Key, error) {
	return ParseKey(s, p.opts.DefaultUser, p.opts.DefaultPort)
}

// NormalizeKey returns the canonical identity for s.
func (p *Pool) NormalizeKey(s string) (string, error) {
	return NormalizeKey(s, p.opts.DefaultUser, p.opts.DefaultPort)
}

// Lookup returns the live connection for key, creating and starting one if
// none exists.
func (p *Pool) Lookup(key string) (*Connection, error) {
	k, err := p.ParseKey(key)
	if err != nil {
		return nil, err
	}
	if c, ok := p.conns[k.String()]; ok {
		return c, nil
	}
	return p.newConnection(k)
}

// NewConnection registers and starts a connection for key. At most one
// connection per identity may exist.
func (p *Pool) NewConnection(key string) (*Connection, error) {
	k, err := p.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return p.newConnection(k)
}

func (p *Pool) newConnection(k Key) (*Connection, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	id := k.String()
	if _, ok := p.conns[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
	}

	c := &Connection{
		pool:      p,
		key:       k,
		id:        id,
		createdAt: p.now(),
		log:       p.log.With().Str("key", logging.Sanitize(id)).Logger(),
	}
	p.conns[id] = c
	p.emit(id, EventCreated, "connection created")

	c.start()
	c.health = p.loop.Every(p.jitter(p.opts.HealthMin, p.opts.HealthMax), c.healthCheck)
	return c, nil
}

// Get returns the registered connection for key without creating one.
func (p *Pool) Get(key string) (*Connection, bool) {
	id, err := p.NormalizeKey(key)
	if err != nil {
		return nil, false
	}
	c, ok := p.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (p *Pool) Len() int { return len(p.conns) }

// ActiveCount returns the number of connections counted against the quota.
func (p *Pool) ActiveCount() int { return len(p.active) }

// pressure destroys one random free active connection when the quota is
// exhausted.
func (p *Pool) pressure() {
	if len(p.active) < p.opts.MaxConnections {
		return
	}
	var free []*Connection
	for _, c := range p.active {
		if c.IsFree() {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		p.log.Debug().Int("active", len(p.active)).Msg("pressure: no free connections")
		return
	}
	sort.Slice(free, func(i, j int) bool { return free[i].id < free[j].id })
	victim := free[p.opts.Rand.IntN(len(free))]
	p.emit(victim.id, EventEvicted, "evicted to free connection quota")
	if err := victim.Destroy(); err != nil {
		p.log.Error().Err(err).Str("key", victim.id).Msg("pressure: destroy failed")
	}
}

func (p *Pool) jitter(min, max time.Duration) time.Duration {
	span := max - min
	if span <= 0 {
		return min
	}
	return min + time.Duration(p.opts.Rand.IntN(int(span)+1))
}

func (p *Pool) closeAsync(key string, c transport.Client) {
	p.teardowns.Add(1)
	go func() {
		defer p.teardowns.Done()
		err := c.Close()
		p.loop.Post(func() {
			if err != nil {
				p.log.Debug().Err(err).Str("key", key).Msg("transport close")
				return
			}
			p.log.Debug().Str("key", key).Msg("transport closed")
		})
	}()
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	Key       string          `json:"key"`
	Addr      string          `json:"addr,omitempty"`
	State     ConnectionState `json:"state"`
	Active    bool            `json:"active"`
	Sessions  int             `json:"sessions"`
	Queued    int             `json:"queued"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	FailedAt  *time.Time      `json:"failed_at,omitempty"`
	Error     string          `json:"error,omitempty"`
	Idle      string          `json:"idle"`
}

// Snapshot describes every registered connection, sorted by key.
func (p *Pool) Snapshot() []ConnectionInfo {
	now := p.now()
	out := make([]ConnectionInfo, 0, len(p.conns))
	for id, c := range p.conns {
		info := ConnectionInfo{
			Key:       id,
			Addr:      c.addr,
			State:     c.state,
			Active:    p.active[id] == c,
			Sessions:  len(c.sessions),
			Queued:    len(c.queue),
			CreatedAt: c.createdAt,
			Idle:      units.HumanDuration(now.Sub(c.lastActivity())),
		}
		if !c.updatedAt.IsZero() {
			t := c.updatedAt
			info.UpdatedAt = &t
		}
		if !c.failedAt.IsZero() {
			t := c.failedAt
			info.FailedAt = &t
		}
		if c.err != nil {
			info.Error = c.err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown tears down every connection regardless of bound sessions and
// waits for the transports to close. Call it from outside the loop.
func (p *Pool) Shutdown(ctx context.Context) error {
	err := p.loop.Do(ctx, func() {
		p.closed = true
		ids := make([]string, 0, len(p.conns))
		for id := range p.conns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p.conns[id].teardown("pool shutdown")
		}
		p.log.Info().Int("connections", len(ids)).Msg("pool shut down")
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		p.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
