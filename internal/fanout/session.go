package fanout

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

var (
	ErrUnknownHost     = errors.New("host is not part of this session")
	ErrSessionDead     = errors.New("session is destroyed")
	ErrSessionNotFound = errors.New("no such session")
	ErrNoHosts         = errors.New("session needs at least one host")
)

// HostState is the per-host answer of Status.
type HostState string

const (
	HostTerminated HostState = "terminated"
	HostPending    HostState = "pending"
	HostRunning    HostState = "running"
	HostDead       HostState = "dead"
	HostUnknown    HostState = "unknown"
	HostDone       HostState = "done"
)

// Status is a snapshot of a session.
type Status struct {
	Children map[string]HostState `json:"children"`
	Dead     bool                 `json:"dead"`
}

// handle is the running-map entry for a host: pending until the channel
// opens, then active with the live exec.
type handle struct {
	exec *sshpool.Exec
}

func (h handle) pending() bool { return h.exec == nil }

// Session fans commands out to a fixed set of hosts. All methods must be
// called on the loop.
type Session struct {
	id          string
	loop        *reactor.Loop
	keys        []string
	interactive bool
	queue       *Queue
	log         zerolog.Logger

	conns      map[string]*sshpool.Connection
	running    map[string]handle
	terminated map[string]bool
	dead       bool

	createdAt time.Time
	lastUsed  time.Time
}

// NewSession binds a session to the connections for keys, creating them as
// needed. Keys are normalized and de-duplicated, keeping first-seen order.
func NewSession(loop *reactor.Loop, pool *sshpool.Pool, id string, keys []string, interactive bool, log zerolog.Logger) (*Session, error) {
	seen := make(map[string]bool, len(keys))
	var norm []string
	for _, k := range keys {
		n, err := pool.NormalizeKey(k)
		if err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			norm = append(norm, n)
		}
	}
	if len(norm) == 0 {
		return nil, ErrNoHosts
	}

	now := pool.Options().Now()
	s := &Session{
		id:          id,
		loop:        loop,
		keys:        norm,
		interactive: interactive,
		queue:       NewQueue(),
		log:         log.With().Str("session", id).Logger(),
		conns:       make(map[string]*sshpool.Connection, len(norm)),
		running:     make(map[string]handle),
		terminated:  make(map[string]bool),
		createdAt:   now,
		lastUsed:    now,
	}

	for _, k := range norm {
		c, err := pool.Lookup(k)
		if err == nil {
			err = c.Bind(s)
		}
		if err != nil {
			for _, bound := range s.conns {
				_ = bound.Unbind(s)
			}
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
		s.conns[k] = c
	}
	return s, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Queue() *Queue        { return s.queue }
func (s *Session) Interactive() bool    { return s.interactive }
func (s *Session) Dead() bool           { return s.dead }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Keys returns the normalized host keys.
func (s *Session) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Done reports whether nothing is running.
func (s *Session) Done() bool { return len(s.running) == 0 }

func (s *Session) hasKey(key string) bool {
	for _, k := range s.keys {
		if k == key {
			return true
		}
	}
	return false
}

// sortedConns returns tracked connections in key order.
func (s *Session) sortedConns() []string {
	out := make([]string, 0, len(s.conns))
	for _, k := range s.keys {
		if _, ok := s.conns[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Run sends command to every tracked host whose connection is not dead.
// The hosts skipped are reported up front in one session-level dead event.
func (s *Session) Run(command string) error {
	if s.dead {
		return ErrSessionDead
	}

	dead := []string{}
	var alive []string
	for _, k := range s.sortedConns() {
		if s.conns[k].IsDead() {
			dead = append(dead, k)
		} else {
			alive = append(alive, k)
		}
	}

	s.queue.Push(Event{Kind: KindDead, Hosts: dead})
	if len(alive) == 0 {
		s.queue.Push(Event{Kind: KindDone})
	}
	for _, k := range alive {
		s.running[k] = handle{}
	}
	for _, k := range alive {
		s.conns[k].Run(command, s, s.callback)
	}
	s.log.Debug().Str("command", logging.Sanitize(command)).Int("alive", len(alive)).Int("dead", len(dead)).Msg("run")
	return nil
}

// Status reports each requested host's state.
func (s *Session) Status() Status {
	children := make(map[string]HostState, len(s.keys))
	for _, k := range s.keys {
		h, running := s.running[k]
		c, tracked := s.conns[k]
		switch {
		case s.terminated[k]:
			children[k] = HostTerminated
		case running && h.pending():
			children[k] = HostPending
		case running:
			children[k] = HostRunning
		case !tracked:
			children[k] = HostDone
		case c.IsDead():
			children[k] = HostDead
		default:
			children[k] = HostUnknown
		}
	}
	return Status{Children: children, Dead: s.dead}
}

// Write sends p to one host's stdin. Hosts whose channel has not opened
// yet are skipped silently.
func (s *Session) Write(key string, p []byte) error {
	if !s.hasKey(key) {
		return fmt.Errorf("%s: %w", key, ErrUnknownHost)
	}
	if h, ok := s.running[key]; ok && !h.pending() {
		h.exec.Write(p)
	}
	return nil
}

// Broadcast sends p to every host with an open channel.
func (s *Session) Broadcast(p []byte) {
	for _, k := range s.keys {
		if h, ok := s.running[k]; ok && !h.pending() {
			h.exec.Write(p)
		}
	}
}

// Terminate stops one host for good: its exec is closed, it gets a "user"
// close like a natural one, and later runs skip it.
func (s *Session) Terminate(key string) error {
	if !s.hasKey(key) {
		return fmt.Errorf("%s: %w", key, ErrUnknownHost)
	}
	if s.terminated[key] {
		return nil
	}
	if h, ok := s.running[key]; ok && !h.pending() {
		h.exec.Close()
	}
	if c, ok := s.conns[key]; ok {
		delete(s.conns, key)
		s.syntheticClose(c)
		if err := c.Unbind(s); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("terminate: unbind")
		}
	}
	s.terminated[key] = true
	return nil
}

// Destroy closes every open exec, closes and unbinds every connection and
// marks the session dead. The session stays queryable until removed.
func (s *Session) Destroy() {
	if s.dead {
		return
	}
	s.log.Debug().Int("running", len(s.running)).Msg("destroying session")
	for _, k := range s.keys {
		if h, ok := s.running[k]; ok && !h.pending() {
			h.exec.Close()
		}
	}
	for _, k := range s.sortedConns() {
		c := s.conns[k]
		s.syntheticClose(c)
		if err := c.Unbind(s); err != nil {
			s.log.Error().Err(err).Str("key", k).Msg("destroy: unbind")
		}
	}
	s.dead = true
}

func (s *Session) syntheticClose(c *sshpool.Connection) {
	s.loop.Post(func() { s.dispatch(c, sshpool.ExecClose, nil, "user", true) })
}

// callback is the ExecCallback handed to connections. It runs in the same
// tick as the transport event so "start" precedes the first output.
func (s *Session) callback(c *sshpool.Connection, kind sshpool.ExecKind, e *sshpool.Exec, reason string) {
	s.dispatch(c, kind, e, reason, false)
}

func (s *Session) dispatch(c *sshpool.Connection, kind sshpool.ExecKind, e *sshpool.Exec, reason string, synthetic bool) {
	key := c.Key()

	switch kind {
	case sshpool.ExecInit:
		h, ok := s.running[key]
		if s.dead || s.terminated[key] || !ok || !h.pending() {
			s.log.Debug().Str("key", key).Msg("closing channel for a host that is no longer pending")
			e.Close()
			return
		}
		s.queue.Push(Event{Host: key, Kind: KindStart})
		s.running[key] = handle{exec: e}

	case sshpool.ExecClose, sshpool.ExecError:
		if !synthetic && (s.dead || s.terminated[key]) {
			return
		}
		if tracked, ok := s.conns[key]; ok && tracked == c && !s.dead {
			if err := c.Unbind(s); err != nil {
				s.log.Error().Err(err).Str("key", key).Msg("unbind")
			}
		}
		delete(s.conns, key)
		if kind == sshpool.ExecError {
			s.queue.Push(Event{Host: key, Kind: KindDead, Reason: reason})
		}
		s.queue.Push(Event{Host: key, Kind: KindDone})

		_, had := s.running[key]
		delete(s.running, key)
		if had && len(s.running) == 0 {
			s.queue.Push(Event{Kind: KindDone})
			s.log.Debug().Msg("run is done")
		} else if had {
			s.log.Debug().Int("pending", len(s.running)).Msg("connections still running")
		}

	default:
		s.log.Error().Str("key", key).Str("kind", kind.String()).Msg("unexpected exec callback")
	}
}

// Listener implementation: output is forwarded as-is.

func (s *Session) OnData(key string, p []byte) {
	s.queue.Push(Event{Host: key, Kind: KindData, Data: p})
}

func (s *Session) OnExtendedData(key string, code uint32, p []byte) {
	s.queue.Push(Event{Host: key, Kind: KindExtended, Stream: code, Data: p})
}

func (s *Session) OnExit(key string, code int) {
	s.queue.Push(Event{Host: key, Kind: KindExit, Code: &code})
}

func (s *Session) OnSignal(key string, name string) {
	s.queue.Push(Event{Host: key, Kind: KindSignal, Signal: name})
}

func (s *Session) OnConnectionError(key string, err error) {
	s.queue.Push(Event{Host: key, Kind: KindError, Reason: err.Error()})
}
