package fanout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

// Observer hears about session lifecycle and commands, for auditing. Calls
// happen on the loop and must not block.
type Observer interface {
	SessionCreated(id string, keys []string)
	SessionDestroyed(id string)
	CommandRun(id string, keys []string, command string)
}

// Info describes a session as returned by Create and List.
type Info struct {
	ID          string    `json:"id"`
	Keys        []string  `json:"keys"`
	Interactive bool      `json:"interactive"`
	Dead        bool      `json:"dead"`
	Queued      int       `json:"queued"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Manager is the session registry. Its methods are safe from any goroutine;
// they run on the loop via Do.
type Manager struct {
	loop     *reactor.Loop
	pool     *sshpool.Pool
	observer Observer
	log      zerolog.Logger
	now      func() time.Time

	sessions map[string]*Session
}

// NewManager creates a registry over pool. observer may be nil.
func NewManager(loop *reactor.Loop, pool *sshpool.Pool, observer Observer, log zerolog.Logger) *Manager {
	return &Manager{
		loop:     loop,
		pool:     pool,
		observer: observer,
		log:      log,
		now:      pool.Options().Now,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) do(ctx context.Context, fn func() error) error {
	var inner error
	if err := m.loop.Do(ctx, func() { inner = fn() }); err != nil {
		return err
	}
	return inner
}

// with runs fn against session id on the loop and marks it used.
func (m *Manager) with(ctx context.Context, id string, fn func(s *Session) error) error {
	return m.do(ctx, func() error {
		s, ok := m.sessions[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
		}
		s.lastUsed = m.now()
		return fn(s)
	})
}

func (m *Manager) info(s *Session) Info {
	return Info{
		ID:          s.id,
		Keys:        s.Keys(),
		Interactive: s.interactive,
		Dead:        s.dead,
		Queued:      s.queue.Len(),
		CreatedAt:   s.createdAt,
		LastUsed:    s.lastUsed,
	}
}

// Create registers a new session over keys.
func (m *Manager) Create(ctx context.Context, keys []string, interactive bool) (Info, error) {
	var info Info
	err := m.do(ctx, func() error {
		id := uuid.NewString()
		s, err := NewSession(m.loop, m.pool, id, keys, interactive, m.log)
		if err != nil {
			return err
		}
		m.sessions[id] = s
		info = m.info(s)
		m.log.Info().Str("session", id).Int("hosts", len(s.keys)).Bool("interactive", interactive).Msg("session created")
		if m.observer != nil {
			m.observer.SessionCreated(id, s.Keys())
		}
		return nil
	})
	return info, err
}

// Get returns the session's description.
func (m *Manager) Get(ctx context.Context, id string) (Info, error) {
	var info Info
	err := m.with(ctx, id, func(s *Session) error {
		info = m.info(s)
		return nil
	})
	return info, err
}

// List describes every registered session, oldest first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := m.do(ctx, func() error {
		out = make([]Info, 0, len(m.sessions))
		for _, s := range m.sessions {
			out = append(out, m.info(s))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// IDs returns every registered session id, sorted.
func (m *Manager) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.do(ctx, func() error {
		for id := range m.sessions {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// Count returns the number of registered sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() error {
		n = len(m.sessions)
		return nil
	})
	return n, err
}

func (m *Manager) Run(ctx context.Context, id, command string) error {
	return m.with(ctx, id, func(s *Session) error {
		if err := s.Run(command); err != nil {
			return err
		}
		if m.observer != nil {
			m.observer.CommandRun(id, s.Keys(), command)
		}
		return nil
	})
}

func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	var st Status
	err := m.with(ctx, id, func(s *Session) error {
		st = s.Status()
		return nil
	})
	return st, err
}

// Write sends p to one host, normalizing key first.
func (m *Manager) Write(ctx context.Context, id, key string, p []byte) error {
	return m.with(ctx, id, func(s *Session) error {
		n, err := m.pool.NormalizeKey(key)
		if err != nil {
			return fmt.Errorf("%s: %w", key, ErrUnknownHost)
		}
		return s.Write(n, p)
	})
}

func (m *Manager) Broadcast(ctx context.Context, id string, p []byte) error {
	return m.with(ctx, id, func(s *Session) error {
		s.Broadcast(p)
		return nil
	})
}

func (m *Manager) Terminate(ctx context.Context, id, key string) error {
	return m.with(ctx, id, func(s *Session) error {
		n, err := m.pool.NormalizeKey(key)
		if err != nil {
			return fmt.Errorf("%s: %w", key, ErrUnknownHost)
		}
		return s.Terminate(n)
	})
}

// Destroy stops the session but keeps it registered so its final status can
// still be read.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	return m.with(ctx, id, func(s *Session) error {
		m.destroy(s)
		return nil
	})
}

func (m *Manager) destroy(s *Session) {
	if s.dead {
		return
	}
	s.Destroy()
	m.log.Info().Str("session", s.id).Msg("session destroyed")
	if m.observer != nil {
		m.observer.SessionDestroyed(s.id)
	}
}

// Remove unregisters the session, destroying it first if needed.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.with(ctx, id, func(s *Session) error {
		m.destroy(s)
		delete(m.sessions, id)
		return nil
	})
}

// Queue returns the session's event queue for direct consumption.
func (m *Manager) Queue(ctx context.Context, id string) (*Queue, error) {
	var q *Queue
	err := m.with(ctx, id, func(s *Session) error {
		q = s.queue
		return nil
	})
	return q, err
}

// Dequeue blocks until the session has an event or ctx is done.
func (m *Manager) Dequeue(ctx context.Context, id string) (Event, error) {
	q, err := m.Queue(ctx, id)
	if err != nil {
		return Event{}, err
	}
	return q.Pop(ctx)
}

// Drain waits up to wait for the first event, then returns up to max
// events. An empty result after the wait is not an error.
func (m *Manager) Drain(ctx context.Context, id string, max int, wait time.Duration) ([]Event, error) {
	q, err := m.Queue(ctx, id)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		err := q.Wait(wctx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return q.Drain(max), nil
}

// CleanupIdle destroys and removes sessions nobody has touched for longer
// than timeout. It returns how many were removed.
func (m *Manager) CleanupIdle(ctx context.Context, timeout time.Duration) (int, error) {
	var n int
	err := m.do(ctx, func() error {
		cutoff := m.now().Add(-timeout)
		for id, s := range m.sessions {
			if s.lastUsed.Before(cutoff) {
				m.destroy(s)
				delete(m.sessions, id)
				n++
			}
		}
		return nil
	})
	if n > 0 {
		m.log.Info().Int("removed", n).Msg("idle sessions cleaned up")
	}
	return n, err
}

// Close destroys and removes every session.
func (m *Manager) Close(ctx context.Context) error {
	return m.do(ctx, func() error {
		for id, s := range m.sessions {
			m.destroy(s)
			delete(m.sessions, id)
		}
		return nil
	})
}
