package sshpool

import (
	"github.com/gluk-w/claworc/fleetd/internal/logging"
	"github.com/gluk-w/claworc/fleetd/internal/transport"
)

// ExecKind tells an ExecCallback what happened to a run.
type ExecKind int

const (
	// ExecInit: the channel is open and exec was sent; exec is live.
	ExecInit ExecKind = iota
	// ExecClose: the channel closed.
	ExecClose
	// ExecError: the channel could not be opened, or the connection failed
	// before the run could start. reason says why; exec may be nil.
	ExecError
)

func (k ExecKind) String() string {
	switch k {
	case ExecInit:
		return "init"
	case ExecClose:
		return "close"
	case ExecError:
		return "error"
	default:
		return "unknown"
	}
}

// ExecCallback receives the lifecycle of one run. It is called on the loop.
type ExecCallback func(c *Connection, kind ExecKind, exec *Exec, reason string)

// Exec is a handle on one command running over a Connection. Its methods
// must be called on the loop.
type Exec struct {
	conn     *Connection
	listener Listener
	callback ExecCallback

	ch       transport.Channel
	detached bool
	closed   bool
}

// Write sends p to the remote stdin. It does nothing before the channel
// opens or after it closes.
func (e *Exec) Write(p []byte) {
	if e.ch == nil || e.detached || e.closed {
		return
	}
	e.ch.Write(p)
}

// Close force-closes the channel and detaches the handle: no further data
// or close notification will be delivered for it.
func (e *Exec) Close() {
	if e.detached {
		return
	}
	e.detached = true
	if e.ch != nil && !e.closed {
		ch := e.ch
		go ch.Close()
	}
}

// Detached reports whether Close was called.
func (e *Exec) Detached() bool { return e.detached }

// Run executes command for l. Before the connection is up the run is queued
// and replayed once it connects.
func (c *Connection) Run(command string, l Listener, cb ExecCallback) {
	if c.client == nil {
		c.queue = append(c.queue, queuedRun{command: command, listener: l, callback: cb})
		return
	}
	e := &Exec{conn: c, listener: l, callback: cb}
	c.client.Exec(transport.ExecSpec{Command: command, PTY: l.Interactive()}, &execHandler{exec: e})
}

// execHandler moves transport callbacks onto the loop.
type execHandler struct {
	exec *Exec
}

func (h *execHandler) post(fn func(e *Exec, c *Connection)) {
	e := h.exec
	e.conn.pool.loop.Post(func() { fn(e, e.conn) })
}

func (h *execHandler) Opened(ch transport.Channel) {
	h.post(func(e *Exec, c *Connection) {
		e.ch = ch
		if e.detached {
			go ch.Close()
			return
		}
		e.callback(c, ExecInit, e, "")
	})
}

func (h *execHandler) OpenFailed(reason string) {
	h.post(func(e *Exec, c *Connection) {
		if e.detached {
			return
		}
		e.closed = true
		e.callback(c, ExecError, e, reason)
	})
}

func (h *execHandler) ExecFailed(command string) {
	h.exec.conn.log.Warn().Str("command", logging.Sanitize(command)).Msg("exec request failed")
}

func (h *execHandler) Data(p []byte) {
	h.post(func(e *Exec, c *Connection) {
		if e.detached {
			return
		}
		c.touch()
		e.listener.OnData(c.id, p)
	})
}

func (h *execHandler) ExtendedData(code uint32, p []byte) {
	h.post(func(e *Exec, c *Connection) {
		if e.detached {
			return
		}
		c.touch()
		e.listener.OnExtendedData(c.id, code, p)
	})
}

func (h *execHandler) ExitStatus(code int) {
	h.post(func(e *Exec, c *Connection) {
		if e.detached {
			return
		}
		c.touch()
		e.listener.OnExit(c.id, code)
	})
}

func (h *execHandler) ExitSignal(name string) {
	h.post(func(e *Exec, c *Connection) {
		if e.detached {
			return
		}
		c.touch()
		e.listener.OnSignal(c.id, name)
	})
}

func (h *execHandler) Closed() {
	h.post(func(e *Exec, c *Connection) {
		c.touch()
		e.closed = true
		if e.detached {
			return
		}
		e.callback(c, ExecClose, e, "")
	})
}
