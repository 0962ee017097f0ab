// Package transport is the remote-shell layer underneath the connection pool.
//
// The pool never sees golang.org/x/crypto/ssh directly. It dials through a
// [Dialer], asks the resulting [Client] to run commands, and receives
// everything that happens on the execution channel through a [Handler].
// Handler methods are called from transport goroutines; implementations hand
// them to their own scheduler.
//
// A channel's life as seen by a Handler is one of:
//
//	OpenFailed
//	[ExecFailed] Opened (Data | ExtendedData)* [ExitStatus | ExitSignal] Closed
package transport

import (
	"context"
)

// ExecSpec describes one command to run on a fresh channel.
type ExecSpec struct {
	Command string
	// PTY requests a pseudo-terminal before exec.
	PTY bool
}

// Target is one dial attempt. Host is the name the caller asked for and is
// what host keys are checked against; Addr is the resolved ip:port.
type Target struct {
	User string
	Host string
	Port int
	Addr string
}

// Dialer establishes authenticated transports.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Client, error)
}

// Client is one established transport.
type Client interface {
	// Exec opens a channel and runs spec asynchronously, reporting to h.
	Exec(spec ExecSpec, h Handler)
	// Wait blocks until the transport is gone and returns the reason.
	Wait() error
	// Close tears the transport down. It may block on the network.
	Close() error
}

// Channel is the live side of an execution, used for stdin.
type Channel interface {
	// Write queues p for the remote stdin. It never blocks and preserves
	// order across calls.
	Write(p []byte)
	// Close force-closes the channel. Closed is still reported to the
	// Handler once the channel winds down.
	Close() error
}

// Handler receives the events of a single execution channel.
type Handler interface {
	Opened(ch Channel)
	OpenFailed(reason string)
	ExecFailed(command string)
	Data(p []byte)
	ExtendedData(code uint32, p []byte)
	ExitStatus(code int)
	ExitSignal(name string)
	Closed()
}

// Stream code for stderr in SSH extended data.
const ExtendedStderr uint32 = 1
