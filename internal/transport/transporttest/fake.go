// Package transporttest provides transport doubles: a scriptable in-memory
// Dialer for pool and session tests, and a loopback SSH server for tests
// that exercise the real client.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gluk-w/claworc/fleetd/internal/transport"
)

// ErrClosed is what Wait returns after Client.Close.
var ErrClosed = errors.New("transporttest: client closed")

// RunFunc plays out one execution against h. ch is the channel handed to
// h.Opened when the script opens it.
type RunFunc func(spec transport.ExecSpec, h transport.Handler, ch *Channel)

// Host scripts the behaviour of one address.
type Host struct {
	// Err fails every dial.
	Err error
	// Block, when non-nil, holds dials until it is closed.
	Block chan struct{}
	// Run plays out each Exec. Nil means Echo.
	Run RunFunc
}

// Dialer is an in-memory transport.Dialer. Addresses without a Host refuse
// the connection.
type Dialer struct {
	mu      sync.Mutex
	hosts   map[string]*Host
	dials   []transport.Target
	clients []*Client
}

func NewDialer() *Dialer {
	return &Dialer{hosts: make(map[string]*Host)}
}

// Set installs the script for addr ("ip:port").
func (d *Dialer) Set(addr string, h *Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[addr] = h
}

func (d *Dialer) Dial(ctx context.Context, target transport.Target) (transport.Client, error) {
	d.mu.Lock()
	d.dials = append(d.dials, target)
	h := d.hosts[target.Addr]
	d.mu.Unlock()

	if h == nil {
		return nil, errors.New("dial " + target.Addr + ": connection refused")
	}
	if h.Block != nil {
		select {
		case <-h.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.Err != nil {
		return nil, h.Err
	}

	c := &Client{Target: target, host: h, dead: make(chan struct{})}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

// Dials returns every dial attempt so far.
func (d *Dialer) Dials() []transport.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transport.Target, len(d.dials))
	copy(out, d.dials)
	return out
}

// Clients returns every client handed out so far.
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Client, len(d.clients))
	copy(out, d.clients)
	return out
}

// Client is an established fake transport.
type Client struct {
	Target transport.Target
	host   *Host

	mu       sync.Mutex
	execs    []transport.ExecSpec
	channels []*Channel
	err      error
	closed   bool
	dead     chan struct{}
}

func (c *Client) Exec(spec transport.ExecSpec, h transport.Handler) {
	ch := &Channel{done: make(chan struct{})}

	c.mu.Lock()
	c.execs = append(c.execs, spec)
	gone := c.err != nil
	if !gone {
		c.channels = append(c.channels, ch)
	}
	c.mu.Unlock()

	if gone {
		go h.OpenFailed("connection lost")
		return
	}

	run := c.host.Run
	if run == nil {
		run = Echo
	}
	go run(spec, h, ch)
}

func (c *Client) Wait() error {
	<-c.dead
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Fail(ErrClosed)
	return nil
}

// Fail kills the transport as if the network dropped, closing its channels.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.finish()
	}
	close(c.dead)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channels returns the channels opened on this client, in order.
func (c *Client) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Execs returns the commands run on this client, in order.
func (c *Client) Execs() []transport.ExecSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.ExecSpec, len(c.execs))
	copy(out, c.execs)
	return out
}

// Channel is an in-memory execution channel.
type Channel struct {
	mu     sync.Mutex
	stdin  bytes.Buffer
	closed bool
	once   sync.Once
	done   chan struct{}
}

func (ch *Channel) Write(p []byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.stdin.Write(p)
	}
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.finish()
	return nil
}

func (ch *Channel) finish() {
	ch.once.Do(func() { close(ch.done) })
}

// Done is closed when the channel is closed locally or its client dies.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Stdin returns everything written to the channel.
func (ch *Channel) Stdin() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stdin.String()
}

// Echo treats "echo X" as printing X and exiting 0; any other command exits
// 127 after writing to stderr.
func Echo(spec transport.ExecSpec, h transport.Handler, ch *Channel) {
	h.Opened(ch)
	if rest, ok := strings.CutPrefix(spec.Command, "echo "); ok {
		h.Data([]byte(rest + "\n"))
		h.ExitStatus(0)
	} else {
		h.ExtendedData(transport.ExtendedStderr, []byte(spec.Command+": command not found\n"))
		h.ExitStatus(127)
	}
	h.Closed()
}

// Hold opens the channel and keeps it open until it is closed locally or the
// client dies.
func Hold(spec transport.ExecSpec, h transport.Handler, ch *Channel) {
	h.Opened(ch)
	<-ch.Done()
	h.Closed()
}

// Refuse rejects the channel open with reason.
func Refuse(reason string) RunFunc {
	return func(spec transport.ExecSpec, h transport.Handler, ch *Channel) {
		h.OpenFailed(reason)
	}
}
