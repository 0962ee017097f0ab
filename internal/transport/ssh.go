package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
)

const defaultConnectTimeout = 30 * time.Second

// SSHDialer dials hosts over TCP and performs the SSH handshake.
type SSHDialer struct {
	auth     []ssh.AuthMethod
	hostKey  ssh.HostKeyCallback
	insecure bool
	timeout  time.Duration
	closer   func() error
	log      zerolog.Logger
}

// NewSSHDialer prepares auth methods and host key policy once; every Dial
// reuses them.
func NewSSHDialer(creds Credentials, timeout time.Duration, log zerolog.Logger) (*SSHDialer, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	auth, closer, err := creds.authMethods(log)
	if err != nil {
		return nil, err
	}
	hostKey, err := creds.hostKeyCallback()
	if err != nil {
		_ = closer()
		return nil, err
	}
	return &SSHDialer{
		auth:     auth,
		hostKey:  hostKey,
		insecure: creds.KnownHostsPath == "",
		timeout:  timeout,
		closer:   closer,
		log:      log,
	}, nil
}

// Insecure reports whether host keys are accepted without verification.
func (d *SSHDialer) Insecure() bool { return d.insecure }

// Close releases the ssh-agent connection, if any.
func (d *SSHDialer) Close() error { return d.closer() }

func (d *SSHDialer) Dial(ctx context.Context, target Target) (Client, error) {
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.timeout,
	}

	dialer := net.Dialer{Timeout: d.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", target.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target.Addr, err)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = netConn.SetDeadline(deadline)

	hostname := target.Host
	if hostname == "" {
		hostname = target.Addr
	} else if target.Port > 0 {
		hostname = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, hostname, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", target.Addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	d.log.Debug().Str("host", logging.Sanitize(hostname)).Str("addr", target.Addr).Msg("ssh handshake complete")
	return &sshClient{client: ssh.NewClient(sshConn, chans, reqs), log: d.log}, nil
}

type sshClient struct {
	client *ssh.Client
	log    zerolog.Logger
}

func (c *sshClient) Wait() error  { return c.client.Wait() }
func (c *sshClient) Close() error { return c.client.Close() }

func (c *sshClient) Exec(spec ExecSpec, h Handler) {
	go c.exec(spec, h)
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type execMsg struct {
	Command string
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

func terminalModes() string {
	modes := []struct {
		Key byte
		Val uint32
	}{
		{ssh.ECHO, 1},
		{ssh.TTY_OP_ISPEED, 14400},
		{ssh.TTY_OP_OSPEED, 14400},
	}
	var b []byte
	for _, m := range modes {
		b = append(b, ssh.Marshal(&m)...)
	}
	return string(append(b, 0)) // TTY_OP_END
}

func (c *sshClient) exec(spec ExecSpec, h Handler) {
	ch, reqs, err := c.client.OpenChannel("session", nil)
	if err != nil {
		var oce *ssh.OpenChannelError
		if errors.As(err, &oce) {
			h.OpenFailed(oce.Message)
		} else {
			h.OpenFailed(err.Error())
		}
		return
	}

	if spec.PTY {
		req := ptyRequestMsg{Term: "xterm", Columns: 80, Rows: 24, Modelist: terminalModes()}
		ok, err := ch.SendRequest("pty-req", true, ssh.Marshal(&req))
		if err != nil || !ok {
			c.log.Debug().Err(err).Msg("pty request refused")
		}
	}

	ok, err := ch.SendRequest("exec", true, ssh.Marshal(&execMsg{Command: spec.Command}))
	if err != nil || !ok {
		h.ExecFailed(spec.Command)
	}

	sc := newSSHChannel(ch)
	h.Opened(sc)

	var (
		wg         sync.WaitGroup
		exitCode   = -1
		exitSignal string
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		pump(ch, h.Data)
	}()
	go func() {
		defer wg.Done()
		pump(ch.Stderr(), func(p []byte) { h.ExtendedData(ExtendedStderr, p) })
	}()
	go func() {
		defer wg.Done()
		for req := range reqs {
			switch req.Type {
			case "exit-status":
				if len(req.Payload) >= 4 {
					exitCode = int(binary.BigEndian.Uint32(req.Payload))
				}
			case "exit-signal":
				var msg exitSignalMsg
				if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
					exitSignal = msg.Signal
				}
			}
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}()
	wg.Wait()

	sc.stop()
	_ = ch.Close()
	// Exit notifications are held back until both output streams have
	// drained so consumers always see them after the last byte.
	if exitCode >= 0 {
		h.ExitStatus(exitCode)
	}
	if exitSignal != "" {
		h.ExitSignal(exitSignal)
	}
	h.Closed()
}

func pump(r io.Reader, deliver func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			deliver(p)
		}
		if err != nil {
			return
		}
	}
}

// sshChannel serialises stdin writes through one goroutine so Write never
// blocks the caller on flow control.
type sshChannel struct {
	ch ssh.Channel

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSSHChannel(ch ssh.Channel) *sshChannel {
	c := &sshChannel{
		ch:   ch,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.writer()
	return c
}

func (c *sshChannel) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.pending = append(c.pending, buf)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *sshChannel) Close() error {
	c.stop()
	return c.ch.Close()
}

func (c *sshChannel) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *sshChannel) writer() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			batch := c.pending
			c.pending = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, p := range batch {
				if _, err := c.ch.Write(p); err != nil {
					c.stop()
					return
				}
			}
		}
	}
}
