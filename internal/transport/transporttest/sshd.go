package transporttest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Command runs one exec request on the test server and returns its exit
// status. stdin is closed when the client sends EOF or closes the channel.
type Command func(cmd string, pty bool, stdin io.Reader, stdout, stderr io.Writer) int

// Server is a loopback SSH server accepting one generated client key.
type Server struct {
	Addr          string
	Host          string
	Port          int
	ClientKeyPath string
	HostKey       ssh.PublicKey

	// RejectSessions makes the server refuse new session channels.
	RejectSessions atomic.Bool

	cmd      Command
	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns []net.Conn
}

// NewServer starts a server that hands every exec to cmd. Commands prefixed
// with "reject:" get a negative exec reply and are not run.
func NewServer(t testing.TB, cmd Command) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	pemBlock, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "client.key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Addr:          ln.Addr().String(),
		Host:          host,
		Port:          port,
		ClientKeyPath: keyPath,
		HostKey:       hostSigner.PublicKey(),
		cmd:           cmd,
		config:        cfg,
		listener:      ln,
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// KnownHostsLine renders a known_hosts entry for this server.
func (s *Server) KnownHostsLine() string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.Addr)}, s.HostKey)
}

// DropConnections closes every accepted TCP connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		if s.RejectSessions.Load() {
			newChan.Reject(ssh.ResourceShortage, "no more sessions")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	var pty, started bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty = true
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || started {
				req.Reply(false, nil)
				continue
			}
			if strings.HasPrefix(msg.Command, "reject:") {
				req.Reply(false, nil)
				ch.Close()
				continue
			}
			started = true
			req.Reply(true, nil)
			go func(command string) {
				status := s.cmd(command, pty, ch, ch, ch.Stderr())
				ch.CloseWrite()
				ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(status)}))
				ch.Close()
			}(msg.Command)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// Shell is a Command understanding a few fixed programs: "echo ARGS",
// "fail N" (exit N with a message on stderr), "cat" (copy stdin until EOF or
// a line "EOF"), "tty" (report whether a pty was requested), "sleep"
// (block until stdin closes).
func Shell(cmd string, pty bool, stdin io.Reader, stdout, stderr io.Writer) int {
	name, args, _ := strings.Cut(cmd, " ")
	switch name {
	case "echo":
		fmt.Fprintln(stdout, args)
		return 0
	case "fail":
		code, err := strconv.Atoi(args)
		if err != nil {
			code = 1
		}
		fmt.Fprintln(stderr, "failing with", code)
		return code
	case "tty":
		if pty {
			fmt.Fprintln(stdout, "pty")
		} else {
			fmt.Fprintln(stdout, "not a tty")
		}
		return 0
	case "cat":
		buf := make([]byte, 4096)
		var seen []byte
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				stdout.Write(buf[:n])
				seen = append(seen, buf[:n]...)
				if bytes.Contains(seen, []byte("EOF\n")) {
					return 0
				}
			}
			if err != nil {
				return 0
			}
		}
	case "sleep":
		io.Copy(io.Discard, stdin)
		return 0
	default:
		fmt.Fprintf(stderr, "%s: command not found\n", name)
		return 127
	}
}
