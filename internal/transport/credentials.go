package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
)

// Credentials are handed to every SSH handshake unchanged.
type Credentials struct {
	Password      string
	KeyPath       string
	KeyPassphrase string
	UseAgent      bool
	// KnownHostsPath enables host key checking. Empty accepts any host key.
	KnownHostsPath string
}

var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// LoadPrivateKey reads and parses a private key file, decrypting it with
// passphrase when one is given.
func LoadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", logging.Sanitize(path), err)
	}
	return ParsePrivateKey(data, passphrase)
}

// ParsePrivateKey parses a PEM or OpenSSH private key.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// authMethods builds the SSH auth chain: explicit key, agent, default keys
// from ~/.ssh (only when neither key nor agent is configured), password.
// The returned closer releases the agent socket.
func (c Credentials) authMethods(log zerolog.Logger) ([]ssh.AuthMethod, func() error, error) {
	var (
		methods []ssh.AuthMethod
		closer  = func() error { return nil }
	)

	if c.KeyPath != "" {
		signer, err := LoadPrivateKey(c.KeyPath, c.KeyPassphrase)
		if err != nil {
			return nil, nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to ssh agent: %w", err)
		}
		ag := agent.NewClient(conn)
		methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
		closer = conn.Close
	}

	if c.KeyPath == "" && !c.UseAgent {
		if signers := defaultSigners(log); len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	if len(methods) == 0 {
		_ = closer()
		return nil, nil, errors.New("no ssh credentials: set a password, key, or agent")
	}
	return methods, closer, nil
}

func defaultSigners(log zerolog.Logger) []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		signer, err := LoadPrivateKey(path, "")
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping default key")
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

func (c Credentials) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", logging.Sanitize(c.KnownHostsPath), err)
	}
	return cb, nil
}
