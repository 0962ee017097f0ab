package sshpool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Key identifies one connection.
type Key struct {
	User string
	Host string
	// Port is 0 for the pool's default port.
	Port int
}

// ErrInvalidKey wraps every ParseKey failure.
var ErrInvalidKey = errors.New("invalid host key")

// ParseKey parses "[user@]host[:port]". IPv6 literals need brackets when a
// port is given. A port equal to defaultPort is dropped so that "web1" and
// "web1:22" name the same connection.
func ParseKey(s, defaultUser string, defaultPort int) (Key, error) {
	k, err := parseKey(strings.TrimSpace(s), defaultUser, defaultPort)
	if err != nil {
		return Key{}, fmt.Errorf("%w %q: %v", ErrInvalidKey, s, err)
	}
	return k, nil
}

func parseKey(s, defaultUser string, defaultPort int) (Key, error) {
	if s == "" {
		return Key{}, errors.New("empty")
	}

	k := Key{User: defaultUser}
	if user, rest, ok := strings.Cut(s, "@"); ok {
		if user == "" {
			return Key{}, errors.New("empty user")
		}
		k.User = user
		s = rest
	}

	switch {
	case strings.HasPrefix(s, "["):
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			end := strings.Index(s, "]")
			if end < 0 || end != len(s)-1 {
				return Key{}, err
			}
			host = s[1:end]
		} else if k.Port, err = parsePort(port); err != nil {
			return Key{}, err
		}
		k.Host = host
	case strings.Count(s, ":") > 1:
		k.Host = s
	case strings.Contains(s, ":"):
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return Key{}, err
		}
		if k.Port, err = parsePort(port); err != nil {
			return Key{}, err
		}
		k.Host = host
	default:
		k.Host = s
	}

	if k.Host == "" {
		return Key{}, errors.New("empty host")
	}
	if k.Port == defaultPort {
		k.Port = 0
	}
	return k, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

// String renders the canonical form: "user@host" or "user@host:port", with
// IPv6 hosts bracketed when a port follows.
func (k Key) String() string {
	if k.Port == 0 {
		return k.User + "@" + k.Host
	}
	return k.User + "@" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// NormalizeKey returns the canonical form of s.
func NormalizeKey(s, defaultUser string, defaultPort int) (string, error) {
	k, err := ParseKey(s, defaultUser, defaultPort)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}
