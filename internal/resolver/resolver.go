// Package resolver turns host names into addresses for the connection pool.
//
// Lookups are split by family so the caller can ask for IPv4 first and fall
// back to IPv6 only when the name exists but has no A records. ErrNoData is
// the one error that means "try the other family"; anything else is a
// resolution failure the pool retries later.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoData reports that the name exists but has no records of the requested
// family.
var ErrNoData = errors.New("resolver: no data")

// Resolver performs forward lookups for a single address family at a time.
type Resolver interface {
	LookupA(ctx context.Context, host string) ([]string, error)
	LookupAAAA(ctx context.Context, host string) ([]string, error)
}

// LookupError is a failed lookup that is not ErrNoData: NXDOMAIN, SERVFAIL,
// timeouts and transport errors.
type LookupError struct {
	Host   string
	Family string
	Reason string
	Err    error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s (%s): %s: %v", e.Host, e.Family, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s (%s): %s", e.Host, e.Family, e.Reason)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Resolve asks r for IPv4 addresses and, when there are none, for IPv6.
func Resolve(ctx context.Context, r Resolver, host string) ([]string, error) {
	addrs, err := r.LookupA(ctx, host)
	if err == nil && len(addrs) > 0 {
		return addrs, nil
	}
	if err != nil && !errors.Is(err, ErrNoData) {
		return nil, err
	}

	addrs, err = r.LookupAAAA(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &LookupError{Host: host, Family: "AAAA", Reason: "empty answer", Err: ErrNoData}
	}
	return addrs, nil
}

// literal answers lookups for IP literals without touching the network.
// ok is false when host is not a literal.
func literal(host string, v6 bool) (addrs []string, ok bool, err error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false, nil
	}
	is4 := ip.To4() != nil
	if is4 == !v6 {
		return []string{ip.String()}, true, nil
	}
	return nil, true, ErrNoData
}

// System resolves through the Go runtime resolver (nsswitch, /etc/hosts,
// resolv.conf).
type System struct {
	Resolver *net.Resolver
}

func (s System) LookupA(ctx context.Context, host string) ([]string, error) {
	return s.lookup(ctx, host, "ip4")
}

func (s System) LookupAAAA(ctx context.Context, host string) ([]string, error) {
	return s.lookup(ctx, host, "ip6")
}

func (s System) lookup(ctx context.Context, host, network string) ([]string, error) {
	if addrs, ok, err := literal(host, network == "ip6"); ok {
		return addrs, err
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIP(ctx, network, host)
	if err != nil {
		var dnsErr *net.DNSError
		// The runtime resolver reports a missing family the same way as a
		// missing name, so both surface as ErrNoData.
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrNoData
		}
		return nil, &LookupError{Host: host, Family: familyName(network), Reason: "lookup failed", Err: err}
	}
	if len(ips) == 0 {
		return nil, ErrNoData
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

func familyName(network string) string {
	if network == "ip6" {
		return "AAAA"
	}
	return "A"
}

// Overrides answers from a static table before delegating to Next. Entries
// come from the inventory's hosts section.
type Overrides struct {
	Hosts map[string][]string
	Next  Resolver
}

func (o Overrides) LookupA(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := o.match(host, false); ok {
		return addrs, nil
	}
	if _, ok := o.Hosts[host]; ok {
		return nil, ErrNoData
	}
	return o.Next.LookupA(ctx, host)
}

func (o Overrides) LookupAAAA(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := o.match(host, true); ok {
		return addrs, nil
	}
	if _, ok := o.Hosts[host]; ok {
		return nil, ErrNoData
	}
	return o.Next.LookupAAAA(ctx, host)
}

func (o Overrides) match(host string, v6 bool) ([]string, bool) {
	var out []string
	for _, a := range o.Hosts[host] {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if (ip.To4() == nil) == v6 {
			out = append(out, ip.String())
		}
	}
	return out, len(out) > 0
}
