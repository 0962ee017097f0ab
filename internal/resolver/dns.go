package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	defaultDNSTimeout = 5 * time.Second
)

// DNS queries name servers directly, which lets it tell NODATA (NOERROR with
// an empty answer) apart from NXDOMAIN. The system resolver cannot.
type DNS struct {
	servers []string
	client  *dns.Client
	log     zerolog.Logger
}

// NewDNS returns a DNS resolver for the given servers ("host" or
// "host:port"). With no servers it reads /etc/resolv.conf.
func NewDNS(servers []string, log zerolog.Logger) (*DNS, error) {
	var addrs []string
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", defaultResolvConf, err)
		}
		for _, s := range cc.Servers {
			addrs = append(addrs, net.JoinHostPort(s, cc.Port))
		}
	} else {
		for _, s := range servers {
			if s == "" {
				continue
			}
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
			addrs = append(addrs, s)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no name servers configured")
	}

	return &DNS{
		servers: addrs,
		client:  &dns.Client{Timeout: defaultDNSTimeout},
		log:     log,
	}, nil
}

// Servers returns the name servers in query order.
func (d *DNS) Servers() []string {
	out := make([]string, len(d.servers))
	copy(out, d.servers)
	return out
}

func (d *DNS) LookupA(ctx context.Context, host string) ([]string, error) {
	return d.lookup(ctx, host, dns.TypeA)
}

func (d *DNS) LookupAAAA(ctx context.Context, host string) ([]string, error) {
	return d.lookup(ctx, host, dns.TypeAAAA)
}

func (d *DNS) lookup(ctx context.Context, host string, qtype uint16) ([]string, error) {
	if addrs, ok, err := literal(host, qtype == dns.TypeAAAA); ok {
		return addrs, err
	}

	family := dns.TypeToString[qtype]
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range d.servers {
		in, rtt, err := d.client.ExchangeContext(ctx, m, server)
		if err != nil {
			d.log.Debug().Err(err).Str("server", server).Str("host", host).Msg("dns exchange failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		d.log.Debug().Str("server", server).Str("host", host).Str("type", family).
			Str("rcode", dns.RcodeToString[in.Rcode]).Dur("rtt", rtt).Msg("dns answer")

		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, &LookupError{Host: host, Family: family, Reason: "NXDOMAIN"}
		default:
			lastErr = fmt.Errorf("rcode %s from %s", dns.RcodeToString[in.Rcode], server)
			continue
		}

		var addrs []string
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					addrs = append(addrs, v.A.String())
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					addrs = append(addrs, v.AAAA.String())
				}
			}
		}
		if len(addrs) == 0 {
			return nil, ErrNoData
		}
		return addrs, nil
	}
	return nil, &LookupError{Host: host, Family: family, Reason: "no usable answer", Err: lastErr}
}
