package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// PTRResolver looks up reverse DNS names against one server.
type PTRResolver struct {
	client *dns.Client
	server string
}

// NewPTRResolver creates a resolver for server ("host" or "host:port"). An
// empty server uses the first nameserver from /etc/resolv.conf.
func NewPTRResolver(server string, timeout time.Duration) (*PTRResolver, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	if server == "" {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameserver in %s", resolvConf)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	return &PTRResolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		server: server,
	}, nil
}

// LookupName implements NameResolver.
func (r *PTRResolver) LookupName(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", err
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", err
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", nil
	}

	for _, ans := range in.Answer {
		if ptr, ok := ans.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}
