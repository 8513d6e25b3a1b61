package seeds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver queries one nameserver directly.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver sends TXT queries to server (host:port) over UDP, retrying
// over TCP when the answer is truncated.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	query.RecursionDesired = true
	// Signed records exceed the classic 512 byte UDP limit.
	query.SetEdns0(4096, false)

	resp, _, err := r.client.ExchangeContext(ctx, query, r.server)
	if err == nil && resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, query, r.server)
	}
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s: %s", name, dns.RcodeToString[resp.Rcode])
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			// Long records arrive split into 255 byte strings.
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

type systemResolver struct{}

func (systemResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

// SystemResolver uses the host's resolver configuration.
func SystemResolver() Resolver {
	return systemResolver{}
}
