package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrSSRFBlocked is returned for any request the SSRF guard refuses to
// make: disallowed scheme, non-allowlisted host, or a resolved address
// in a disallowed range. Callers map this to
// contracts.ReasonConnectorError with the specific violation in Detail.
var ErrSSRFBlocked = errors.New("connector: request blocked by SSRF guard")

// metadataAddresses are well-known cloud metadata service endpoints,
// blocked even though some (169.254.169.254) technically fall under
// link-local and would already be caught by that check; the explicit
// list exists so the check doesn't depend on link-local coverage alone.
var metadataAddresses = []string{"169.254.169.254", "fd00:ec2::254"}

// Resolver performs the DNS resolution step of the SSRF guard. The
// default implementation defers to the host's resolver; DNSResolver
// issues queries directly against an operator-specified server so a
// compromised local resolver (or proxy forcing DNS through itself)
// cannot be used to rebind a previously-validated hostname.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver defers to net.DefaultResolver.
type SystemResolver struct{}

func (SystemResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// DNSResolver issues A/AAAA queries directly against a configured
// server, bypassing whatever resolver the host OS would otherwise use.
type DNSResolver struct {
	Server string
	client *dns.Client
}

// NewDNSResolver builds a resolver that queries server directly (e.g.
// "1.1.1.1:53").
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{Server: server, client: &dns.Client{Timeout: 5 * time.Second}}
}

func (r *DNSResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			return nil, fmt.Errorf("connector: dns query failed: %w", err)
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("connector: no addresses found for %q", host)
	}
	return ips, nil
}

// Guard implements the outbound SSRF guard shared by every connector
// that performs network I/O (spec.md §4.4): scheme check, allowlist
// check, DNS resolution, address-range rejection, and IP pinning.
type Guard struct {
	Allowlist    map[string]bool
	Resolver     Resolver
	AllowedHTTPS bool // when true, only https is permitted regardless of scheme check
	MaxRedirects int
}

// NewGuard builds a guard restricted to the given literal hostnames. An
// empty allowlist denies every host (deny-by-default, per spec.md §4.4).
func NewGuard(allowedHosts []string, resolver Resolver) *Guard {
	if resolver == nil {
		resolver = SystemResolver{}
	}
	allow := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allow[strings.ToLower(h)] = true
	}
	return &Guard{Allowlist: allow, Resolver: resolver, MaxRedirects: 5}
}

// Validate runs steps 1-5 of the SSRF guard against rawURL and returns
// the resolved, range-checked address to pin the connection to.
func (g *Guard) Validate(ctx context.Context, rawURL string) (*url.URL, net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unparseable url: %v", ErrSSRFBlocked, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("%w: scheme %q not permitted", ErrSSRFBlocked, u.Scheme)
	}
	if g.AllowedHTTPS && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("%w: only https permitted for this connector", ErrSSRFBlocked)
	}

	host := u.Hostname()
	if !g.Allowlist[strings.ToLower(host)] {
		return nil, nil, fmt.Errorf("%w: host %q not in allowlist", ErrSSRFBlocked, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := checkAddress(ip); err != nil {
			return nil, nil, err
		}
		return u, ip, nil
	}

	ips, err := g.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dns resolution failed: %v", ErrSSRFBlocked, err)
	}
	for _, ip := range ips {
		if err := checkAddress(ip); err != nil {
			return nil, nil, err
		}
	}
	if len(ips) == 0 {
		return nil, nil, fmt.Errorf("%w: no addresses resolved for %q", ErrSSRFBlocked, host)
	}
	return u, ips[0], nil
}

// checkAddress rejects any address in a disallowed range: loopback,
// link-local, unique-local, RFC 1918 private, shared (100.64/10),
// multicast, broadcast, reserved, or a known metadata-service address.
func checkAddress(ip net.IP) error {
	for _, addr := range metadataAddresses {
		if ip.Equal(net.ParseIP(addr)) {
			return fmt.Errorf("%w: %s is a cloud metadata address", ErrSSRFBlocked, ip)
		}
	}
	if ip.IsLoopback() {
		return fmt.Errorf("%w: %s is loopback", ErrSSRFBlocked, ip)
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s is link-local", ErrSSRFBlocked, ip)
	}
	if ip.IsPrivate() {
		return fmt.Errorf("%w: %s is private (RFC 1918/4193)", ErrSSRFBlocked, ip)
	}
	if ip.IsMulticast() {
		return fmt.Errorf("%w: %s is multicast", ErrSSRFBlocked, ip)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("%w: %s is unspecified", ErrSSRFBlocked, ip)
	}
	if isSharedAddressSpace(ip) {
		return fmt.Errorf("%w: %s is in the shared address space (100.64.0.0/10)", ErrSSRFBlocked, ip)
	}
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 255 && ip4[1] == 255 && ip4[2] == 255 && ip4[3] == 255 {
		return fmt.Errorf("%w: %s is the broadcast address", ErrSSRFBlocked, ip)
	}
	return nil
}

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func isSharedAddressSpace(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	return sharedAddressSpace.Contains(ip4)
}

// DialerFor returns an http.Transport DialContext that connects to the
// address already validated by Validate, regardless of what the DNS
// re-resolves to at connect time — this is the "pin the resolved
// address" step that defeats DNS rebinding.
func DialerFor(pinnedIP net.IP, originalPort string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		pinnedAddr := net.JoinHostPort(pinnedIP.String(), originalPort)
		return d.DialContext(ctx, network, pinnedAddr)
	}
}

// NewPinnedClient builds an http.Client whose transport always dials
// pinnedIP for the single request it is used for, and which re-validates
// redirects per spec.md §4.4 step 7 via CheckRedirect.
func NewPinnedClient(g *Guard, maxBodyBytes int64) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= g.MaxRedirects {
				return fmt.Errorf("%w: too many redirects", ErrSSRFBlocked)
			}
			u, ip, err := g.Validate(req.Context(), req.URL.String())
			if err != nil {
				return err
			}
			port := u.Port()
			if port == "" {
				port = defaultPort(u.Scheme)
			}
			transport.DialContext = DialerFor(ip, port)
			return nil
		},
	}
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
