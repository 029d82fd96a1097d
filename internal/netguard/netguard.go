// Package netguard decides whether an outbound URL may be fetched and
// enforces the same decision when the connection is actually made.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/idna"
)

// ErrBlocked is the sentinel wrapped by every policy rejection.
var ErrBlocked = errors.New("blocked target")

// BlockedError describes why a target was rejected.
type BlockedError struct {
	Reason string
	Host   string
	Addr   netip.Addr
}

func (e *BlockedError) Error() string {
	if e.Addr.IsValid() {
		return fmt.Sprintf("blocked address %s (%s): %s", e.Addr, e.Host, e.Reason)
	}
	if e.Host != "" {
		return fmt.Sprintf("blocked host %s: %s", e.Host, e.Reason)
	}
	return "blocked: " + e.Reason
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// privateRanges are rejected unless an allow prefix covers the address.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
}

// Resolver is the subset of net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy is the operator-supplied address policy.
type Policy struct {
	Allowed      []netip.Prefix
	Blocked      []netip.Prefix
	BlockedHosts []string
}

// Guard validates outbound targets. It is safe for concurrent use.
type Guard struct {
	allowed      []netip.Prefix
	blocked      []netip.Prefix
	blockedHosts map[string]struct{}
	resolver     Resolver
}

// New creates a Guard. A nil resolver uses net.DefaultResolver.
func New(p Policy, resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	hosts := make(map[string]struct{}, len(p.BlockedHosts))
	for _, h := range p.BlockedHosts {
		hosts[normalizeHost(h)] = struct{}{}
	}
	return &Guard{
		allowed:      p.Allowed,
		blocked:      p.Blocked,
		blockedHosts: hosts,
		resolver:     resolver,
	}
}

// Validate checks scheme, host and every resolved address of u. The first
// violation wins.
func (g *Guard) Validate(ctx context.Context, u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return &BlockedError{Reason: "scheme " + u.Scheme}
	}

	host := u.Hostname()
	if host == "" {
		return &BlockedError{Reason: "no host"}
	}
	if g.HostBlocked(host) {
		return &BlockedError{Reason: "host is on the block list", Host: host}
	}

	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := g.CheckAddr(addr); err != nil {
			var be *BlockedError
			if errors.As(err, &be) {
				be.Host = host
			}
			return err
		}
	}
	return nil
}

// HostBlocked reports whether host matches the block list after IDNA and
// case normalisation.
func (g *Guard) HostBlocked(host string) bool {
	_, ok := g.blockedHosts[normalizeHost(host)]
	return ok
}

// CheckAddr applies the address rules to a single address.
func (g *Guard) CheckAddr(addr netip.Addr) error {
	addr = addr.Unmap()

	for _, p := range g.blocked {
		if p.Contains(addr) {
			return &BlockedError{Reason: "address is in a blocked network", Addr: addr}
		}
	}
	if addr.Is6() && (addr.IsMulticast() || addr.IsLinkLocalUnicast()) {
		return &BlockedError{Reason: "IPv6 multicast or link-local", Addr: addr}
	}
	if isPrivate(addr) && !g.isAllowed(addr) {
		return &BlockedError{Reason: "private address", Addr: addr}
	}
	return nil
}

func (g *Guard) isAllowed(addr netip.Addr) bool {
	for _, p := range g.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isPrivate(addr netip.Addr) bool {
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, &BlockedError{Reason: "invalid hostname", Host: host}
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", ascii)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", host)
	}
	return addrs, nil
}

// Control is a net.Dialer Control hook. It runs after name resolution for
// every address the dialer is about to connect to, so the address checked
// is the address used.
func (g *Guard) Control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &BlockedError{Reason: "invalid connection address " + address}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return &BlockedError{Reason: "connection address is not an IP", Host: host}
	}
	return g.CheckAddr(addr)
}

// Dialer returns a net.Dialer that enforces the address policy.
func (g *Guard) Dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   g.Control,
	}
}

// CheckRedirect is an http.Client redirect hook that re-validates every hop.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if err := g.Validate(req.Context(), req.URL); err != nil {
		return fmt.Errorf("redirect blocked: %w", err)
	}
	return nil
}

func normalizeHost(h string) string {
	h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		return ascii
	}
	return h
}
