// Package urlguard rejects webhook targets that would let a tenant reach
// internal networks or cloud metadata services.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

var ErrBlocked = errors.New("urlguard: destination not allowed")

var blockedHosts = map[string]struct{}{
	"metadata.google.internal": {},
	"169.254.169.254":          {},
}

var (
	thisNetwork = netip.MustParsePrefix("0.0.0.0/8")
	// carrier-grade NAT, RFC 6598
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
)

type bypassKey struct{}

type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Options struct {
	AllowPrivateIPs bool
	// AllowedHosts bypass every check below the scheme check.
	AllowedHosts []string
	Resolver     Resolver
}

type Guard struct {
	allowPrivate bool
	allowed      map[string]struct{}
	resolver     Resolver
}

func New(opts Options) *Guard {
	g := &Guard{
		allowPrivate: opts.AllowPrivateIPs,
		allowed:      make(map[string]struct{}, len(opts.AllowedHosts)),
		resolver:     opts.Resolver,
	}
	for _, h := range opts.AllowedHosts {
		g.allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}
	return g
}

func blocked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBlocked, fmt.Sprintf(format, args...))
}

// Validate parses rawURL, resolves its host and fails with ErrBlocked when the
// URL or any resolved address is disallowed.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return blocked("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return blocked("scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return blocked("missing host")
	}
	if _, ok := g.allowed[host]; ok {
		return nil
	}
	if _, ok := blockedHosts[host]; ok {
		return blocked("host %s is blocked", host)
	}
	if g.allowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isInternal(addr) {
			return blocked("address %s is internal", addr)
		}
		return nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return blocked("resolve %s: %v", host, err)
	}
	if len(addrs) == 0 {
		return blocked("host %s has no addresses", host)
	}
	for _, addr := range addrs {
		if isInternal(addr) {
			return blocked("host %s resolves to internal address %s", host, addr)
		}
	}
	return nil
}

// Bind marks ctx so the dial-time check lets rawURL through when its host is on
// the allowlist. Other URLs get ctx back unchanged.
func (g *Guard) Bind(ctx context.Context, rawURL string) context.Context {
	if len(g.allowed) == 0 {
		return ctx
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ctx
	}
	if _, ok := g.allowed[strings.ToLower(u.Hostname())]; !ok {
		return ctx
	}
	return context.WithValue(ctx, bypassKey{}, true)
}

// ControlContext is the net.Dialer ControlContext hook. Dials bound to an
// allowlisted host skip the address check.
func (g *Guard) ControlContext(ctx context.Context, network, address string, raw syscall.RawConn) error {
	if ok, _ := ctx.Value(bypassKey{}).(bool); ok {
		return nil
	}
	return g.Control(network, address, raw)
}

// Control is a net.Dialer Control hook that re-checks the address actually
// dialled, closing the window between validation and connect.
func (g *Guard) Control(network, address string, _ syscall.RawConn) error {
	if g.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return blocked("dial address %s: %v", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return blocked("dial address %s is not an ip", address)
	}
	if isInternal(addr) {
		return blocked("dial to internal address %s", addr)
	}
	return nil
}

func isInternal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		(addr.Is4() && thisNetwork.Contains(addr)) ||
		(addr.Is4() && sharedAddressSpace.Contains(addr))
}

// IPAllowed reports whether ip matches an allowlist of exact addresses or CIDR
// blocks. An empty allowlist allows everything.
func IPAllowed(ip string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// ValidAllowlist reports the first entry that is neither an IP nor a CIDR.
func ValidAllowlist(allowlist []string) error {
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err == nil {
			continue
		}
		return fmt.Errorf("invalid allowlist entry %q", entry)
	}
	return nil
}
