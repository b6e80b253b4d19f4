package urlguard

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, len(s))
	for i, a := range s {
		out[i] = netip.MustParseAddr(a)
	}
	return out
}

func TestGuard_Validate(t *testing.T) {
	t.Parallel()
	resolver := staticResolver{
		"hooks.example.com": addrs("93.184.216.34"),
		"internal.corp":     addrs("10.1.2.3"),
		"mixed.example.com": addrs("93.184.216.34", "127.0.0.1"),
		"v6.example.com":    addrs("2606:2800:220:1::1"),
		"ula.example.com":   addrs("fd00::1"),
	}
	g := New(Options{Resolver: resolver, AllowedHosts: []string{"internal.corp"}})

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/webhook", true},
		{"http://hooks.example.com:8080/x", true},
		{"https://v6.example.com/", true},
		{"https://internal.corp/hook", true},
		{"ftp://hooks.example.com/", false},
		{"https:///nohost", false},
		{"http://127.0.0.1/", false},
		{"http://[::1]/", false},
		{"http://192.168.1.10/", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://metadata.google.internal/", false},
		{"http://0.1.2.3/", false},
		{"http://100.64.0.1/", false},
		{"http://100.127.255.254/", false},
		{"http://100.128.0.1/", true},
		{"https://mixed.example.com/", false},
		{"https://ula.example.com/", false},
		{"https://unknown.example.com/", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		err := g.Validate(context.Background(), tt.url)
		if tt.ok && err != nil {
			t.Errorf("Validate(%q): expected ok, got %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, ErrBlocked) {
			t.Errorf("Validate(%q): expected ErrBlocked, got %v", tt.url, err)
		}
	}
}

func TestGuard_AllowPrivate(t *testing.T) {
	t.Parallel()
	g := New(Options{AllowPrivateIPs: true, Resolver: staticResolver{}})

	if err := g.Validate(context.Background(), "http://127.0.0.1:9000/hook"); err != nil {
		t.Errorf("expected loopback allowed, got %v", err)
	}
	if err := g.Validate(context.Background(), "http://169.254.169.254/"); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected metadata host still blocked, got %v", err)
	}
	if err := g.Control("tcp", "10.0.0.1:443", nil); err != nil {
		t.Errorf("expected dial control to allow private, got %v", err)
	}
}

func TestGuard_Control(t *testing.T) {
	t.Parallel()
	g := New(Options{})
	if err := g.Control("tcp", "127.0.0.1:80", nil); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected loopback dial blocked, got %v", err)
	}
	if err := g.Control("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("expected public dial allowed, got %v", err)
	}
	if err := g.Control("tcp", "100.100.1.1:443", nil); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected shared address space dial blocked, got %v", err)
	}
}

func TestGuard_BindAllowedHost(t *testing.T) {
	t.Parallel()
	g := New(Options{AllowedHosts: []string{"Localhost"}})

	tests := []struct {
		url     string
		address string
		ok      bool
	}{
		{"http://localhost:8080/hook", "127.0.0.1:8080", true},
		{"http://LOCALHOST/hook", "[::1]:80", true},
		{"http://other.local/hook", "127.0.0.1:80", false},
		{"::not a url", "127.0.0.1:80", false},
	}
	for _, tt := range tests {
		ctx := g.Bind(context.Background(), tt.url)
		err := g.ControlContext(ctx, "tcp", tt.address, nil)
		if tt.ok && err != nil {
			t.Errorf("ControlContext(%q): expected ok, got %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, ErrBlocked) {
			t.Errorf("ControlContext(%q): expected ErrBlocked, got %v", tt.url, err)
		}
	}

	if err := g.ControlContext(context.Background(), "tcp", "127.0.0.1:80", nil); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected unbound dial blocked, got %v", err)
	}
}

func TestIPAllowed(t *testing.T) {
	t.Parallel()
	list := []string{"10.0.0.0/8", "203.0.113.7", " 2001:db8::/32 "}
	tests := []struct {
		ip string
		ok bool
	}{
		{"10.20.30.40", true},
		{"203.0.113.7", true},
		{"203.0.113.8", false},
		{"2001:db8::1", true},
		{"::ffff:10.0.0.1", true},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := IPAllowed(tt.ip, list); got != tt.ok {
			t.Errorf("IPAllowed(%q): expected %v, got %v", tt.ip, tt.ok, got)
		}
	}
	if !IPAllowed("1.2.3.4", nil) {
		t.Error("expected empty allowlist to allow everything")
	}
	if err := ValidAllowlist([]string{"10.0.0.0/8", "1.2.3.4"}); err != nil {
		t.Errorf("expected valid allowlist, got %v", err)
	}
	if err := ValidAllowlist([]string{"10.0.0.0/33"}); err == nil {
		t.Error("expected invalid CIDR to be rejected")
	}
}
