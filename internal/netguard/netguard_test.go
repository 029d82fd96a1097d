package netguard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestValidate(t *testing.T) {
	resolver := fakeResolver{
		"public.example":   addrs("93.184.216.34"),
		"private.example":  addrs("10.1.2.3"),
		"mixed.example":    addrs("93.184.216.34", "192.168.0.10"),
		"allowed.example":  addrs("10.20.0.5"),
		"blocked.example":  addrs("203.0.113.7"),
		"blockall.example": addrs("10.20.0.9"),
		"v6ll.example":     addrs("fe80::1"),
		"v6mc.example":     addrs("ff02::1"),
		"v6pub.example":    addrs("2001:db8::1"),
		"xn--bcher-kva.example": addrs("93.184.216.35"),
	}
	g := New(Policy{
		Allowed: []netip.Prefix{
			netip.MustParsePrefix("10.20.0.0/16"),
			netip.MustParsePrefix("fe80::/10"),
		},
		Blocked: []netip.Prefix{
			netip.MustParsePrefix("203.0.113.0/24"),
			netip.MustParsePrefix("10.20.0.9/32"),
		},
		BlockedHosts: []string{"Internal.Example", "bücher.example"},
	}, resolver)

	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"public host", "https://public.example/a.png", false},
		{"ftp scheme", "ftp://public.example/a.png", true},
		{"file scheme", "file:///etc/passwd", true},
		{"uppercase scheme", "HTTPS://public.example/", false},
		{"loopback literal", "http://127.0.0.1/", true},
		{"private ten", "http://private.example/", true},
		{"any address private", "http://mixed.example/", true},
		{"allow listed private", "http://allowed.example/", false},
		{"block beats allow", "http://blockall.example/", true},
		{"blocked network", "http://blocked.example/", true},
		{"blocked host case insensitive", "http://INTERNAL.example/", true},
		{"blocked host idna", "http://xn--bcher-kva.example/", true},
		{"ipv6 link local not overridable", "http://v6ll.example/", true},
		{"ipv6 multicast", "http://v6mc.example/", true},
		{"ipv6 public", "http://v6pub.example/", false},
		{"ipv6 loopback literal", "http://[::1]/", true},
		{"mapped loopback literal", "http://[::ffff:127.0.0.1]/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Validate(context.Background(), mustURL(t, tt.url))
			if tt.blocked {
				if !errors.Is(err, ErrBlocked) {
					t.Fatalf("expected ErrBlocked, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_ResolutionFailureIsNotBlock(t *testing.T) {
	g := New(Policy{}, fakeResolver{})
	err := g.Validate(context.Background(), mustURL(t, "http://missing.example/"))
	if err == nil {
		t.Fatal("expected resolution error")
	}
	if errors.Is(err, ErrBlocked) {
		t.Errorf("resolution failure should not be reported as a policy block: %v", err)
	}
}

func TestBlockedError_Message(t *testing.T) {
	g := New(Policy{}, fakeResolver{"private.example": addrs("10.0.0.1")})
	err := g.Validate(context.Background(), mustURL(t, "http://private.example/"))
	var be *BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BlockedError, got %T", err)
	}
	if be.Host != "private.example" || be.Addr != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("unexpected error fields: %+v", be)
	}
}

func newClient(g *Guard) *http.Client {
	return &http.Client{
		Transport:     &http.Transport{DialContext: g.Dialer(2 * time.Second).DialContext},
		CheckRedirect: g.CheckRedirect,
		Timeout:       5 * time.Second,
	}
}

func TestControl_BlocksLoopbackAtDialTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := New(Policy{}, nil)
	resp, err := newClient(g).Get(srv.URL)
	if err == nil {
		resp.Body.Close() //nolint:errcheck
		t.Fatal("expected dial to be blocked")
	}
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked in chain, got %v", err)
	}
}

func TestControl_AllowsAllowListedLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g := New(Policy{Allowed: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}}, nil)
	resp, err := newClient(g).Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCheckRedirect_RevalidatesTarget(t *testing.T) {
	g := New(Policy{}, fakeResolver{"public.example": addrs("93.184.216.34")})

	req := httptest.NewRequest(http.MethodGet, "http://10.0.0.1/next", nil)
	if err := g.CheckRedirect(req, []*http.Request{{}}); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected redirect to private address to be blocked, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "http://public.example/next", nil)
	if err := g.CheckRedirect(req, []*http.Request{{}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	via := make([]*http.Request, 10)
	if err := g.CheckRedirect(req, via); err == nil {
		t.Error("expected redirect limit error")
	}
}
