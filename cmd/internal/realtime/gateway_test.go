package realtime

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
)

func testGateway(originRequired bool, allowed []string) *WSGateway {
	return &WSGateway{
		log:            testLogger(),
		originRequired: originRequired,
		allowedOrigins: allowed,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(allowed),
	}
}

func TestWSGateway_EnforceOrigin(t *testing.T) {
	t.Parallel()

	g := testGateway(true, []string{"http://localhost", "https://bazaar.example.com"})

	cases := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{"exact match", "http://localhost", true},
		{"host match with port", "http://localhost:3000", true},
		{"host match other scheme", "https://bazaar.example.com", true},
		{"missing origin", "", false},
		{"unlisted origin", "https://evil.example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			err := g.enforceOrigin(req)
			if tc.wantOK && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestWSGateway_EnforceOrigin_OptionalOrigin(t *testing.T) {
	t.Parallel()

	g := testGateway(false, []string{"http://localhost"})

	req := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(req); err != nil {
		t.Fatalf("origin-less request should pass when origin is optional: %v", err)
	}
}

func TestWSGateway_EnforceOrigin_Wildcard(t *testing.T) {
	t.Parallel()

	g := testGateway(true, []string{"*"})

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	if err := g.enforceOrigin(req); err != nil {
		t.Fatalf("wildcard allowlist should accept any origin: %v", err)
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost", "localhost"},
		{"http://localhost:3000", "localhost"},
		{"https://Bazaar.Example.com:443", "bazaar.example.com"},
		{"localhost:8080", "localhost"},
		{"localhost", "localhost"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Errorf("originHostOnly(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost", "http://localhost:3000", "https://bazaar.example.com", "*", "",
	})
	want := []string{"bazaar.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", got, want)
		}
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	if classifyReadErr(context.Canceled) != readErrCtxDone {
		t.Fatalf("context.Canceled should classify as ctx done")
	}
	if classifyReadErr(context.DeadlineExceeded) != readErrCtxDone {
		t.Fatalf("context.DeadlineExceeded should classify as ctx done")
	}
	if classifyReadErr(io.EOF) != readErrConnClosed {
		t.Fatalf("io.EOF should classify as conn closed")
	}
}
