package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		wantOrigin string
		wantHost   string
		wantOK     bool
	}{
		{name: "simple https", raw: "https://example.com", wantOrigin: "https://example.com", wantHost: "example.com", wantOK: true},
		{name: "uppercase host", raw: "https://EXAMPLE.com", wantOrigin: "https://example.com", wantHost: "example.com", wantOK: true},
		{name: "custom port", raw: "http://example.com:8080", wantOrigin: "http://example.com:8080", wantHost: "example.com:8080", wantOK: true},
		{name: "default https port stripped", raw: "https://example.com:443", wantOrigin: "https://example.com", wantHost: "example.com", wantOK: true},
		{name: "default http port stripped", raw: "http://example.com:80", wantOrigin: "http://example.com", wantHost: "example.com", wantOK: true},
		{name: "ipv6 literal", raw: "http://[::1]:3000", wantOrigin: "http://[::1]:3000", wantHost: "[::1]:3000", wantOK: true},
		{name: "null origin", raw: "null", wantOrigin: "null", wantHost: "", wantOK: true},
		{name: "trailing slash", raw: "https://example.com/", wantOrigin: "https://example.com", wantHost: "example.com", wantOK: true},
		{name: "empty", raw: "", wantOK: false},
		{name: "path", raw: "https://example.com/app", wantOK: false},
		{name: "query", raw: "https://example.com?x=1", wantOK: false},
		{name: "userinfo", raw: "https://user@example.com", wantOK: false},
		{name: "non-http scheme", raw: "ftp://example.com", wantOK: false},
		{name: "missing scheme", raw: "example.com", wantOK: false},
		{name: "zero port", raw: "http://example.com:0", wantOK: false},
		{name: "port overflow", raw: "http://example.com:65536", wantOK: false},
		{name: "unbracketed ipv6", raw: "http://::1", wantOK: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotOrigin, gotHost, ok := NormalizeHeader(tc.raw)
			if ok != tc.wantOK {
				t.Fatalf("NormalizeHeader(%q) ok=%v, want %v", tc.raw, ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if gotOrigin != tc.wantOrigin || gotHost != tc.wantHost {
				t.Fatalf("NormalizeHeader(%q) = (%q, %q), want (%q, %q)", tc.raw, gotOrigin, gotHost, tc.wantOrigin, tc.wantHost)
			}
		})
	}
}

func TestIsAllowed_Allowlist(t *testing.T) {
	allowed := []string{"https://app.example.com"}

	if !IsAllowed("https://app.example.com", "app.example.com", "relay.internal:8080", allowed) {
		t.Fatalf("expected allowlisted origin to pass")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.internal:8080", allowed) {
		t.Fatalf("expected non-allowlisted origin to fail")
	}
	if !IsAllowed("https://anything.example.com", "anything.example.com", "relay.internal", []string{"*"}) {
		t.Fatalf("expected wildcard to pass")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("http://localhost:8080", "localhost:8080", "localhost:8080", nil) {
		t.Fatalf("expected same host:port to pass")
	}
	if !IsAllowed("https://example.com", "example.com", "example.com:443", nil) {
		t.Fatalf("expected default port equivalence to pass")
	}
	if IsAllowed("http://localhost:8080", "localhost:8080", "localhost:9090", nil) {
		t.Fatalf("expected differing ports to fail")
	}
	if IsAllowed("null", "", "localhost:8080", nil) {
		t.Fatalf("expected null origin to fail the same-host default")
	}
}
