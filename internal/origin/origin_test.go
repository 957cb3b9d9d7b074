package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"simple", "https://app.example.com", "https://app.example.com", true},
		{"uppercase host", "https://App.Example.COM", "https://app.example.com", true},
		{"uppercase scheme", "HTTPS://app.example.com", "https://app.example.com", true},
		{"default https port stripped", "https://app.example.com:443", "https://app.example.com", true},
		{"default http port stripped", "http://app.example.com:80", "http://app.example.com", true},
		{"non-default port kept", "https://app.example.com:8443", "https://app.example.com:8443", true},
		{"localhost with port", "http://localhost:5173", "http://localhost:5173", true},
		{"trailing slash", "https://app.example.com/", "https://app.example.com", true},
		{"null origin", "null", "null", true},
		{"ipv6 literal", "http://[::1]:3000", "http://[::1]:3000", true},
		{"ipv6 default port", "https://[2001:db8::1]:443", "https://[2001:db8::1]", true},
		{"empty", "", "", false},
		{"no scheme", "app.example.com", "", false},
		{"ws scheme", "ws://app.example.com", "", false},
		{"file scheme", "file:///tmp/x", "", false},
		{"path present", "https://app.example.com/login", "", false},
		{"userinfo", "https://admin@app.example.com", "", false},
		{"query", "https://app.example.com?x=1", "", false},
		{"port zero", "https://app.example.com:0", "", false},
		{"port overflow", "https://app.example.com:70000", "", false},
		{"empty port", "https://app.example.com:", "", false},
		{"unbracketed ipv6", "https://2001:db8::1", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	allowlist := []string{"http://localhost:3000", "https://app.example.com"}

	cases := []struct {
		name      string
		origin    string
		allowlist []string
		want      bool
	}{
		{"exact match", "http://localhost:3000", allowlist, true},
		{"case-insensitive match", "https://APP.Example.com", allowlist, true},
		{"default port equivalence", "https://app.example.com:443", allowlist, true},
		{"not listed", "https://evil.example.com", allowlist, false},
		{"different port", "http://localhost:3001", allowlist, false},
		{"malformed origin", "not a url", allowlist, false},
		{"null origin not listed", "null", allowlist, false},
		{"null origin listed", "null", []string{"null"}, true},
		{"wildcard", "https://anything.example.com", []string{"*"}, true},
		{"wildcard malformed still rejected", "not a url", []string{"*"}, false},
		{"missing header allowed", "", allowlist, true},
		{"empty allowlist rejects", "https://app.example.com", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(tc.origin, tc.allowlist); got != tc.want {
				t.Fatalf("Allowed(%q, %v) = %v, want %v", tc.origin, tc.allowlist, got, tc.want)
			}
		})
	}
}
