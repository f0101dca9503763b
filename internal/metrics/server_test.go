package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServerAllowedIPs(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"with invalid", []string{"192.168.1.1", "invalid", "10.0.0.1"}, 2},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(New(), ":9090", "/metrics", tt.allowedIPs, testLogger())
			if len(s.allowed) != tt.wantCount {
				t.Errorf("expected %d allowed networks, got %d", tt.wantCount, len(s.allowed))
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	s := NewServer(New(), ":9090", "/metrics", []string{"192.168.1.100", "10.0.0.0/8", "::1"}, testLogger())

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		if got := s.isAllowed(netip.MustParseAddr(tt.ip)); got != tt.allowed {
			t.Errorf("isAllowed(%s) = %v, want %v", tt.ip, got, tt.allowed)
		}
	}
}

func TestHandlerFiltering(t *testing.T) {
	s := NewServer(New(), ":9090", "/metrics", []string{"10.0.0.0/8"}, testLogger())
	h := s.Handler()

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		xff        string
		want       int
	}{
		{"allowed remote", "/metrics", "10.1.2.3:5555", "", http.StatusOK},
		{"denied remote", "/metrics", "192.168.1.1:5555", "", http.StatusForbidden},
		{"allowed by forwarded header", "/metrics", "127.0.0.1:5555", "10.0.0.9, 127.0.0.1", http.StatusOK},
		{"health is not filtered", "/health", "192.168.1.1:5555", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
