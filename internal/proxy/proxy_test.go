package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHostAllowed(t *testing.T) {
	p := New(0, []string{"api.example.com", "Data.Internal:8443"})

	tests := []struct {
		host string
		want bool
	}{
		{"api.example.com", true},
		{"API.EXAMPLE.COM", true},
		{"api.example.com:443", true},
		{"data.internal:8443", true},
		{"evil.example.com", false},
		{"example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.hostAllowed(tt.host); got != tt.want {
			t.Errorf("hostAllowed(%q) = %t, want %t", tt.host, got, tt.want)
		}
	}
}

func TestHandle_RefusesNonWhitelistedHost(t *testing.T) {
	p := New(0, []string{"api.example.com"})

	req := httptest.NewRequest(http.MethodGet, "http://evil.example.com/steal", nil)
	req.Host = "evil.example.com"
	rec := httptest.NewRecorder()
	p.handle(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandle_RefusesNonWhitelistedConnect(t *testing.T) {
	p := New(0, []string{"api.example.com"})

	req := httptest.NewRequest(http.MethodConnect, "evil.example.com:443", nil)
	rec := httptest.NewRecorder()
	p.handle(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAddr(t *testing.T) {
	p := New(3128, nil)
	if got := p.Addr(); got != "http://127.0.0.1:3128" {
		t.Errorf("Addr() = %q", got)
	}
}
