package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}

	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTSWithTLS(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	want := "max-age=31536000; includeSubDomains"
	if got := w.Header().Get("Strict-Transport-Security"); got != want {
		t.Errorf("HSTS = %q, want %q", got, want)
	}
}

func TestRateLimit_BurstThenBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimit(ctx, 6, 3)(okHandler())

	var ok, blocked int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
		}
	}

	if ok != 3 {
		t.Errorf("successful requests = %d, want 3 (burst size)", ok)
	}
	if blocked != 7 {
		t.Errorf("blocked requests = %d, want 7", blocked)
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimit(ctx, 6, 2)(okHandler())

	for _, addr := range []string{"10.0.0.1:1111", "10.0.0.2:2222"} {
		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Errorf("client %s request %d: status %d, want 200", addr, i+1, w.Code)
			}
		}
	}
}

func TestClientIP_IgnoresSpoofedHeaderWithoutTrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "203.0.113.7:4242"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	if got := clientIP(req, nil); got != "203.0.113.7" {
		t.Errorf("clientIP = %q, want direct peer address", got)
	}
}

func TestClientIP_TrustedProxyUsesForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")

	if got := clientIP(req, []string{"10.0.0.1"}); got != "1.2.3.4" {
		t.Errorf("clientIP = %q, want forwarded client address", got)
	}
}
