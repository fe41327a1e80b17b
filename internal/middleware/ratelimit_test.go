package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// okHandler is a simple handler that returns 200 OK.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
})

func TestRateLimit_AllowsWithinLimit(t *testing.T) {
	middleware := RateLimit(10, 5)
	handler := middleware(okHandler)

	// First 5 requests (burst) should all succeed.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/order", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected status 200, got %d", i+1, rr.Code)
		}
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	// 1 RPS with burst of 2: first 2 pass, third should be blocked.
	middleware := RateLimit(1, 2)
	handler := middleware(okHandler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/order", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	// Third request should be rate limited.
	req := httptest.NewRequest(http.MethodPost, "/api/order", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}

	// Verify JSON error body.
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("expected error 'rate limit exceeded', got %q", body["error"])
	}
}

func TestRateLimit_SeparateLimitersPerIP(t *testing.T) {
	// Burst of 1: each IP gets one request before being limited.
	middleware := RateLimit(1, 1)
	handler := middleware(okHandler)

	// First IP exhausts its burst.
	req1 := httptest.NewRequest(http.MethodPost, "/api/order", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Fatalf("IP1 first request: expected 200, got %d", rr1.Code)
	}

	// First IP should now be limited.
	req1b := httptest.NewRequest(http.MethodPost, "/api/order", nil)
	req1b.RemoteAddr = "10.0.0.1:12345"
	rr1b := httptest.NewRecorder()
	handler.ServeHTTP(rr1b, req1b)
	if rr1b.Code != http.StatusTooManyRequests {
		t.Errorf("IP1 second request: expected 429, got %d", rr1b.Code)
	}

	// Second IP should still be able to make a request.
	req2 := httptest.NewRequest(http.MethodPost, "/api/order", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Errorf("IP2 first request: expected 200, got %d", rr2.Code)
	}
}

func TestRateLimit_XForwardedForTakesPrecedence(t *testing.T) {
	middleware := RateLimit(1, 1)
	handler := middleware(okHandler)

	// Two requests from the same socket but different forwarded clients
	// get separate limiters.
	for _, fwd := range []string{"203.0.113.10", "203.0.113.11"} {
		req := httptest.NewRequest(http.MethodPost, "/api/order", nil)
		req.RemoteAddr = "10.0.0.9:12345"
		req.Header.Set("X-Forwarded-For", fwd+", 10.0.0.9")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("forwarded client %s: expected 200, got %d", fwd, rr.Code)
		}
	}
}
