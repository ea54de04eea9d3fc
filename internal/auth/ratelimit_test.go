package auth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(1000, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow("test-key") {
			t.Errorf("Allow() should return true for request %d (within burst)", i)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := NewRateLimiter(0.1, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed (burst)")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be blocked (over limit)")
	}
}

func TestRateLimiter_PerKeyIsolation(t *testing.T) {
	limiter := NewRateLimiter(0.1, 2)

	limiter.Allow("key1")
	limiter.Allow("key1")

	if !limiter.Allow("key2") {
		t.Error("key2's first request should be allowed")
	}
	if !limiter.Allow("key2") {
		t.Error("key2's second request should be allowed")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(10000, 100)
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			limiter.Allow("key-" + string(rune('0'+i%10)))
		}(i)
	}
	wg.Wait()

	if got := limiter.Len(); got != 10 {
		t.Errorf("Len() = %d, want 10", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(time.Hour)
	limiter.Allow("fresh")

	if removed := limiter.Cleanup(10 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Len() = %d, want 1", limiter.Len())
	}

	// A forgotten client starts over with a fresh burst
	if !limiter.Allow("stale") {
		t.Error("After cleanup, first request should be allowed")
	}
	if limiter.Allow("fresh") {
		t.Error("fresh client kept its exhausted limiter")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(clientID string) int {
		req := httptest.NewRequest("POST", "/mcp", http.NoBody)
		req = req.WithContext(WithContext(req.Context(), &AuthContext{Type: AuthTypeToken, Client: &Client{ID: clientID}}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("a"); code != http.StatusOK {
		t.Errorf("first request = %d, want 200", code)
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	if code := send("b"); code != http.StatusOK {
		t.Errorf("other client = %d, want 200", code)
	}
}
