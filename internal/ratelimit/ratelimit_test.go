package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyledger/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("k") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("k") {
		t.Error("Request after burst should be denied")
	}

	clock.Advance(time.Second)
	if !limiter.Allow("k") {
		t.Error("Request after one second should be allowed")
	}
	if limiter.Allow("k") {
		t.Error("Only one token should have been refilled")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newTestLimiter(t, 600, 2)

	limiter.Allow("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected refill capped at burst 2, got %d", allowed)
	}
}

func TestLimiterPrune(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 1)

	limiter.Allow("old")
	clock.Advance(3 * time.Minute)
	limiter.Allow("fresh")
	limiter.prune()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.clients["old"]; ok {
		t.Error("idle key should be pruned")
	}
	if _, ok := limiter.clients["fresh"]; !ok {
		t.Error("active key should be kept")
	}
}

func TestMiddleware_KeysByIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, 60, 1)

	alice := common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000B0B")

	r := gin.New()
	r.Use(func(c *gin.Context) {
		switch c.GetHeader("X-Test-User") {
		case "alice":
			c.Set(auth.ContextKeyAPIKey, &auth.APIKey{Address: alice})
			c.Set(auth.ContextKeyAddress, alice)
		case "bob":
			c.Set(auth.ContextKeyAPIKey, &auth.APIKey{Address: bob})
			c.Set(auth.ContextKeyAddress, bob)
		}
	})
	r.Use(limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("alice"); code != http.StatusOK {
		t.Fatalf("first alice request: %d", code)
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Errorf("second alice request should be limited, got %d", code)
	}
	// Same IP, different identity.
	if code := do("bob"); code != http.StatusOK {
		t.Errorf("bob should have a separate bucket, got %d", code)
	}
	if code := do(""); code != http.StatusOK {
		t.Errorf("anonymous request uses the IP bucket, got %d", code)
	}
	if code := do(""); code != http.StatusTooManyRequests {
		t.Errorf("second anonymous request should be limited, got %d", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults %+v", cfg)
	}

	l := New(Config{})
	defer l.Stop()
	if l.cfg != cfg {
		t.Errorf("zero config should take defaults, got %+v", l.cfg)
	}
	l.Stop()
}
