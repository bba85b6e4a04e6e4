package limits

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGuard(t *testing.T, maxSessions int, current *int64) *Guard {
	t.Helper()
	return NewGuard(GuardConfig{
		MaxSessions:        maxSessions,
		MaxGoroutines:      1 << 20,
		CPURejectThreshold: 100,
		PerIPBurst:         2,
		PerIPRate:          1,
		PerIPTTL:           time.Minute,
		GlobalBurst:        10,
		GlobalRate:         10,
	}, zerolog.Nop(), current)
}

func TestShouldAcceptRejectsAtSessionCap(t *testing.T) {
	var current int64 = 5
	g := newTestGuard(t, 5, &current)

	accept, reason := g.ShouldAccept(0)
	if accept {
		t.Fatalf("expected rejection at session cap, got accept with reason %q", reason)
	}
}

func TestShouldAcceptAllowsUnderCap(t *testing.T) {
	var current int64 = 1
	g := newTestGuard(t, 5, &current)

	accept, _ := g.ShouldAccept(0)
	if !accept {
		t.Fatalf("expected acceptance under the session cap")
	}
}

func TestAllowConnectionPerIPBurst(t *testing.T) {
	var current int64
	g := newTestGuard(t, 100, &current)

	allowed := 0
	for i := 0; i < 5; i++ {
		if g.AllowConnection("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected exactly the configured burst (2) to be allowed, got %d", allowed)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 70.41.3.18")

	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q, want 203.0.113.9", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"

	if got := ClientIP(req); got != "192.0.2.1" {
		t.Errorf("ClientIP = %q, want 192.0.2.1", got)
	}
}
