// Package limits implements admission control for new StreamingFetch
// sessions, adapted from the teacher's ResourceGuard and
// ConnectionRateLimiter: static configured limits plus a CPU safety
// valve, checked once per incoming session rather than auto-tuned from
// measurements.
package limits

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hstreamdb/hstream/internal/limits/platform"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// GuardConfig is the static admission policy for new sessions.
type GuardConfig struct {
	MaxSessions        int
	MaxGoroutines      int
	CPURejectThreshold float64

	// Per-IP and global connection-attempt rate limiting (DoS
	// protection), independent of the steady-state session cap above.
	PerIPBurst  int
	PerIPRate   float64
	PerIPTTL    time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// Guard gates admission of new sessions against MaxSessions,
// MaxGoroutines and a CPU reject threshold, plus per-IP/global
// connection-attempt rate limits.
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	cpuMonitor     *platform.CPUMonitor
	currentCPU     atomic.Value // float64
	currentSession *int64       // points at the caller's live-session counter

	globalLimiter *rate.Limiter

	ipMu       sync.Mutex
	ipLimiters map[string]*ipEntry
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewGuard constructs a Guard. currentSessions must point at the
// caller's atomically-maintained count of live sessions.
func NewGuard(cfg GuardConfig, logger zerolog.Logger, currentSessions *int64) *Guard {
	g := &Guard{
		cfg:            cfg,
		logger:         logger,
		cpuMonitor:     platform.NewCPUMonitor(logger),
		currentSession: currentSessions,
		globalLimiter:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ipLimiters:     make(map[string]*ipEntry),
	}
	g.currentCPU.Store(0.0)
	go g.sampleCPU()
	return g
}

// sampleCPU refreshes the cached CPU reading once a second; admission
// checks read the cache rather than sampling inline, matching the
// teacher's pattern of keeping the hot admission path allocation-free.
func (g *Guard) sampleCPU() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		percent, _, err := g.cpuMonitor.GetPercent()
		if err != nil {
			continue
		}
		g.currentCPU.Store(percent)
	}
}

// AllowConnection checks the per-IP and global connection-attempt rate
// limits for a new upgrade request, independent of ShouldAccept.
func (g *Guard) AllowConnection(clientIP string) bool {
	if !g.globalLimiter.Allow() {
		return false
	}

	g.ipMu.Lock()
	entry, ok := g.ipLimiters[clientIP]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.PerIPRate), g.cfg.PerIPBurst)}
		g.ipLimiters[clientIP] = entry
	}
	entry.lastAccess = time.Now()
	g.ipMu.Unlock()

	return entry.limiter.Allow()
}

// ShouldAccept reports whether a new session may be admitted: under
// the configured session cap, under the CPU reject threshold, and
// under the goroutine ceiling (a generic memory/fd-exhaustion
// trip-wire, since every session owns at least one goroutine).
func (g *Guard) ShouldAccept(currentGoroutines int) (accept bool, reason string) {
	current := atomic.LoadInt64(g.currentSession)
	if current >= int64(g.cfg.MaxSessions) {
		return false, fmt.Sprintf("at max sessions (%d)", g.cfg.MaxSessions)
	}

	cpu := g.currentCPU.Load().(float64)
	if cpu > g.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpu, g.cfg.CPURejectThreshold)
	}

	if currentGoroutines > g.cfg.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoroutines, g.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// CleanupStaleIPEntries evicts per-IP limiters untouched for longer
// than PerIPTTL. Intended to run on a periodic ticker from the caller.
func (g *Guard) CleanupStaleIPEntries() {
	cutoff := time.Now().Add(-g.cfg.PerIPTTL)
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	for ip, entry := range g.ipLimiters {
		if entry.lastAccess.Before(cutoff) {
			delete(g.ipLimiters, ip)
		}
	}
}

// ClientIP extracts the client address from an HTTP request, checking
// X-Forwarded-For first for requests behind a load balancer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.SplitN(forwarded, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
