package api

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
)

// RateLimiter enforces per-caller request limits on the gateway. Keys are
// user ids for authenticated requests and remote addresses otherwise.
//
// Sliding window: each key tracks a request count per window; expired
// windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*rateWindow
	limit    int
	window   time.Duration
	clock    clock.Clock
	logger   *log.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if limit <= 0 {
		limit = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
		clock:   clk,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
}

// Allow reports whether a request from key is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows[key]
	if !ok || now.Sub(win.start) > rl.window {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	win.count++
	if win.count > rl.limit {
		rl.logger.Printf("limit exceeded: key=%s count=%d limit=%d", key, win.count, rl.limit)
		return false
	}
	return true
}

// Middleware rejects over-limit requests with 429 and the standard error
// envelope.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The limiter runs before token validation; the raw bearer token
		// still keys authenticated traffic per caller.
		key := bearerToken(r)
		if key == "" {
			key = remoteHost(r)
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "60")
			writeError(w, apperr.New(apperr.KindResourceLimit, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup launches the background sweep of expired windows. Stop ends it.
func (rl *RateLimiter) StartCleanup() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.sweep()
			case <-rl.stop:
				return
			}
		}
	}()
}

// Stop halts the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, win := range rl.windows {
		if now.Sub(win.start) > 2*rl.window {
			delete(rl.windows, key)
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
