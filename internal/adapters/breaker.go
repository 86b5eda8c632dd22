package adapters

import (
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
)

// BreakerState is the circuit state for one downstream service.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a breaker. Zero values get defaults.
type BreakerConfig struct {
	// FailureThreshold consecutive infrastructure failures trip the circuit.
	FailureThreshold int
	// OpenFor is how long the circuit stays open before probing.
	OpenFor time.Duration
	// HalfOpenProbes successes in half-open close the circuit again.
	HalfOpenProbes int
	Clock          clock.Clock
}

// breaker is a consecutive-failure circuit breaker. Only infrastructure
// failures (retryable errors) count against the threshold; a 4xx from a
// healthy service is the service answering, not the service being down.
type breaker struct {
	service string
	cfg     BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func newBreaker(service string, cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &breaker{service: service, cfg: cfg}
}

// allow returns an error when the circuit rejects the call.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cfg.OpenFor {
			return apperr.Newf(apperr.KindServiceCommunication,
				"%s circuit is open", b.service)
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

// record classifies the call outcome. infraFailure means the service could
// not be reached or answered 5xx.
func (b *breaker) record(infraFailure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if infraFailure {
		b.failures++
		b.successes = 0
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			if b.state != BreakerOpen {
				b.state = BreakerOpen
				b.openedAt = b.cfg.Clock.Now()
			}
		}
		return
	}

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.cfg.HalfOpenProbes {
			b.state = BreakerClosed
		}
	}
}

// State reports the current circuit state.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.OpenFor {
		return BreakerHalfOpen
	}
	return b.state
}
