package adapters

import (
	"context"
	"sync"
	"time"
)

// Checker is anything that can answer a health probe.
type Checker interface {
	Healthy(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Healthy(ctx context.Context) error { return f(ctx) }

// Prober fans a health check out to registered dependencies.
type Prober struct {
	mu     sync.Mutex
	checks map[string]Checker
}

func NewProber() *Prober {
	return &Prober{checks: make(map[string]Checker)}
}

// Register adds a named dependency.
func (p *Prober) Register(name string, c Checker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = c
}

// ProbeResult is one dependency's answer.
type ProbeResult struct {
	Status string `json:"status"` // ok | failing
	Error  string `json:"error,omitempty"`
}

// Check probes every dependency concurrently, each bounded to 3 seconds.
func (p *Prober) Check(ctx context.Context) map[string]ProbeResult {
	p.mu.Lock()
	checks := make(map[string]Checker, len(p.checks))
	for name, c := range p.checks {
		checks[name] = c
	}
	p.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]ProbeResult, len(checks))
	)
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()

			res := ProbeResult{Status: "ok"}
			if err := c.Healthy(probeCtx); err != nil {
				res = ProbeResult{Status: "failing", Error: err.Error()}
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return results
}

// Healthy reports whether every dependency answered ok.
func (p *Prober) Healthy(ctx context.Context) error {
	for name, res := range p.Check(ctx) {
		if res.Status != "ok" {
			return &probeError{name: name, detail: res.Error}
		}
	}
	return nil
}

type probeError struct {
	name   string
	detail string
}

func (e *probeError) Error() string {
	return "dependency " + e.name + " failing: " + e.detail
}
