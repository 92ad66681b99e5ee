// Package resilience implements a per-downstream-dependency circuit
// breaker: one breaker per downstream (DB/cache/provider) with
// closed -> open -> half-open transitions on configurable failure
// thresholds. When a breaker guarding a security-critical dependency is
// open, the pipeline denies with SERVICE_UNAVAILABLE instead of guessing.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the closed breaker-state vocabulary.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while the breaker is open or the
// half-open trial slots are exhausted.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker instance.
type Config struct {
	MaxFailures int           // consecutive failures before opening
	Timeout     time.Duration // time spent open before a half-open trial
	HalfOpenMax int           // trial requests allowed while half-open
}

// DefaultConfig returns the gateway's standard thresholds.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// Breaker wraps calls to one downstream dependency (a repository backend, the
// cache, or one provider) with closed/open/half-open accounting.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

// New creates a Breaker, applying DefaultConfig's values for any zero field.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's protection. It returns ErrOpen without
// calling fn when the breaker is open (or half-open trial slots are used
// up); otherwise it runs fn and folds the result into the breaker's state.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.cfg.Timeout {
			b.setState(StateHalfOpen)
			b.halfOpenReqs = 1
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenReqs >= b.cfg.HalfOpenMax {
			return ErrOpen
		}
		b.halfOpenReqs++
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.setState(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.failures = 0
	b.successes = 0
	b.halfOpenReqs = 0
}

// Registry hands out one Breaker per named downstream dependency, created
// lazily on first use and shared across requests.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry; every Breaker it hands out shares cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the named dependency's breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(r.cfg)
		r.breakers[name] = b
	}
	return b
}
