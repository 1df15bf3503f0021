// Package circuitbreaker stops hammering a failing mail transport. While the
// circuit is open, sends fail fast with a transient error so the send worker
// and the retry stages treat them like any other connection-class failure.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
//
//	Closed -> Open:      consecutive failures >= MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since opening
//	HalfOpen -> Closed:  probe succeeded
//	HalfOpen -> Open:    probe failed
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

// ErrCircuitOpen is returned while sends are being rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name labels logs and the state gauge, usually the transport name.
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange runs after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits SES: five straight connection failures pause sends for
// thirty seconds, then one probe decides.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Counts is a snapshot of the breaker's lifetime counters.
type Counts struct {
	State     State
	Failures  int // consecutive
	Requests  int64
	Successes int64
	Errors    int64
	Rejected  int64
	OpenedAt  time.Time
}

type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	counts Counts
	probes int
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a send may go to the transport. Every true must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.counts.Requests++

	var changed func()
	allowed := false
	switch cb.counts.State {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.counts.OpenedAt) >= cb.cfg.RecoveryTimeout {
			changed = cb.setState(StateHalfOpen)
			cb.probes = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			cb.probes++
			allowed = true
		}
	}
	if !allowed {
		cb.counts.Rejected++
	}
	cb.mu.Unlock()

	if changed != nil {
		changed()
	}
	return allowed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.counts.Successes++
	cb.counts.Failures = 0
	var changed func()
	if cb.counts.State == StateHalfOpen {
		changed = cb.setState(StateClosed)
	}
	cb.mu.Unlock()

	if changed != nil {
		cb.logger.Info("mail transport recovered, circuit closed", zap.String("transport", cb.cfg.Name))
		changed()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.counts.Errors++
	cb.counts.Failures++
	failures := cb.counts.Failures

	var changed func()
	switch cb.counts.State {
	case StateClosed:
		if failures >= cb.cfg.MaxFailures {
			changed = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		changed = cb.setState(StateOpen)
	}
	cb.mu.Unlock()

	if changed != nil {
		cb.logger.Warn("mail transport failing, circuit opened",
			zap.String("transport", cb.cfg.Name),
			zap.Int("consecutive_failures", failures),
			zap.Duration("recovery_timeout", cb.cfg.RecoveryTimeout),
		)
		changed()
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts.State
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.counts.Failures = 0
	changed := cb.setState(StateClosed)
	cb.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// setState must be called with mu held. It returns the hook invocation to
// run once the lock is released, or nil when nothing changed.
func (cb *CircuitBreaker) setState(next State) func() {
	prev := cb.counts.State
	if prev == next {
		return nil
	}
	cb.counts.State = next
	cb.probes = 0
	if next == StateOpen {
		cb.counts.OpenedAt = cb.now()
	}

	hook := cb.cfg.OnStateChange
	name := cb.cfg.Name
	return func() {
		cb.logger.Debug("circuit breaker state transition",
			zap.String("transport", name),
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
		if hook != nil {
			hook(name, prev, next)
		}
	}
}
