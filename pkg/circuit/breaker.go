// Package circuit guards calls to the node and telemetry sinks with a circuit
// breaker so a dead endpoint does not stall the mining loop.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/kminer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected without calling the endpoint
	StateOpen
	// StateHalfOpen - a limited number of probe requests are allowed
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Endpoint name reported in errors and callbacks
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successful probes required to close from half-open
	Timeout         time.Duration // Time spent open before probing
	ResetTimeout    time.Duration // Window after which the closed-state failure count resets

	// OnStateChange, when set, is called after every transition. It runs
	// outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a configuration suited to node RPC calls
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// SinkConfig returns a configuration for optional telemetry sinks. Sinks trip
// quickly and stay open longer since losing a data point is harmless.
func SinkConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         time.Minute,
		ResetTimeout:    2 * time.Minute,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex

	onChange      func(name string, from, to State)
	state         State
	failures      int
	successes     int
	rejected      uint64
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		onChange:      config.OnStateChange,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// OnStateChange replaces the transition callback set in Config.
func (cb *Breaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mutex.Lock()
	cb.onChange = fn
	cb.mutex.Unlock()
}

// Name returns the endpoint name.
func (cb *Breaker) Name() string {
	return cb.config.Name
}

// Execute runs fn unless the circuit is open. A canceled context is not
// counted as an endpoint failure.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its result
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if !cb.allowRequest() {
		return zero, errors.New(errors.ErrorTypeNetwork, "circuit_breaker",
			"circuit breaker is open").
			NonRetryable().
			WithContext("breaker", cb.config.Name).
			WithContext("state", cb.GetState().String())
	}

	result, err := fn()
	if err != nil && ctx.Err() != nil {
		return result, err
	}

	cb.recordResult(err)

	return result, err
}

func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()

	now := time.Now()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		} else {
			cb.rejected++
		}

	case StateHalfOpen:
		allowed = true
	}

	to, onChange := cb.state, cb.onChange
	cb.mutex.Unlock()

	cb.notify(onChange, from, to)
	return allowed
}

func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.successes = 0
		} else if cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessRequired {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
				cb.lastResetTime = time.Now()
			}
		case StateClosed:
			cb.successes++
		}
	}

	to, onChange := cb.state, cb.onChange
	cb.mutex.Unlock()

	cb.notify(onChange, from, to)
}

func (cb *Breaker) notify(onChange func(name string, from, to State), from, to State) {
	if from != to && onChange != nil {
		onChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		Rejected:     cb.rejected,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	Rejected     uint64
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
	onChange := cb.onChange
	cb.mutex.Unlock()

	cb.notify(onChange, from, StateClosed)
}
