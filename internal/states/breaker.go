package states

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/conveyor/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the breaker settings used by the http state.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per endpoint host, shared by
// every http state of a registry. A host that keeps failing is skipped
// until its cooldown passes.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	clock    clock.Clock
}

// NewCircuitBreakerRegistry creates a registry. A nil clk uses the wall clock.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, clk clock.Clock) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		clock:    clk,
	}
}

// AllowRequest reports whether a call to host may proceed. An open circuit
// returns an EXECUTION_FAILURE error.
func (r *CircuitBreakerRegistry) AllowRequest(host string) error {
	cb := r.getOrCreate(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.clock.Since(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this call is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeExecutionFailure,
			"circuit open for %s after %d consecutive failures", host, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"host":                 host,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeExecutionFailure, "circuit half-open for %s: probe in flight", host)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for host.
func (r *CircuitBreakerRegistry) RecordSuccess(host string) {
	cb := r.getOrCreate(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call and returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(host string) CircuitState {
	cb := r.getOrCreate(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.clock.Now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the circuit state for host.
func (r *CircuitBreakerRegistry) State(host string) CircuitState {
	cb := r.getOrCreate(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.clock.Since(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) getOrCreate(host string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[host] = cb
	}
	return cb
}

// nonRetryablePatterns mark transport errors a retry cannot fix.
var nonRetryablePatterns = []string{
	"x509:",
	"tls: ",
	"unsupported protocol scheme",
	"stopped after 10 redirects",
}

// isRetryableTransportError classifies an error from http.Client.Do.
// Cancellation and certificate or protocol errors are final. Anything else
// is retried within the budget.
func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}
