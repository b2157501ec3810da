package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking calls, dependency isolated
	StateHalfOpen              // Probing for recovery
)

// Config holds the thresholds for a single named breaker.
// Every field is required; there are no fallback defaults except
// HalfOpenMaxCalls, which defaults to RecoveryThreshold.
type Config struct {
	FailureThreshold  int
	RecoveryThreshold int
	Timeout           time.Duration
	HalfOpenMaxCalls  int
}

func (c Config) validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("circuitbreaker: failure threshold must be positive")
	}
	if c.RecoveryThreshold <= 0 {
		return errors.New("circuitbreaker: recovery threshold must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("circuitbreaker: timeout must be positive")
	}
	if c.HalfOpenMaxCalls < 0 {
		return errors.New("circuitbreaker: half-open max calls cannot be negative")
	}
	return nil
}

// OpenError is returned when a call is rejected because the breaker is
// isolating its dependency. RetryAfter carries the remaining cool-down.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry in %s", e.Name, e.RetryAfter)
}

// CircuitBreaker tracks failures of a single named dependency and fails
// fast once the failure threshold is crossed. The mutex guards only the
// check-then-update sections; the wrapped call runs outside the lock so a
// slow dependency never serializes unrelated callers.
type CircuitBreaker struct {
	name          string
	cfg           Config
	onStateChange func(name string, from, to State)

	mutex         sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
	lastChange    time.Time
}

// New creates a breaker for the named dependency. Missing thresholds are
// a caller error, not something to paper over with defaults.
func New(name string, cfg Config) (*CircuitBreaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = cfg.RecoveryThreshold
	}

	return &CircuitBreaker{
		name:       name,
		cfg:        cfg,
		state:      StateClosed,
		lastChange: time.Now(),
	}, nil
}

// OnStateChange registers a hook invoked after every state transition.
// The hook runs outside the breaker's lock, so it may call State or
// Status. Must be set before the breaker is shared between goroutines.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.onStateChange = fn
}

// Call invokes fn if the breaker permits it and records the outcome.
// When the breaker is open an *OpenError is returned and fn is never
// invoked. Errors from fn are passed through unchanged.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// Do is the generic form of Call for functions that produce a value.
func Do[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := cb.acquire(); err != nil {
		return zero, err
	}

	out, err := fn()
	cb.record(err)
	return out, err
}

// acquire decides whether a call may proceed. It is a critical section
// separate from record so that concurrent callers always observe a
// consistent state and no more than HalfOpenMaxCalls probes are in
// flight at once.
func (cb *CircuitBreaker) acquire() error {
	cb.mutex.Lock()
	var notify func()
	defer func() {
		cb.mutex.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := cb.cfg.Timeout - time.Since(cb.lastFailure)
		if remaining > 0 {
			return &OpenError{Name: cb.name, RetryAfter: remaining}
		}
		// Cool-down elapsed: admit this call as the first probe.
		notify = cb.setState(StateHalfOpen)
		cb.successes = 0
		cb.halfOpenCalls = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return &OpenError{Name: cb.name, RetryAfter: time.Second}
		}
		cb.halfOpenCalls++
		return nil

	default:
		return nil
	}
}

// record updates the state machine with the outcome of a permitted call.
func (cb *CircuitBreaker) record(callErr error) {
	cb.mutex.Lock()
	var notify func()
	defer func() {
		cb.mutex.Unlock()
		if notify != nil {
			notify()
		}
	}()

	now := time.Now()

	if callErr == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			// The probe finished, so its slot is free for the next one.
			if cb.halfOpenCalls > 0 {
				cb.halfOpenCalls--
			}
			cb.successes++
			if cb.successes >= cb.cfg.RecoveryThreshold {
				notify = cb.setState(StateClosed)
				cb.failures = 0
				cb.successes = 0
				cb.halfOpenCalls = 0
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.cfg.FailureThreshold {
			notify = cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// A failed probe restarts the cool-down from scratch.
		notify = cb.setState(StateOpen)
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenCalls = 0
		cb.lastFailure = now

	case StateOpen:
		// Late result from a call admitted before the trip.
		cb.lastFailure = now
	}
}

// setState transitions the breaker. Must be called with the mutex held.
// The returned func, if non-nil, invokes the state-change hook and must
// be called after the mutex is released so the hook may safely read the
// breaker back.
func (cb *CircuitBreaker) setState(next State) func() {
	if cb.state == next {
		return nil
	}

	prev := cb.state
	cb.state = next
	cb.lastChange = time.Now()

	if cb.onStateChange == nil {
		return nil
	}
	return func() { cb.onStateChange(cb.name, prev, next) }
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Status is a point-in-time snapshot for the diagnostics endpoint.
type Status struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailure     time.Time `json:"last_failure"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (cb *CircuitBreaker) Status() Status {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Status{
		Name:            cb.name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastChange,
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
