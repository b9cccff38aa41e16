package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

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

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open trial slot is taken
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings for circuit breaker behavior
type Settings struct {
	// FailureThreshold: consecutive failures that open the circuit
	FailureThreshold uint32
	// SuccessThreshold: consecutive half-open successes that close it again
	SuccessThreshold uint32
	// Timeout: time spent open before a trial request is let through
	Timeout time.Duration
	// OnStateChange is called synchronously, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock in tests.
	Now func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency for Timeout after
// FailureThreshold consecutive failures, then lets one trial request through.
type CircuitBreaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	openedAt    time.Time
	probing     bool
	consecFail  uint32
	consecSucc  uint32
	lastFailure error
}

func New(name string, settings Settings) *CircuitBreaker {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Timeout <= 0 {
		settings.Timeout = def.Timeout
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &CircuitBreaker{name: name, settings: settings}
}

// Execute runs fn unless the circuit is open. fn's error is returned as is
// and counted as a failure when countAsFailure reports true for it.
func (cb *CircuitBreaker) Execute(fn func() error, countAsFailure func(error) bool) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	failed := err != nil
	if failed && countAsFailure != nil {
		failed = countAsFailure(err)
	}
	cb.after(!failed, err)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the most recent counted failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.probing, cb.consecFail, cb.consecSucc = StateClosed, false, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.settings.Now().Sub(cb.openedAt) < cb.settings.Timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		cb.consecSucc = 0
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrTooManyRequests
		}
		cb.probing = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return nil
}

func (cb *CircuitBreaker) after(success bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
	if success {
		cb.consecFail = 0
		cb.consecSucc++
		if cb.state == StateHalfOpen && cb.consecSucc >= cb.settings.SuccessThreshold {
			cb.state = StateClosed
		}
	} else {
		cb.consecSucc = 0
		cb.consecFail++
		cb.lastFailure = err
		// any half-open failure reopens immediately
		if cb.state == StateHalfOpen || cb.consecFail >= cb.settings.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.settings.Now()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}
