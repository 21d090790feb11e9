// Package circuitbreaker guards outbound service calls (asset inventory,
// automation worker, selector LLM). A breaker opens after a run of
// consecutive failures, rejects calls while open, and probes the service
// again after a cool-down.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected without touching the transport
	StateHalfOpen              // limited probes to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = faults.New(faults.KindCircuitOpen, "circuit open")
	// ErrTooManyProbes is returned when the half-open probe budget is spent.
	ErrTooManyProbes = faults.New(faults.KindCircuitOpen, "circuit half-open, probe budget exhausted")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config tunes one breaker.
type Config struct {
	Name string

	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32

	// Timeout is how long the breaker stays open before probing (half-open).
	Timeout time.Duration

	// MaxProbes bounds concurrent-ish requests in half-open state; that many
	// consecutive successes close the breaker again.
	MaxProbes uint32

	// Interval resets closed-state counts periodically so stale failures do
	// not linger. Zero disables the reset.
	Interval time.Duration

	// ReadyToTrip overrides the consecutive-failure rule when set.
	ReadyToTrip func(Counts) bool

	// OnStateChange observes transitions; used for metrics and logging.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.TripAfter == 0 {
		c.TripAfter = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxProbes == 0 {
		c.MaxProbes = 1
	}
	if c.ReadyToTrip == nil {
		trip := c.TripAfter
		c.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= trip
		}
	}
	if c.OnStateChange == nil {
		c.OnStateChange = func(name string, from, to State) {
			slog.Warn("circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		}
	}
	return c
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// BREAKER
// ============================================================================

// Breaker is a generation-counted circuit breaker. Results reported against
// a stale generation (from before a state change) are ignored.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker with spec defaults: trip after 3 consecutive
// failures, 30s open window, single half-open probe.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, advancing open→half-open when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a call may proceed, without registering it.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	switch {
	case state == StateOpen:
		return ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes:
		return ErrTooManyProbes
	}
	return nil
}

// Execute runs fn under the breaker. The transport is never touched while
// the breaker is open; the typed CIRCUIT_OPEN error comes back instead.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.afterRequest(generation, err == nil)
	return err
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrTooManyProbes
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		// state changed while the call was in flight
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager hands out one breaker per downstream service name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewManager creates a manager whose breakers start from defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := m.defaults
	cfg.Name = name
	b = New(cfg)
	m.breakers[name] = b
	return b
}

// BreakerStats is one breaker's stats row.
type BreakerStats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats snapshots all breakers for the health endpoint.
func (m *Manager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]BreakerStats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = BreakerStats{Name: name, State: b.State().String(), Counts: b.Counts()}
	}
	return out
}
