// Package guard protects external dependencies with per-dependency circuit
// breakers and rolling-window rate limits.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docketwatch/docketwatch/internal/data"
	"github.com/docketwatch/docketwatch/internal/observability/statsd"
)

// BreakerState is the lifecycle state of one dependency's circuit.
type BreakerState string

const (
	// BreakerClosed allows calls through and counts consecutive failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen allows a single probe call to test recovery.
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	// DefaultBreakerThreshold is the consecutive-failure count that opens a circuit.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long an open circuit rejects before probing.
	DefaultBreakerCooldown = 60 * time.Second
)

// CircuitOpenError is returned when a call is rejected by an open circuit.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for dependency %q (retry after %s)", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

// BreakerSettings tunes one dependency's circuit. Zero fields inherit the
// breaker-wide defaults.
type BreakerSettings struct {
	// Threshold is the consecutive-failure count that trips the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
}

// BreakerOptions configures a Breaker.
type BreakerOptions struct {
	// Threshold is the consecutive-failure count that trips the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// Overrides holds per-dependency settings keyed by dependency name.
	Overrides    map[string]BreakerSettings
	Logger       *slog.Logger
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
}

type circuit struct {
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker tracks one circuit per named dependency. The zero value is not
// usable; construct with NewBreaker.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	overrides    map[string]BreakerSettings
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewBreaker creates a Breaker with the given options, applying defaults for
// any zero fields.
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultBreakerThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerCooldown
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    opts.Threshold,
		cooldown:     opts.Cooldown,
		overrides:    opts.Overrides,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		timeProvider: opts.TimeProvider,
	}
}

// settingsFor resolves a dependency's threshold and cooldown, falling back to
// the breaker-wide values field by field.
func (b *Breaker) settingsFor(dependency string) BreakerSettings {
	s := BreakerSettings{Threshold: b.threshold, Cooldown: b.cooldown}
	o, ok := b.overrides[dependency]
	if !ok {
		return s
	}
	if o.Threshold > 0 {
		s.Threshold = o.Threshold
	}
	if o.Cooldown > 0 {
		s.Cooldown = o.Cooldown
	}
	return s
}

func (b *Breaker) recordTransition(dependency string, state BreakerState) {
	if b.metrics == nil {
		return
	}
	b.metrics.Count("breaker.transition", 1, map[string]string{
		"dependency": dependency,
		"state":      string(state),
	})
}

func (b *Breaker) circuitFor(dependency string) *circuit {
	c, ok := b.circuits[dependency]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.circuits[dependency] = c
	}
	return c
}

// Allow reports whether a call to the dependency may proceed. It returns a
// *CircuitOpenError when the circuit is open or a half-open probe is already
// in flight. A nil return means the caller MUST follow up with RecordSuccess
// or RecordFailure.
func (b *Breaker) Allow(dependency string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(dependency)
	now := b.timeProvider.Now()
	settings := b.settingsFor(dependency)

	switch c.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := now.Sub(c.openedAt)
		if elapsed < settings.Cooldown {
			return &CircuitOpenError{Dependency: dependency, RetryAfter: settings.Cooldown - elapsed}
		}
		c.state = BreakerHalfOpen
		c.probeInFlight = true
		if b.logger != nil {
			b.logger.Info("circuit half-open, allowing probe", "dependency", dependency)
		}
		b.recordTransition(dependency, BreakerHalfOpen)
		return nil
	case BreakerHalfOpen:
		if c.probeInFlight {
			return &CircuitOpenError{Dependency: dependency, RetryAfter: settings.Cooldown}
		}
		c.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the circuit and resets its failure count.
func (b *Breaker) RecordSuccess(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(dependency)
	if c.state != BreakerClosed {
		if b.logger != nil {
			b.logger.Info("circuit closed", "dependency", dependency)
		}
		b.recordTransition(dependency, BreakerClosed)
	}
	c.state = BreakerClosed
	c.failures = 0
	c.probeInFlight = false
}

// RecordFailure counts a failure. In the closed state the circuit opens once
// the consecutive-failure threshold is reached; a failed half-open probe
// reopens the circuit with a fresh cooldown.
func (b *Breaker) RecordFailure(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(dependency)
	now := b.timeProvider.Now()
	settings := b.settingsFor(dependency)

	switch c.state {
	case BreakerHalfOpen:
		c.state = BreakerOpen
		c.openedAt = now
		c.probeInFlight = false
		if b.logger != nil {
			b.logger.Warn("circuit probe failed, reopening", "dependency", dependency)
		}
		b.recordTransition(dependency, BreakerOpen)
	case BreakerClosed:
		c.failures++
		if c.failures >= settings.Threshold {
			c.state = BreakerOpen
			c.openedAt = now
			if b.logger != nil {
				b.logger.Warn("circuit opened",
					"dependency", dependency,
					"consecutive_failures", c.failures,
					"cooldown", settings.Cooldown.String())
			}
			b.recordTransition(dependency, BreakerOpen)
		}
	case BreakerOpen:
		// Late failure from a call admitted before the trip; the circuit is
		// already open, nothing to do.
	}
}

// State returns the current state of a dependency's circuit without
// advancing it. Used for stats and tests.
func (b *Breaker) State(dependency string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitFor(dependency).state
}
