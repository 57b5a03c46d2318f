package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docketwatch/docketwatch/internal/data"
)

const (
	// DefaultPerMinuteLimit caps calls per dependency+caller in any rolling minute.
	DefaultPerMinuteLimit = 30
	// DefaultPerHourLimit caps calls per dependency+caller in any rolling hour.
	DefaultPerHourLimit = 500
	// DefaultMaxWaitAttempts bounds the retry loop in WaitAndCheck.
	DefaultMaxWaitAttempts = 10
)

// RateLimitError is returned when a call would exceed a rolling-window limit.
type RateLimitError struct {
	Dependency string
	Caller     string
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s by %s in %s window (retry after %s)",
		e.Dependency, e.Caller, e.Window, e.RetryAfter.Round(time.Millisecond))
}

// Limits holds the per-window ceilings for one dependency.
type Limits struct {
	PerMinute int
	PerHour   int
}

// LimiterOptions configures a Limiter.
type LimiterOptions struct {
	// DefaultLimits applies to dependencies without an explicit entry in Limits.
	DefaultLimits Limits
	// Limits maps dependency name to its ceilings.
	Limits       map[string]Limits
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// Limiter enforces rolling one-minute and one-hour call ceilings per
// dependency+caller pair. Timestamps are pruned on each check, so memory is
// bounded by the hourly ceiling.
type Limiter struct {
	mu            sync.Mutex
	calls         map[string][]time.Time
	defaultLimits Limits
	limits        map[string]Limits
	logger        *slog.Logger
	timeProvider  data.TimeProvider
}

// NewLimiter creates a Limiter with the given options, applying defaults for
// any zero fields.
func NewLimiter(opts LimiterOptions) *Limiter {
	if opts.DefaultLimits.PerMinute <= 0 {
		opts.DefaultLimits.PerMinute = DefaultPerMinuteLimit
	}
	if opts.DefaultLimits.PerHour <= 0 {
		opts.DefaultLimits.PerHour = DefaultPerHourLimit
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Limits == nil {
		opts.Limits = make(map[string]Limits)
	}

	return &Limiter{
		calls:         make(map[string][]time.Time),
		defaultLimits: opts.DefaultLimits,
		limits:        opts.Limits,
		logger:        opts.Logger,
		timeProvider:  opts.TimeProvider,
	}
}

func (l *Limiter) limitsFor(dependency string) Limits {
	if lim, ok := l.limits[dependency]; ok {
		if lim.PerMinute <= 0 {
			lim.PerMinute = l.defaultLimits.PerMinute
		}
		if lim.PerHour <= 0 {
			lim.PerHour = l.defaultLimits.PerHour
		}
		return lim
	}
	return l.defaultLimits
}

// Check records cost units of usage for dependency+caller if the projected
// total fits within both rolling windows, or returns a *RateLimitError
// (recording nothing) if it does not. A cost of zero always succeeds and
// records nothing, so pure reads can pass through at the ceiling.
func (l *Limiter) Check(dependency, caller string, cost int) error {
	if cost <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := dependency + "|" + caller
	now := l.timeProvider.Now()
	lim := l.limitsFor(dependency)

	// Prune everything outside the hour window; the minute window is a
	// suffix of what remains.
	kept := l.calls[key][:0]
	for _, ts := range l.calls[key] {
		if now.Sub(ts) < time.Hour {
			kept = append(kept, ts)
		}
	}
	l.calls[key] = kept

	if len(kept)+cost > lim.PerHour {
		retryAfter := time.Hour
		if len(kept) > 0 {
			retryAfter = time.Hour - now.Sub(kept[0])
		}
		l.logRejected(dependency, caller, time.Hour, retryAfter)
		return &RateLimitError{Dependency: dependency, Caller: caller, Window: time.Hour, RetryAfter: retryAfter}
	}

	minuteCount := 0
	var oldestInMinute time.Time
	for _, ts := range kept {
		if now.Sub(ts) < time.Minute {
			if minuteCount == 0 {
				oldestInMinute = ts
			}
			minuteCount++
		}
	}
	if minuteCount+cost > lim.PerMinute {
		retryAfter := time.Minute
		if minuteCount > 0 {
			retryAfter = time.Minute - now.Sub(oldestInMinute)
		}
		l.logRejected(dependency, caller, time.Minute, retryAfter)
		return &RateLimitError{Dependency: dependency, Caller: caller, Window: time.Minute, RetryAfter: retryAfter}
	}

	for i := 0; i < cost; i++ {
		kept = append(kept, now)
	}
	l.calls[key] = kept
	return nil
}

func (l *Limiter) logRejected(dependency, caller string, window, retryAfter time.Duration) {
	if l.logger == nil {
		return
	}
	l.logger.Warn("rate limit exceeded",
		"dependency", dependency,
		"caller", caller,
		"window", window.String(),
		"retry_after", retryAfter.Round(time.Millisecond).String())
}

// WaitAndCheck calls Check and, when rate limited, sleeps out the advised
// retry-after before trying again. The loop is bounded by maxAttempts (a
// non-positive value uses DefaultMaxWaitAttempts) and by ctx; the last
// *RateLimitError is returned when the budget runs out.
func (l *Limiter) WaitAndCheck(ctx context.Context, dependency, caller string, cost, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxWaitAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := l.Check(dependency, caller, cost)
		if err == nil {
			return nil
		}
		lastErr = err

		rlErr, ok := err.(*RateLimitError)
		if !ok {
			return err
		}

		timer := time.NewTimer(rlErr.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
