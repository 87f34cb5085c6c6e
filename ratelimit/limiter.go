// Package ratelimit implements the adaptive token-bucket admission control for
// outbound requests: per-operation token costs, mode presets, exponential
// backoff on server 429 responses, and gradual capacity recovery.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects a bucket preset.
type Mode string

const (
	ModeCautious   Mode = "cautious"
	ModeNormal     Mode = "normal"
	ModeAggressive Mode = "aggressive"
)

// ValidMode reports whether m names a known preset.
func ValidMode(m Mode) bool {
	switch m {
	case ModeCautious, ModeNormal, ModeAggressive:
		return true
	}
	return false
}

// OpKind classifies a method by its token cost.
type OpKind string

const (
	OpAuth         OpKind = "auth"
	OpSubscription OpKind = "subscription"
	OpCancel       OpKind = "cancel"
	OpOrder        OpKind = "order"
	OpQuery        OpKind = "query"
	OpHighPriority OpKind = "high_priority"
)

// ClassifyMethod infers the operation kind from the method name. First match
// wins; heartbeat replies (public/test) are never throttled.
func ClassifyMethod(method string) OpKind {
	switch {
	case method == "public/test":
		return OpHighPriority
	case strings.HasPrefix(method, "public/auth") || strings.Contains(method, "token"):
		return OpAuth
	case strings.Contains(method, "subscribe"):
		return OpSubscription
	case strings.Contains(method, "cancel"):
		return OpCancel
	case strings.Contains(method, "order"):
		return OpOrder
	default:
		return OpQuery
	}
}

// Cost returns the token cost of an operation kind.
func Cost(kind OpKind) int {
	switch kind {
	case OpSubscription:
		return 5
	case OpAuth:
		return 10
	case OpQuery:
		return 1
	case OpOrder:
		return 10
	case OpCancel:
		return 3
	default:
		return 0
	}
}

// Decision is the outcome of an admission check.
type Decision int

const (
	// Allow admits the request; tokens were deducted.
	Allow Decision = iota
	// Queue tells the caller to wait one refill interval and retry.
	Queue
	// Reject tells the caller to give up and retry no sooner than RetryAfter.
	Reject
)

// Result carries the admission decision and its timing hints.
type Result struct {
	Decision   Decision
	Kind       OpKind
	Cost       int
	Wait       time.Duration // Queue: how long to wait before retrying
	RetryAfter time.Duration // Reject: minimum delay before another attempt
}

const (
	defaultBackoffInitial    = 1.5
	defaultBackoffMax        = 10.0
	defaultBackoffResetAfter = 60 * time.Second
	defaultRecoveryFactor    = 0.9
	defaultRecoveryIncrease  = 0.05
	defaultRecoveryInterval  = 5 * time.Second

	// Queue/Reject boundary on the computed admission delay.
	queueCeiling = time.Second
)

// Limiter is the adaptive token bucket. One instance per connection; the
// connection actor is the only writer, but reads may come from metrics
// snapshots so every entry point locks.
type Limiter struct {
	mu sync.Mutex

	tokens         int
	capacity       int
	refillRate     int
	refillInterval time.Duration
	lastRefill     time.Time

	backoffMultiplier float64
	backoffInitial    float64
	backoffMax        float64
	backoffResetAfter time.Duration
	last429           time.Time

	recoveryFactor   float64
	recoveryIncrease float64
	recoveryInterval time.Duration
	lastRecovery     time.Time

	originalCapacity   int
	originalRefillRate int

	now    func() time.Time
	logger zerolog.Logger
	emit   func(category string, fields map[string]any)
}

// New creates a limiter from a mode preset. emit may be nil.
func New(mode Mode, logger zerolog.Logger, emit func(string, map[string]any)) *Limiter {
	capacity, refillRate := 120, 10
	switch mode {
	case ModeCautious:
		capacity, refillRate = 60, 5
	case ModeAggressive:
		capacity, refillRate = 200, 15
	}
	l := &Limiter{
		tokens:         capacity,
		capacity:       capacity,
		refillRate:     refillRate,
		refillInterval: time.Second,

		backoffMultiplier: 1.0,
		backoffInitial:    defaultBackoffInitial,
		backoffMax:        defaultBackoffMax,
		backoffResetAfter: defaultBackoffResetAfter,

		recoveryFactor:   defaultRecoveryFactor,
		recoveryIncrease: defaultRecoveryIncrease,
		recoveryInterval: defaultRecoveryInterval,

		originalCapacity:   capacity,
		originalRefillRate: refillRate,

		now:    time.Now,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		emit:   emit,
	}
	l.lastRefill = l.now()
	l.lastRecovery = l.lastRefill
	l.event("init", map[string]any{
		"mode":        string(mode),
		"capacity":    capacity,
		"refill_rate": refillRate,
	})
	return l
}

// SetNow overrides the clock source. Test hook.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.lastRefill = now()
	l.lastRecovery = now()
}

// Admit runs one admission check for method.
func (l *Limiter) Admit(method string) Result {
	kind := ClassifyMethod(method)
	cost := Cost(kind)
	if cost == 0 {
		return Result{Decision: Allow, Kind: kind}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)
	l.recover(now)

	if l.tokens >= cost {
		l.tokens -= cost
		l.event("request_allowed", map[string]any{
			"method": method,
			"cost":   cost,
			"tokens": l.tokens,
		})
		return Result{Decision: Allow, Kind: kind, Cost: cost}
	}

	delay := time.Duration(float64(l.refillInterval) * l.backoffMultiplier)
	l.event("request_limited", map[string]any{
		"method":   method,
		"cost":     cost,
		"tokens":   l.tokens,
		"delay_ms": delay.Milliseconds(),
	})
	if delay < queueCeiling {
		return Result{Decision: Queue, Kind: kind, Cost: cost, Wait: l.refillInterval}
	}
	return Result{Decision: Reject, Kind: kind, Cost: cost, RetryAfter: delay}
}

// refill credits whole refill intervals elapsed since lastRefill, saturating
// at capacity. Caller holds mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed < l.refillInterval {
		return
	}
	intervals := int(elapsed / l.refillInterval)
	l.tokens += intervals * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(intervals) * l.refillInterval)
}

// recover grows a degraded bucket back toward its originals and resets the
// backoff multiplier once the last 429 is old enough. Caller holds mu.
func (l *Limiter) recover(now time.Time) {
	if l.capacity < l.originalCapacity && now.Sub(l.lastRecovery) >= l.recoveryInterval {
		step := int(float64(l.originalCapacity) * l.recoveryIncrease)
		if step < 1 {
			step = 1
		}
		l.capacity = min(l.capacity+step, l.originalCapacity)
		rateStep := int(float64(l.originalRefillRate) * l.recoveryIncrease)
		if rateStep < 1 {
			rateStep = 1
		}
		l.refillRate = min(l.refillRate+rateStep, l.originalRefillRate)
		l.lastRecovery = now
		l.event("rate_limit_recovery", map[string]any{
			"capacity":    l.capacity,
			"refill_rate": l.refillRate,
		})
	}
	if l.backoffMultiplier > 1.0 && !l.last429.IsZero() && now.Sub(l.last429) >= l.backoffResetAfter {
		l.backoffMultiplier = 1.0
		l.event("rate_limit_recovery", map[string]any{"backoff_multiplier": 1.0})
	}
}

// Observe429 applies exponential backoff after a server rate-limit error:
// multiplier grows, capacity and refill rate shrink (floored at 1), and the
// bucket is drained.
func (l *Limiter) Observe429() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.backoffMultiplier = min(l.backoffMultiplier*l.backoffInitial, l.backoffMax)
	l.capacity = max(int(float64(l.capacity)*l.recoveryFactor), 1)
	l.refillRate = max(int(float64(l.refillRate)*l.recoveryFactor), 1)
	l.tokens = 0
	l.last429 = l.now()

	l.event("rate_limit_hit", map[string]any{
		"backoff_multiplier": l.backoffMultiplier,
		"capacity":           l.capacity,
		"refill_rate":        l.refillRate,
	})
}

// Snapshot is a read-only view of the limiter state.
type Snapshot struct {
	Tokens             int
	Capacity           int
	RefillRate         int
	OriginalCapacity   int
	OriginalRefillRate int
	BackoffMultiplier  float64
}

// State returns the current limiter state.
func (l *Limiter) State() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Tokens:             l.tokens,
		Capacity:           l.capacity,
		RefillRate:         l.refillRate,
		OriginalCapacity:   l.originalCapacity,
		OriginalRefillRate: l.originalRefillRate,
		BackoffMultiplier:  l.backoffMultiplier,
	}
}

func (l *Limiter) event(category string, fields map[string]any) {
	if l.emit != nil {
		l.emit("rate_limit."+category, fields)
	}
}
