// Package registry tracks the channel subscriptions and orders belonging to a
// connection, and the bookkeeping that drives resubscription after a session
// transition or reconnect.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SubscriptionState tracks a channel's lifecycle.
type SubscriptionState string

const (
	StatePending       SubscriptionState = "pending"
	StateActive        SubscriptionState = "active"
	StateResubscribing SubscriptionState = "resubscribing"
	StateFailed        SubscriptionState = "failed"
)

// Subscription is one tracked channel. A channel has at most one record.
type Subscription struct {
	Channel   string
	Params    map[string]any
	SessionID string
	State     SubscriptionState
}

// IsPrivateChannel applies the channel privacy rule: raw feeds, user-scoped
// channels and anything mentioning private require an access token.
func IsPrivateChannel(channel string) bool {
	return strings.Contains(channel, ".raw") ||
		strings.HasPrefix(channel, "user.") ||
		strings.Contains(channel, "private")
}

// AnyPrivate reports whether any channel in the batch is private. A mixed
// batch routes through the private endpoint as a whole.
func AnyPrivate(channels []string) bool {
	for _, ch := range channels {
		if IsPrivateChannel(ch) {
			return true
		}
	}
	return false
}

// DefaultMaxResubscribeRetries bounds the resubscription passes after a
// session change before the failure is surfaced.
const DefaultMaxResubscribeRetries = 3

// Registry holds per-connection subscription and order state. The connection
// actor is the only mutator; the mutex serves snapshot readers.
type Registry struct {
	mu sync.Mutex

	channels        map[string]*Subscription
	orders          map[string]*Order
	ordersBySession map[string]map[string]struct{}

	activeSessionID      string
	resubscribeAfterAuth bool
	retryCount           int
	maxRetries           int

	logger zerolog.Logger
	emit   func(category string, fields map[string]any)
}

// New creates an empty registry. emit may be nil.
func New(logger zerolog.Logger, emit func(string, map[string]any)) *Registry {
	return &Registry{
		channels:        make(map[string]*Subscription),
		orders:          make(map[string]*Order),
		ordersBySession: make(map[string]map[string]struct{}),
		maxRetries:      DefaultMaxResubscribeRetries,
		logger:          logger.With().Str("component", "registry").Logger(),
		emit:            emit,
	}
}

// SetMaxRetries overrides the resubscription retry budget.
func (r *Registry) SetMaxRetries(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxRetries = n
}

// TrackPending records a channel ahead of its subscribe call.
func (r *Registry) TrackPending(channel string, params map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = &Subscription{
		Channel:   channel,
		Params:    params,
		SessionID: r.activeSessionID,
		State:     StatePending,
	}
}

// MarkActive promotes a channel after a successful subscribe response.
func (r *Registry) MarkActive(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.channels[channel]; ok {
		sub.State = StateActive
		sub.SessionID = r.activeSessionID
		r.event("subscription.created", map[string]any{"channel": channel})
	}
}

// MarkFailed downgrades a channel after a failed subscribe.
func (r *Registry) MarkFailed(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.channels[channel]; ok {
		sub.State = StateFailed
	}
}

// Remove drops channels after a successful unsubscribe response.
func (r *Registry) Remove(channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		if _, ok := r.channels[ch]; ok {
			delete(r.channels, ch)
			r.event("subscription.removed", map[string]any{"channel": ch})
		}
	}
}

// Clear drops every channel (unsubscribe_all).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.channels {
		r.event("subscription.removed", map[string]any{"channel": ch})
	}
	r.channels = make(map[string]*Subscription)
}

// Get returns a copy of the record for channel.
func (r *Registry) Get(channel string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.channels[channel]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Channels returns the tracked channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// SessionTransition records a new active session id and flags the registry
// for resubscription after the next successful auth.
func (r *Registry) SessionTransition(newSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.activeSessionID
	r.activeSessionID = newSessionID
	r.resubscribeAfterAuth = true
	r.retryCount = 0
	for _, sub := range r.channels {
		sub.State = StateResubscribing
	}
	r.event("order_context.session_transition", map[string]any{
		"prev_session_id": prev,
		"session_id":      newSessionID,
	})
}

// SetActiveSession updates the session id without flagging resubscription
// (initial auth).
func (r *Registry) SetActiveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSessionID = sessionID
}

// FlagResubscribe arms the resubscribe-after-auth flow (reconnect path).
// Every tracked channel is considered stale until the next pass confirms it.
func (r *Registry) FlagResubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resubscribeAfterAuth = true
	r.retryCount = 0
	for _, sub := range r.channels {
		sub.State = StateResubscribing
	}
}

// NeedsResubscribe reports whether a resubscription pass is pending.
func (r *Registry) NeedsResubscribe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resubscribeAfterAuth
}

// BeginResubscribe snapshots the channels needing a resubscription pass:
// everything not currently Active. An empty registry returns no work but
// keeps the flag armed so channels registered later still trigger the flow.
func (r *Registry) BeginResubscribe() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resubscribeAfterAuth || len(r.channels) == 0 {
		return nil
	}
	out := make([]Subscription, 0, len(r.channels))
	for _, sub := range r.channels {
		if sub.State == StateActive {
			continue
		}
		sub.State = StateResubscribing
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// ResubscribeOutcome reports what the actor should do after a pass.
type ResubscribeOutcome int

const (
	// ResubscribeDone clears the flag; every channel is Active again.
	ResubscribeDone ResubscribeOutcome = iota
	// ResubscribeRetry schedules another pass for the failed channels.
	ResubscribeRetry
	// ResubscribeExhausted surfaces the failure; retries are spent.
	ResubscribeExhausted
)

// FinishResubscribe applies a pass result. Succeeded channels go Active;
// failed ones either earn another pass or, once retries are exhausted, stay
// Failed while the flag clears.
func (r *Registry) FinishResubscribe(succeeded, failed []string) ResubscribeOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range succeeded {
		if sub, ok := r.channels[ch]; ok {
			sub.State = StateActive
			sub.SessionID = r.activeSessionID
		}
	}
	for _, ch := range failed {
		if sub, ok := r.channels[ch]; ok {
			sub.State = StateFailed
		}
	}

	if len(failed) == 0 {
		r.resubscribeAfterAuth = false
		r.retryCount = 0
		return ResubscribeDone
	}
	if r.retryCount < r.maxRetries {
		r.retryCount++
		r.resubscribeAfterAuth = true
		return ResubscribeRetry
	}
	r.resubscribeAfterAuth = false
	r.retryCount = 0
	return ResubscribeExhausted
}

// RetryCount returns the current resubscription retry counter.
func (r *Registry) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

func (r *Registry) event(category string, fields map[string]any) {
	if r.emit != nil {
		r.emit(category, fields)
	}
}
