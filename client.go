package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/deribit-go/internal/telemetry"
	"github.com/adred-codev/deribit-go/internal/transport"
	"github.com/adred-codev/deribit-go/ratelimit"
	"github.com/adred-codev/deribit-go/registry"
	"github.com/adred-codev/deribit-go/session"
	"github.com/adred-codev/deribit-go/timesync"
)

// Notification is one subscription delivery.
type Notification struct {
	Channel string
	Data    json.RawMessage
}

// CallOptions tunes a single Call.
type CallOptions struct {
	// Timeout overrides the default per-request deadline. Methods with a
	// dedicated deadline (auth, logout, test, get_time) ignore it.
	Timeout time.Duration
}

const notificationBuffer = 256

// Client maintains one authenticated JSON-RPC session over a WebSocket. All
// methods are safe for concurrent use; internally every state mutation is
// marshalled onto the connection actor.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	emit   *telemetry.Emitter

	limiter  *ratelimit.Limiter
	sessions *session.Manager
	reg      *registry.Registry
	tsync    *timesync.Service

	newTransport     func() transportLink
	throttle         *rate.Limiter
	reconnectBackoff func(attempt int) time.Duration

	cmdCh     chan func()
	quit      chan struct{}
	closeOnce sync.Once

	notifications chan Notification

	nextID atomic.Int64

	// Actor-owned fields; see run().
	state             ConnectionState
	tr                transportLink
	trEvents          <-chan transport.Event
	inflight          map[int64]*inflight
	reconnectAttempts int
	heartbeatSeconds  int
	refreshRetried    bool
	refreshTimer      *time.Timer

	maintenance json.RawMessage
	stateMu     sync.RWMutex

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

// New creates a client. The connection is not dialed until Connect.
func New(cfg *Config, logger zerolog.Logger) *Client {
	cfg.withDefaults()

	c := &Client{
		cfg:           *cfg,
		logger:        logger.With().Str("component", "client").Logger(),
		cmdCh:         make(chan func(), 64),
		quit:          make(chan struct{}),
		notifications: make(chan Notification, notificationBuffer),
		state:         StateDisconnected,
		inflight:      make(map[int64]*inflight),
		timers:        make(map[*time.Timer]struct{}),
		// One dial per 500ms, burst 3: a flapping endpoint is not hammered.
		throttle:         rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		reconnectBackoff: reconnectDelay,
	}

	c.emit = telemetry.NewEmitter(cfg.Namespace, logger)
	c.limiter = ratelimit.New(cfg.RateLimitMode, logger, c.emit.EmitFn())
	c.sessions = session.NewManager(cfg.AuthRefreshThreshold, logger, c.emit.EmitFn())
	c.reg = registry.New(logger, c.emit.EmitFn())
	c.tsync = timesync.New(cfg.TimeSyncInterval, c.getServerTime, logger, c.emit.EmitFn())

	c.newTransport = func() transportLink {
		return transport.New(transport.Config{
			URL:      c.cfg.URL(),
			NextID:   func() int64 { return c.nextID.Add(1) },
			Throttle: c.throttle,
			Logger:   logger,
			Emit:     c.emit.EmitFn(),
		})
	}

	go c.run()
	return c
}

// Connect dials the endpoint and runs the bootstrap sequence. On bootstrap
// failure the connection stays up but unauthenticated; the returned error
// carries the failing step.
func (c *Client) Connect(ctx context.Context) error {
	var already bool
	if !c.doWait(func() {
		already = c.tr != nil
		if !already {
			c.setState(StateConnecting)
		}
	}) {
		return &Error{Kind: KindConnectionClosed}
	}
	if already {
		return &Error{Kind: KindValidation, Message: "already connected"}
	}

	tr := c.newTransport()
	if err := tr.Connect(ctx); err != nil {
		c.doWait(func() { c.setState(StateDisconnected) })
		c.emit.Emit("client.connect.failure", map[string]any{"error": err.Error()})
		return &Error{Kind: KindTransport, Err: err}
	}
	c.doWait(func() { c.adoptTransport(tr) })

	if err := c.bootstrap(ctx, c.cfg.Authenticate); err != nil {
		return err
	}

	c.emit.Emit("client.connect.success", map[string]any{"url": c.cfg.URL()})
	return nil
}

// Call performs one JSON-RPC round trip. Private methods carry the session's
// access token automatically.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, opts ...CallOptions) (json.RawMessage, error) {
	var override time.Duration
	if len(opts) > 0 {
		override = opts[0].Timeout
	}
	start := time.Now()
	res, err := c.roundTrip(ctx, method, params, override)
	if err != nil {
		c.emit.Emit("client.json_rpc.failure", map[string]any{
			"method": method,
			"error":  err.Error(),
		})
		return nil, err
	}
	c.emit.Emit("client.json_rpc.success", map[string]any{
		"method":      method,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

// CallInto performs a Call and unmarshals the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params map[string]any, out any) error {
	res, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res, out); err != nil {
		return &Error{Kind: KindInvalidResponse, Method: method, Err: err}
	}
	return nil
}

// Test issues public/test and returns the reported API version.
func (c *Client) Test(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}
	if err := c.CallInto(ctx, "public/test", map[string]any{}, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

// Subscribe adds one channel, routed to the public or private endpoint by the
// channel privacy rule.
func (c *Client) Subscribe(ctx context.Context, channel string, params map[string]any) error {
	method := "public/subscribe"
	if registry.IsPrivateChannel(channel) {
		method = "private/subscribe"
	}

	c.reg.TrackPending(channel, params)

	callParams := map[string]any{"channels": []string{channel}}
	for k, v := range params {
		callParams[k] = v
	}
	if _, err := c.roundTrip(ctx, method, callParams, 0); err != nil {
		c.reg.MarkFailed(channel)
		c.emit.Emit("client.json_rpc.failure", map[string]any{
			"method":  method,
			"channel": channel,
			"error":   err.Error(),
		})
		return err
	}

	c.reg.MarkActive(channel)
	telemetry.SetActiveSubscriptions(c.reg.Len())
	return nil
}

// Unsubscribe removes channels. A batch containing any private channel is
// routed through private/unsubscribe as a whole.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	method := "public/unsubscribe"
	if registry.AnyPrivate(channels) {
		method = "private/unsubscribe"
	}
	if _, err := c.roundTrip(ctx, method, map[string]any{"channels": channels}, 0); err != nil {
		return err
	}
	c.reg.Remove(channels...)
	telemetry.SetActiveSubscriptions(c.reg.Len())
	return nil
}

// UnsubscribeAll drops every subscription.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	res, err := c.roundTrip(ctx, "public/unsubscribe_all", map[string]any{}, 0)
	if err != nil {
		return err
	}
	var ok string
	if err := json.Unmarshal(res, &ok); err != nil || ok != "ok" {
		return &Error{Kind: KindInvalidResponse, Method: "public/unsubscribe_all", Message: string(res)}
	}
	c.reg.Clear()
	telemetry.SetActiveSubscriptions(0)
	return nil
}

// ExchangeToken switches the session to a subaccount. Tracked channels are
// resubscribed under the new session automatically.
func (c *Client) ExchangeToken(ctx context.Context, subjectID int64) error {
	rt := c.sessions.RefreshToken()
	if rt == "" {
		return &Error{Kind: KindAuth, Message: "no refresh token available"}
	}

	res, err := c.roundTrip(ctx, "public/exchange_token", map[string]any{
		"refresh_token": rt,
		"subject_id":    subjectID,
	}, 0)
	if err != nil {
		c.emit.Emit("client.exchange_token.failure", map[string]any{"error": err.Error()})
		return err
	}
	authRes, err := session.ParseAuthResult(res)
	if err != nil {
		return &Error{Kind: KindInvalidResponse, Method: "public/exchange_token", Err: err}
	}

	var prevID string
	c.doWait(func() {
		if cur := c.sessions.Current(); cur != nil {
			prevID = cur.ID
		}
		s := c.sessions.ApplyExchange(authRes, subjectID)
		c.reg.SessionTransition(s.ID)
		c.refreshRetried = false
		c.armRefreshTimer()
	})

	c.emit.Emit("client.exchange_token.success", map[string]any{
		"prev_id":    prevID,
		"subject_id": subjectID,
	})

	if err := c.resubscribe(ctx); err != nil {
		return err
	}
	return nil
}

// ForkToken creates a named session from the current refresh token. The
// subaccount binding of the predecessor carries over.
func (c *Client) ForkToken(ctx context.Context, sessionName string) error {
	if sessionName == "" {
		return &Error{Kind: KindValidation, Message: "session name is required"}
	}
	rt := c.sessions.RefreshToken()
	if rt == "" {
		return &Error{Kind: KindAuth, Message: "no refresh token available"}
	}

	res, err := c.roundTrip(ctx, "public/fork_token", map[string]any{
		"refresh_token": rt,
		"session_name":  sessionName,
	}, 0)
	if err != nil {
		c.emit.Emit("client.fork_token.failure", map[string]any{"error": err.Error()})
		return err
	}
	authRes, err := session.ParseAuthResult(res)
	if err != nil {
		return &Error{Kind: KindInvalidResponse, Method: "public/fork_token", Err: err}
	}

	c.doWait(func() {
		s := c.sessions.ApplyFork(authRes, sessionName)
		c.reg.SessionTransition(s.ID)
		c.refreshRetried = false
		c.armRefreshTimer()
	})

	c.emit.Emit("client.fork_token.success", map[string]any{"session_name": sessionName})

	if err := c.resubscribe(ctx); err != nil {
		return err
	}
	return nil
}

// EnableCancelOnDisconnect turns on server-side COD. Scope must be
// "connection" or "account"; anything else fails before I/O.
func (c *Client) EnableCancelOnDisconnect(ctx context.Context, scope string) error {
	if scope != "connection" && scope != "account" {
		return &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("cod scope must be connection or account, got %q", scope),
		}
	}
	_, err := c.roundTrip(ctx, "private/enable_cancel_on_disconnect", map[string]any{"scope": scope}, 0)
	return err
}

// DisableHeartbeat turns server heartbeats off.
func (c *Client) DisableHeartbeat(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "public/disable_heartbeat", map[string]any{}, 0)
	return err
}

// Logout invalidates the server-side tokens and closes the transport.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "private/logout", map[string]any{"invalidate_token": true}, 0)
	if err != nil {
		c.emit.Emit("client.logout.failure", map[string]any{"error": err.Error()})
		return err
	}

	c.doWait(func() {
		c.sessions.Invalidate()
		c.stopTimer(c.refreshTimer)
		c.refreshTimer = nil
		if c.tr != nil {
			c.tr.Close(transport.ReasonNormal)
		}
	})
	c.emit.Emit("client.logout.success", nil)
	return nil
}

// Disconnect shuts the client down cleanly: heartbeats off and logout when
// authenticated, then transport close. The client cannot be reused after.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.State() == StateAuthenticated {
		if err := c.DisableHeartbeat(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("disable_heartbeat before logout failed")
		}
		if err := c.Logout(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("logout failed, closing transport anyway")
		}
	}
	c.Close()
	c.emit.Emit("client.disconnect.success", nil)
	return nil
}

// Close releases the connection and stops the actor. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.doWait(func() {
			if c.tr != nil {
				c.tr.Close(transport.ReasonShuttingDown)
				c.tr = nil
				c.trEvents = nil
			}
			c.failAllInflight(&Error{Kind: KindConnectionClosed})
			c.tsync.Stop()
			c.setState(StateClosed)
		})
		c.stopAllTimers()
		close(c.quit)
	})
}

// Notifications returns the subscription delivery stream. Payloads are
// dropped (and counted) when the consumer falls behind.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

// Sessions returns the session audit chain, newest first.
func (c *Client) Sessions() []*session.Session { return c.sessions.Chain() }

// CurrentSession returns the active session, or nil.
func (c *Client) CurrentSession() *session.Session { return c.sessions.Current() }

// Registry exposes the order and subscription registry.
func (c *Client) Registry() *registry.Registry { return c.reg }

// RateLimit returns a snapshot of the adaptive limiter.
func (c *Client) RateLimit() ratelimit.Snapshot { return c.limiter.State() }

// ServerTime estimates the current server clock in ms.
func (c *Client) ServerTime() int64 { return c.tsync.ServerTime() }

// LocalToServer converts a local ms timestamp to server time.
func (c *Client) LocalToServer(localMs int64) int64 { return c.tsync.LocalToServer(localMs) }

// ServerToLocal converts a server ms timestamp to local time.
func (c *Client) ServerToLocal(serverMs int64) int64 { return c.tsync.ServerToLocal(serverMs) }

// ClockDelta returns the estimated server-minus-local offset in ms.
func (c *Client) ClockDelta() int64 { return c.tsync.Delta() }

// SyncInfo returns the time-sync state.
func (c *Client) SyncInfo() timesync.Info { return c.tsync.SyncInfo() }

// ReconnectAttempts returns the current reconnect counter.
func (c *Client) ReconnectAttempts() int {
	var n int
	c.doWait(func() { n = c.reconnectAttempts })
	return n
}

// HeartbeatInterval returns the last heartbeat interval sent to the server.
func (c *Client) HeartbeatInterval() int {
	var n int
	c.doWait(func() { n = c.heartbeatSeconds })
	return n
}

// getServerTime backs the time-sync service.
func (c *Client) getServerTime(ctx context.Context) (int64, error) {
	res, err := c.roundTrip(ctx, "public/get_time", nil, 0)
	if err != nil {
		return 0, err
	}
	var t int64
	if err := json.Unmarshal(res, &t); err != nil {
		return 0, fmt.Errorf("decode get_time result: %w", err)
	}
	return t, nil
}
