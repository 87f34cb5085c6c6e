package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/deribit-go/session"
)

// Bootstrap step numbers, reported on failure.
const (
	stepHello = iota + 1
	stepGetTime
	stepStatus
	stepSetHeartbeat
	stepAuth
	stepCOD
)

// bootstrap drives the post-connect sequence: hello, get_time, status,
// set_heartbeat, auth, cancel-on-disconnect. A failure at step N aborts and
// leaves the connection Connected but not Authenticated.
func (c *Client) bootstrap(ctx context.Context, authenticate bool) error {
	start := time.Now()

	if _, err := c.roundTrip(ctx, "public/hello", map[string]any{
		"client_name":    c.cfg.ClientName,
		"client_version": c.cfg.ClientVersion,
	}, 0); err != nil {
		return c.bootstrapErr(stepHello, err)
	}

	t0 := time.Now().UnixMilli()
	res, err := c.roundTrip(ctx, "public/get_time", nil, 0)
	if err != nil {
		return c.bootstrapErr(stepGetTime, err)
	}
	t1 := time.Now().UnixMilli()
	var serverT int64
	if err := json.Unmarshal(res, &serverT); err != nil {
		return c.bootstrapErr(stepGetTime, &Error{Kind: KindInvalidResponse, Method: "public/get_time", Err: err})
	}
	c.tsync.Seed(t0, t1, serverT)
	if c.cfg.TimeSyncEnabled && c.cfg.TimeSyncAutoOnConnect {
		c.tsync.Start(context.Background())
	}

	status, err := c.roundTrip(ctx, "public/status", nil, 0)
	if err != nil {
		return c.bootstrapErr(stepStatus, err)
	}
	c.setMaintenance(status)

	interval := c.cfg.EffectiveHeartbeatInterval()
	if _, err := c.roundTrip(ctx, "public/set_heartbeat", map[string]any{"interval": interval}, 0); err != nil {
		return c.bootstrapErr(stepSetHeartbeat, err)
	}
	c.doWait(func() { c.heartbeatSeconds = interval })

	if authenticate {
		if err := c.Authenticate(ctx); err != nil {
			return c.bootstrapErr(stepAuth, err)
		}
		if c.cfg.CODEnabled {
			if err := c.EnableCancelOnDisconnect(ctx, c.cfg.CODScope); err != nil {
				return c.bootstrapErr(stepCOD, err)
			}
		}
	}

	c.emit.Emit("client.bootstrap.success", map[string]any{
		"duration_ms":   time.Since(start).Milliseconds(),
		"authenticated": authenticate,
	})
	return nil
}

func (c *Client) bootstrapErr(step int, err error) error {
	c.emit.Emit("client.bootstrap.failure", map[string]any{
		"step":  step,
		"error": err.Error(),
	})
	var ce *Error
	if errors.As(err, &ce) && ce.Step == 0 {
		e := *ce
		e.Step = step
		return &e
	}
	return &Error{Kind: KindBootstrap, Step: step, Err: err}
}

// Authenticate performs the client_credentials grant and installs the initial
// session. Missing credentials fail before any I/O.
func (c *Client) Authenticate(ctx context.Context) error {
	creds := c.cfg.Credentials()
	if err := creds.Validate(); err != nil {
		kind := KindMissingAPIKey
		if errors.Is(err, session.ErrMissingAPISecret) {
			kind = KindMissingAPISecret
		}
		c.emit.Emit("auth.failure", map[string]any{"error": err.Error()})
		return &Error{Kind: kind, Err: err}
	}

	c.doWait(func() { c.setState(StateAuthenticating) })
	start := time.Now()

	res, err := c.roundTrip(ctx, "public/auth", creds.AuthParams(), 0)
	if err != nil {
		c.doWait(func() {
			if c.State() == StateAuthenticating {
				c.setState(StateConnected)
			}
		})
		c.emit.Emit("auth.failure", map[string]any{"error": err.Error()})
		return err
	}

	authRes, err := session.ParseAuthResult(res)
	if err != nil {
		c.doWait(func() { c.setState(StateConnected) })
		c.emit.Emit("auth.failure", map[string]any{"error": err.Error()})
		return &Error{Kind: KindInvalidResponse, Method: "public/auth", Err: err}
	}

	c.doWait(func() {
		s := c.sessions.ApplyInitial(authRes)
		c.reg.SetActiveSession(s.ID)
		c.refreshRetried = false
		c.armRefreshTimer()
		c.setState(StateAuthenticated)
	})

	c.emit.Emit("auth.success", map[string]any{
		"grant_type":  "client_credentials",
		"duration_ms": time.Since(start).Milliseconds(),
		"scope":       authRes.Scope,
	})
	return nil
}

// armRefreshTimer schedules the proactive token refresh. Actor-only.
func (c *Client) armRefreshTimer() {
	c.stopTimer(c.refreshTimer)
	c.refreshTimer = nil

	deadline, ok := c.sessions.RefreshDeadline()
	if !ok {
		return
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	c.refreshTimer = c.afterFunc(d, func() {
		c.do(c.onRefreshDue)
	})
}

// onRefreshDue runs on the actor when the refresh timer fires.
func (c *Client) onRefreshDue() {
	if c.State() != StateAuthenticated {
		return
	}
	go c.refreshToken()
}

// refreshToken performs the refresh_token grant. One failure re-arms a single
// 5s retry; a second failure is fatal for the session and triggers
// reconnect-with-auth.
func (c *Client) refreshToken() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rt := c.sessions.RefreshToken()
	if rt == "" {
		return
	}

	res, err := c.roundTrip(ctx, "public/auth", map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": rt,
	}, 0)
	if err == nil {
		var authRes *session.AuthResult
		authRes, err = session.ParseAuthResult(res)
		if err == nil {
			c.doWait(func() {
				c.refreshRetried = false
				c.sessions.ApplyRefresh(authRes)
				c.armRefreshTimer()
			})
			c.emit.Emit("auth.success", map[string]any{"grant_type": "refresh_token"})
			return
		}
	}

	c.logger.Warn().Err(err).Msg("token refresh failed")
	c.do(func() {
		if !c.refreshRetried {
			c.refreshRetried = true
			c.afterFunc(5*time.Second, func() { c.do(c.onRefreshDue) })
			return
		}
		c.emit.Emit("auth.failure", map[string]any{
			"grant_type": "refresh_token",
			"error":      fmt.Sprint(err),
		})
		c.forceReconnect()
	})
}
