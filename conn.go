package deribit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/deribit-go/internal/telemetry"
	"github.com/adred-codev/deribit-go/internal/transport"
)

// transportLink abstracts the WebSocket transport so tests can script one.
type transportLink interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Close(reason transport.Reason) error
	Events() <-chan transport.Event
}

// run is the connection actor. It is the only goroutine that touches the
// actor-owned fields: commands from the public API, inbound transport events
// and timer callbacks are all serialized here.
func (c *Client) run() {
	for {
		var events <-chan transport.Event
		if c.trEvents != nil {
			events = c.trEvents
		}
		select {
		case fn := <-c.cmdCh:
			fn()
		case ev, ok := <-events:
			if !ok {
				c.trEvents = nil
				continue
			}
			c.handleTransportEvent(ev)
		case <-c.quit:
			c.failAllInflight(&Error{Kind: KindConnectionClosed})
			c.stopAllTimers()
			return
		}
	}
}

// do posts fn to the actor. Returns false if the client is closed.
func (c *Client) do(fn func()) bool {
	select {
	case c.cmdCh <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// doWait posts fn to the actor and waits for it to run.
func (c *Client) doWait(fn func()) bool {
	done := make(chan struct{})
	if !c.do(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Client) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventUp:
		c.emit.Emit("connection.opened", map[string]any{"url": c.cfg.URL()})
	case transport.EventFrame:
		c.handleFrame(ev.Data)
	case transport.EventParseError:
		// Connection survives bad JSON; the frame is only reported.
		c.emit.Emit("rpc.invalid_response", map[string]any{"error": ev.Err.Error()})
	case transport.EventDown:
		c.handleDown(ev)
	}
}

func (c *Client) handleDown(ev transport.Event) {
	wasAuth := c.State() == StateAuthenticated

	c.tr = nil
	c.trEvents = nil
	c.failAllInflight(&Error{Kind: KindConnectionClosed})
	c.stopTimer(c.refreshTimer)
	c.refreshTimer = nil
	c.tsync.Stop()

	if ev.Reason.Terminal() {
		c.setState(StateClosed)
		return
	}

	if wasAuth {
		c.reg.FlagResubscribe()
	}
	c.scheduleReconnect(wasAuth, ev.Reason)
}

func (c *Client) adoptTransport(tr transportLink) {
	c.tr = tr
	c.trEvents = tr.Events()
	c.setState(StateConnected)
}

// setState updates the connection state. Actor-only writer; State() readers
// take the mutex.
func (c *Client) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setMaintenance(raw json.RawMessage) {
	c.stateMu.Lock()
	c.maintenance = raw
	c.stateMu.Unlock()
}

// MaintenanceStatus returns the last public/status result captured during
// bootstrap, or nil before the first bootstrap.
func (c *Client) MaintenanceStatus() json.RawMessage {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.maintenance
}

// Timer tracking: every timer the client arms is registered so connection
// close cannot leak one.

func (c *Client) afterFunc(d time.Duration, fn func()) *time.Timer {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.timersMu.Lock()
		delete(c.timers, t)
		c.timersMu.Unlock()
		fn()
	})
	c.timers[t] = struct{}{}
	return t
}

func (c *Client) stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	c.timersMu.Lock()
	delete(c.timers, t)
	c.timersMu.Unlock()
}

func (c *Client) stopAllTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
}

// deliverNotification pushes a subscription payload to the consumer channel.
// A saturated consumer drops the payload rather than stalling the actor.
func (c *Client) deliverNotification(n Notification) {
	telemetry.RecordNotification()
	select {
	case c.notifications <- n:
	default:
		telemetry.RecordNotificationDropped()
		c.logger.Warn().Str("channel", n.Channel).Msg("notification dropped, consumer too slow")
	}
}
