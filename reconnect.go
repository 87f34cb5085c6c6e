package deribit

import (
	"context"
	"time"

	"github.com/adred-codev/deribit-go/internal/telemetry"
	"github.com/adred-codev/deribit-go/internal/transport"
	"github.com/adred-codev/deribit-go/registry"
)

// Reconnect backoff: 1s doubling to 60s.
const (
	reconnectInitialBackoff = time.Second
	reconnectMaxBackoff     = 60 * time.Second
	reconnectDialTimeout    = 30 * time.Second
)

func reconnectDelay(attempt int) time.Duration {
	d := reconnectInitialBackoff << (attempt - 1)
	if d > reconnectMaxBackoff || d <= 0 {
		return reconnectMaxBackoff
	}
	return d
}

// forceReconnect tears the transport down so the standard reconnect path
// (including re-auth and resubscription) runs. Actor-only; used on fatal auth
// errors during an authenticated session.
func (c *Client) forceReconnect() {
	if c.tr != nil {
		c.tr.Close(transport.ReasonNetwork)
	}
}

// scheduleReconnect books the next reconnect attempt, or gives up once the
// attempt budget is spent. Actor-only.
func (c *Client) scheduleReconnect(withAuth bool, reason transport.Reason) {
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.setState(StateDisconnected)
		c.emit.Emit("client.disconnect.failure", map[string]any{
			"reason":   string(reason),
			"attempts": c.reconnectAttempts,
		})
		c.logger.Error().
			Int("attempts", c.reconnectAttempts).
			Msg("reconnect attempts exhausted")
		return
	}

	c.reconnectAttempts++
	telemetry.RecordReconnect()
	c.setState(StateReconnecting)

	delay := c.reconnectBackoff(c.reconnectAttempts)
	category := "connection.reconnect"
	if withAuth {
		category = "connection.reconnect_with_auth"
	}
	c.emit.Emit(category, map[string]any{
		"attempt":  c.reconnectAttempts,
		"delay_ms": delay.Milliseconds(),
		"reason":   string(reason),
	})

	c.afterFunc(delay, func() {
		c.do(func() { c.startReconnect(withAuth) })
	})
}

// startReconnect dials a fresh transport off the actor, then re-runs the
// bootstrap sequence; with auth, the subscription registry resubscribes after
// the new session is up.
func (c *Client) startReconnect(withAuth bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconnectDialTimeout)
		defer cancel()

		tr := c.newTransport()
		if err := tr.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect dial failed")
			c.do(func() { c.scheduleReconnect(withAuth, transport.ReasonNetwork) })
			return
		}
		if !c.doWait(func() { c.adoptTransport(tr) }) {
			tr.Close(transport.ReasonShuttingDown)
			return
		}

		if err := c.bootstrap(ctx, withAuth); err != nil {
			c.logger.Error().Err(err).Msg("bootstrap failed after reconnect")
			return
		}

		c.doWait(func() { c.reconnectAttempts = 0 })

		if withAuth && c.reg.NeedsResubscribe() {
			if err := c.resubscribe(ctx); err != nil {
				c.logger.Error().Err(err).Msg("resubscription failed after reconnect")
			}
		}
	}()
}

// resubscribe replays the registry's channels serially until every channel is
// active again or the retry budget is spent. Runs off the actor.
func (c *Client) resubscribe(ctx context.Context) error {
	for {
		subs := c.reg.BeginResubscribe()
		if len(subs) == 0 {
			// Includes the empty-registry case, which intentionally keeps the
			// flag armed for channels registered later.
			return nil
		}

		c.emit.Emit("resubscription.start", map[string]any{
			"channels": len(subs),
			"retry":    c.reg.RetryCount(),
		})

		var succeeded, failed []string
		for _, sub := range subs {
			method := "public/subscribe"
			if registry.IsPrivateChannel(sub.Channel) {
				method = "private/subscribe"
			}
			params := map[string]any{"channels": []string{sub.Channel}}
			for k, v := range sub.Params {
				params[k] = v
			}
			if _, err := c.roundTrip(ctx, method, params, 0); err != nil {
				failed = append(failed, sub.Channel)
				c.emit.Emit("resubscription.channel.failure", map[string]any{
					"channel": sub.Channel,
					"error":   err.Error(),
				})
				continue
			}
			succeeded = append(succeeded, sub.Channel)
			c.emit.Emit("resubscription.channel.success", map[string]any{"channel": sub.Channel})
		}

		switch c.reg.FinishResubscribe(succeeded, failed) {
		case registry.ResubscribeDone:
			c.emit.Emit("resubscription.success", map[string]any{"channels": len(subs)})
			telemetry.SetActiveSubscriptions(c.reg.Len())
			return nil
		case registry.ResubscribeRetry:
			c.emit.Emit("resubscription.retry", map[string]any{
				"failed": failed,
				"retry":  c.reg.RetryCount(),
			})
		case registry.ResubscribeExhausted:
			c.emit.Emit("resubscription.failure", map[string]any{"channels": failed})
			return &Error{Kind: KindResubscriptionFailed, Channels: failed}
		}
	}
}
