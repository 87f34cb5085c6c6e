package deribit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/deribit-go/internal/jsonrpc"
	"github.com/adred-codev/deribit-go/internal/telemetry"
	"github.com/adred-codev/deribit-go/ratelimit"
)

// inflight is one outstanding request owned by the correlator. Exactly one of
// {response, timeout, connection close, cancellation} resolves it.
type inflight struct {
	id     int64
	method string
	reply  chan callResult
	timer  *time.Timer
	sentAt time.Time
}

type callResult struct {
	result json.RawMessage
	err    error
}

// submitOutcome is what the admission+send actor step reports back to the
// calling goroutine.
type submitOutcome struct {
	sent bool
	wait time.Duration // rate-limit queue: retry after this long
	err  error
}

// roundTrip is the synchronous core of every RPC: admission, send, then wait
// for the matching response, the per-method timeout, cancellation, or
// connection close.
func (c *Client) roundTrip(ctx context.Context, method string, params map[string]any, override time.Duration) (json.RawMessage, error) {
	if !jsonrpc.ValidMethod(method) {
		return nil, &Error{Kind: KindValidation, Method: method, Message: "malformed method path"}
	}

	for {
		reply := make(chan callResult, 1)
		var out submitOutcome
		if !c.doWait(func() { out = c.submit(method, params, override, reply) }) {
			return nil, &Error{Kind: KindConnectionClosed, Method: method}
		}
		if out.err != nil {
			return nil, out.err
		}
		if !out.sent {
			// Queued by the rate limiter: wait one refill interval, retry.
			select {
			case <-time.After(out.wait):
				continue
			case <-ctx.Done():
				return nil, &Error{Kind: KindCancelled, Method: method, Err: ctx.Err()}
			case <-c.quit:
				return nil, &Error{Kind: KindConnectionClosed, Method: method}
			}
		}

		select {
		case res := <-reply:
			return res.result, res.err
		case <-ctx.Done():
			c.do(func() { c.abandon(reply) })
			return nil, &Error{Kind: KindCancelled, Method: method, Err: ctx.Err()}
		case <-c.quit:
			return nil, &Error{Kind: KindConnectionClosed, Method: method}
		}
	}
}

// submit runs on the actor: rate-limit admission, id assignment, access-token
// injection, encoding, in-flight registration and the transport write.
func (c *Client) submit(method string, params map[string]any, override time.Duration, reply chan callResult) submitOutcome {
	if c.tr == nil {
		return submitOutcome{err: &Error{Kind: KindTransport, Method: method, Message: "not connected"}}
	}

	res := c.limiter.Admit(method)
	switch res.Decision {
	case ratelimit.Queue:
		return submitOutcome{wait: res.Wait}
	case ratelimit.Reject:
		return submitOutcome{err: &Error{
			Kind:       KindRateLimited,
			Method:     method,
			RetryAfter: res.RetryAfter,
		}}
	}

	id := c.nextID.Add(1)

	sendParams := params
	if jsonrpc.IsPrivate(method) {
		if token := c.sessions.AccessToken(); token != "" {
			sendParams = make(map[string]any, len(params)+1)
			for k, v := range params {
				sendParams[k] = v
			}
			sendParams["access_token"] = token
		}
	}

	data, err := jsonrpc.EncodeRequest(id, method, sendParams)
	if err != nil {
		return submitOutcome{err: &Error{Kind: KindValidation, Method: method, Err: err}}
	}

	fl := &inflight{
		id:     id,
		method: method,
		reply:  reply,
		sentAt: time.Now(),
	}
	fl.timer = c.afterFunc(jsonrpc.TimeoutFor(method, override), func() {
		c.do(func() { c.expire(id) })
	})
	c.inflight[id] = fl

	if err := c.tr.Send(data); err != nil {
		c.remove(fl)
		return submitOutcome{err: &Error{Kind: KindTransport, Method: method, Err: err}}
	}

	telemetry.RecordRequest(method)
	c.emit.Emit("rpc.request", map[string]any{"id": id, "method": method})
	return submitOutcome{sent: true}
}

// handleFrame processes one inbound JSON frame on the actor.
func (c *Client) handleFrame(data []byte) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		c.emit.Emit("rpc.invalid_response", map[string]any{"error": err.Error()})
		return
	}

	if msg.IsNotification() {
		p, err := jsonrpc.DecodeNotification(msg)
		if err != nil {
			c.emit.Emit("rpc.invalid_response", map[string]any{"error": err.Error()})
			return
		}
		c.deliverNotification(Notification{Channel: p.Channel, Data: p.Data})
		return
	}

	if msg.ID == nil {
		c.emit.Emit("rpc.invalid_response", map[string]any{"reason": "missing id"})
		return
	}

	// A 429 feeds the limiter even when the waiter is already gone.
	if msg.Error != nil && jsonrpc.IsRateLimit(msg.Error.Code) {
		c.limiter.Observe429()
	}

	fl, ok := c.inflight[*msg.ID]
	if !ok {
		// Late response for a timed-out or cancelled request.
		c.logger.Debug().Int64("id", *msg.ID).Msg("response for unknown id discarded")
		return
	}
	c.remove(fl)

	telemetry.ObserveRequestDuration(fl.method, time.Since(fl.sentAt).Seconds())

	switch {
	case msg.Error != nil:
		callErr := errorFromRPC(fl.method, msg.Error)
		telemetry.RecordResponse("error")
		c.emit.Emit("rpc.error_response", map[string]any{
			"id":     fl.id,
			"method": fl.method,
			"code":   msg.Error.Code,
		})
		if jsonrpc.TriggersReauth(msg.Error.Code) && c.State() == StateAuthenticated {
			c.emit.Emit("connection.auth_error_reconnect", map[string]any{
				"code":   msg.Error.Code,
				"method": fl.method,
			})
			c.forceReconnect()
		}
		fl.reply <- callResult{err: callErr}
	case msg.Result != nil:
		telemetry.RecordResponse("result")
		c.emit.Emit("rpc.response", map[string]any{
			"id":          fl.id,
			"method":      fl.method,
			"duration_ms": time.Since(fl.sentAt).Milliseconds(),
		})
		fl.reply <- callResult{result: msg.Result}
	default:
		telemetry.RecordResponse("invalid")
		fl.reply <- callResult{err: &Error{
			Kind:    KindInvalidResponse,
			Method:  fl.method,
			Message: "response carries neither result nor error",
		}}
	}
}

// expire fires the per-request timeout on the actor.
func (c *Client) expire(id int64) {
	fl, ok := c.inflight[id]
	if !ok {
		return
	}
	c.remove(fl)
	telemetry.RecordResponse("timeout")
	c.emit.Emit("rpc.error_response", map[string]any{
		"id":     id,
		"method": fl.method,
		"reason": "timeout",
	})
	fl.reply <- callResult{err: &Error{Kind: KindTimeout, Method: fl.method}}
}

// abandon drops the in-flight entry owned by reply after caller cancellation.
// Any late response for it is then discarded silently.
func (c *Client) abandon(reply chan callResult) {
	for _, fl := range c.inflight {
		if fl.reply == reply {
			c.remove(fl)
			telemetry.RecordResponse("cancelled")
			return
		}
	}
}

// failAllInflight resolves every waiter with err (connection close).
func (c *Client) failAllInflight(err *Error) {
	for _, fl := range c.inflight {
		c.stopTimer(fl.timer)
		e := *err
		e.Method = fl.method
		fl.reply <- callResult{err: &e}
		telemetry.RecordResponse("closed")
	}
	c.inflight = make(map[int64]*inflight)
}

func (c *Client) remove(fl *inflight) {
	c.stopTimer(fl.timer)
	delete(c.inflight, fl.id)
}
