package deribit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adred-codev/deribit-go/registry"
)

// OrderRequest describes a new order.
type OrderRequest struct {
	Instrument string
	Direction  registry.Direction
	Amount     float64
	// Type is the Deribit order type: limit, market, stop_limit, stop_market.
	// Empty defaults to limit.
	Type  string
	Price float64
	Label string
	// Extra is merged into the request params verbatim (post_only,
	// reduce_only, time_in_force, trigger, ...).
	Extra map[string]any
}

// OrderResult is the parsed order portion of a buy/sell/edit response.
type OrderResult struct {
	OrderID    string  `json:"order_id"`
	OrderState string  `json:"order_state"`
	Instrument string  `json:"instrument_name"`
	Direction  string  `json:"direction"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Label      string  `json:"label"`
}

type orderEnvelope struct {
	Order OrderResult `json:"order"`
}

// PlaceOrder submits a buy or sell and registers the resulting order against
// the active session.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var method string
	switch req.Direction {
	case registry.Buy:
		method = "private/buy"
	case registry.Sell:
		method = "private/sell"
	default:
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("unknown direction %q", req.Direction)}
	}
	if req.Instrument == "" {
		return nil, &Error{Kind: KindValidation, Message: "instrument is required"}
	}
	if req.Amount <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "amount must be positive"}
	}

	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Amount,
	}
	if req.Type != "" {
		params["type"] = req.Type
	}
	if req.Price > 0 {
		params["price"] = req.Price
	}
	if req.Label != "" {
		params["label"] = req.Label
	}
	for k, v := range req.Extra {
		params[k] = v
	}

	res, err := c.roundTrip(ctx, method, params, 0)
	if err != nil {
		return nil, err
	}
	var env orderEnvelope
	if err := json.Unmarshal(res, &env); err != nil || env.Order.OrderID == "" {
		return nil, &Error{Kind: KindInvalidResponse, Method: method, Err: err}
	}

	meta := map[string]any{"amount": env.Order.Amount, "price": env.Order.Price}
	if env.Order.Label != "" {
		meta["label"] = env.Order.Label
	}
	c.reg.RegisterOrder(env.Order.OrderID, env.Order.Instrument, req.Direction, env.Order.OrderState, meta)
	return &env.Order, nil
}

// CancelOrder cancels one order and updates its tracked status.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	if orderID == "" {
		return nil, &Error{Kind: KindValidation, Message: "order id is required"}
	}
	res, err := c.roundTrip(ctx, "private/cancel", map[string]any{"order_id": orderID}, 0)
	if err != nil {
		return nil, err
	}
	var order OrderResult
	if err := json.Unmarshal(res, &order); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Method: "private/cancel", Err: err}
	}
	if order.OrderState == "" {
		order.OrderState = "cancelled"
	}
	if _, err := c.reg.UpdateOrder(orderID, order.OrderState); err != nil {
		c.logger.Debug().Str("order_id", orderID).Msg("cancelled order was not tracked")
	}
	return &order, nil
}

// CancelAll cancels every resting order and marks the orders tracked for the
// current session cancelled. Tracked orders of earlier sessions keep their
// status.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	res, err := c.roundTrip(ctx, "private/cancel_all", map[string]any{}, 0)
	if err != nil {
		return 0, err
	}
	var count int
	if err := json.Unmarshal(res, &count); err != nil {
		return 0, &Error{Kind: KindInvalidResponse, Method: "private/cancel_all", Err: err}
	}
	if sess := c.sessions.Current(); sess != nil {
		for _, id := range c.reg.OrdersForSession(sess.ID) {
			c.reg.UpdateOrder(id, "cancelled")
		}
	}
	return count, nil
}
