// Package deribit maintains a persistent, authenticated JSON-RPC session with
// the Deribit WebSocket API. A Client owns one connection and hides the
// machinery behind it: the session/token state machine, the adaptive
// rate limiter, request/response correlation with per-method timeouts,
// automatic reconnection with resubscription, and server clock
// synchronization.
//
// Typical use:
//
//	cfg, _ := deribit.LoadConfig(logger)
//	client := deribit.New(cfg, logger)
//	if err := client.Connect(ctx); err != nil { ... }
//	var res json.RawMessage
//	res, err := client.Call(ctx, "public/get_index_price", map[string]any{"index_name": "btc_usd"})
//	_ = client.Subscribe(ctx, "ticker.BTC-PERPETUAL.100ms", nil)
//	for n := range client.Notifications() { ... }
package deribit

// Default endpoint and client identification.
const (
	DefaultHost = "test.deribit.com"
	DefaultPort = 443
	DefaultPath = "/ws/api/v2"

	DefaultClientName    = "market_maker"
	DefaultClientVersion = "1.0.0"
)

// ConnectionState is the connection lifecycle.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "disconnected"
	StateConnecting     ConnectionState = "connecting"
	StateConnected      ConnectionState = "connected"
	StateAuthenticating ConnectionState = "authenticating"
	StateAuthenticated  ConnectionState = "authenticated"
	StateReconnecting   ConnectionState = "reconnecting"
	StateClosed         ConnectionState = "closed"
)
