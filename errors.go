package deribit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/deribit-go/internal/jsonrpc"
)

// Kind classifies every error the client surfaces.
type Kind string

const (
	KindTransport            Kind = "transport"
	KindTimeout              Kind = "timeout"
	KindRateLimited          Kind = "rate_limited"
	KindAuth                 Kind = "auth"
	KindValidation           Kind = "validation"
	KindSystem               Kind = "system"
	KindOrder                Kind = "order"
	KindSubscription         Kind = "subscription"
	KindMissingAPIKey        Kind = "missing_api_key"
	KindMissingAPISecret     Kind = "missing_api_secret"
	KindResubscriptionFailed Kind = "resubscription_failed"
	KindInvalidResponse      Kind = "invalid_response"
	KindConnectionClosed     Kind = "connection_closed"
	KindCancelled            Kind = "cancelled"
	KindBootstrap            Kind = "bootstrap"
	KindUnknown              Kind = "unknown"
)

// Error is the client's error surface. Server-originated errors carry the
// JSON-RPC code and message; rate-limit rejections carry RetryAfter;
// bootstrap failures carry the failing step.
type Error struct {
	Kind       Kind
	Method     string
	Code       int
	Message    string
	Data       json.RawMessage
	RetryAfter time.Duration
	Step       int
	Channels   []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deribit: %s", e.Kind)
	if e.Method != "" {
		fmt.Fprintf(&b, " (%s)", e.Method)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Step != 0 {
		fmt.Fprintf(&b, " step=%d", e.Step)
	}
	if len(e.Channels) > 0 {
		fmt.Fprintf(&b, " channels=%v", e.Channels)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a client Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}

// kindFromCategory maps the wire error taxonomy onto error kinds.
func kindFromCategory(cat jsonrpc.Category) Kind {
	switch cat {
	case jsonrpc.CategoryAuth:
		return KindAuth
	case jsonrpc.CategoryRateLimit:
		return KindRateLimited
	case jsonrpc.CategoryValidation:
		return KindValidation
	case jsonrpc.CategorySystem:
		return KindSystem
	case jsonrpc.CategoryOrder:
		return KindOrder
	case jsonrpc.CategorySubscription:
		return KindSubscription
	default:
		return KindUnknown
	}
}

// errorFromRPC builds the caller-visible error for a server error response.
func errorFromRPC(method string, rpcErr *jsonrpc.RPCError) *Error {
	return &Error{
		Kind:    kindFromCategory(jsonrpc.Classify(rpcErr.Code)),
		Method:  method,
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
		Data:    rpcErr.Data,
	}
}
