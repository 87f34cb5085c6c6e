// Package session owns the authentication session chain: the records produced
// by initial auth, refresh, token exchange, token fork and logout, plus the
// refresh-deadline bookkeeping that drives proactive token renewal.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transition tags how a session came to be.
type Transition string

const (
	TransitionInitial  Transition = "initial"
	TransitionRefresh  Transition = "refresh"
	TransitionExchange Transition = "exchange"
	TransitionFork     Transition = "fork"
)

// Session is one authenticated context. A refresh mutates the current record
// in place; exchange and fork create a successor and deactivate the
// predecessor. SubjectID zero means no subaccount is bound.
type Session struct {
	ID           string
	PrevID       string
	CreatedAt    time.Time
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Transition   Transition
	SubjectID    int64
	SessionName  string
	Active       bool
}

// AuthResult is the parsed result payload of public/auth (and of the
// exchange/fork variants, which share its shape).
type AuthResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// ParseAuthResult decodes an auth-shaped RPC result.
func ParseAuthResult(raw json.RawMessage) (*AuthResult, error) {
	var res AuthResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode auth result: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("auth result missing access_token")
	}
	if res.ExpiresIn <= 0 {
		return nil, fmt.Errorf("auth result has non-positive expires_in %d", res.ExpiresIn)
	}
	return &res, nil
}

// Credential errors surfaced before any I/O happens.
var (
	ErrMissingAPIKey    = errors.New("missing api key")
	ErrMissingAPISecret = errors.New("missing api secret")
)

// Credentials is the client_credentials auth material. Key accepts either the
// api_key or client_id spelling; they are equivalent.
type Credentials struct {
	Key    string
	Secret string
}

// Validate checks that both halves are present.
func (c Credentials) Validate() error {
	if c.Key == "" {
		return ErrMissingAPIKey
	}
	if c.Secret == "" {
		return ErrMissingAPISecret
	}
	return nil
}

// AuthParams builds the public/auth params for the initial grant.
func (c Credentials) AuthParams() map[string]any {
	return map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.Key,
		"client_secret": c.Secret,
	}
}

func newID() string { return uuid.NewString() }
