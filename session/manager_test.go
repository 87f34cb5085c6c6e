package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authResult(expiresIn int64) *AuthResult {
	return &AuthResult{
		AccessToken:  "at-" + time.Now().Format("150405.000000000"),
		RefreshToken: "rt",
		ExpiresIn:    expiresIn,
		Scope:        "session:test",
	}
}

func newTestManager(t *testing.T) (*Manager, time.Time) {
	t.Helper()
	m := NewManager(DefaultRefreshThreshold, zerolog.Nop(), nil)
	base := time.Unix(1_700_000_000, 0)
	m.SetNow(func() time.Time { return base })
	return m, base
}

func TestParseAuthResult(t *testing.T) {
	res, err := ParseAuthResult(json.RawMessage(`{"access_token":"a","refresh_token":"r","expires_in":900,"scope":"s","token_type":"bearer"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", res.AccessToken)
	assert.Equal(t, int64(900), res.ExpiresIn)

	_, err = ParseAuthResult(json.RawMessage(`{"refresh_token":"r","expires_in":900}`))
	assert.Error(t, err)

	_, err = ParseAuthResult(json.RawMessage(`{"access_token":"a","expires_in":0}`))
	assert.Error(t, err)

	_, err = ParseAuthResult(json.RawMessage(`nope`))
	assert.Error(t, err)
}

func TestCredentialsValidate(t *testing.T) {
	assert.ErrorIs(t, Credentials{}.Validate(), ErrMissingAPIKey)
	assert.ErrorIs(t, Credentials{Key: "k"}.Validate(), ErrMissingAPISecret)
	assert.NoError(t, Credentials{Key: "k", Secret: "s"}.Validate())

	params := Credentials{Key: "k", Secret: "s"}.AuthParams()
	assert.Equal(t, "client_credentials", params["grant_type"])
	assert.Equal(t, "k", params["client_id"])
	assert.Equal(t, "s", params["client_secret"])
}

func TestClampRefreshThreshold(t *testing.T) {
	for _, c := range []struct {
		in    int
		want  int
		valid bool
	}{
		{1, 1, true},
		{899, 899, true},
		{180, 180, true},
		{0, 180, false},
		{900, 180, false},
		{-5, 180, false},
	} {
		got, ok := ClampRefreshThreshold(c.in)
		assert.Equal(t, c.want, got, "in=%d", c.in)
		assert.Equal(t, c.valid, ok, "in=%d", c.in)
	}
}

func TestApplyInitial(t *testing.T) {
	m, base := newTestManager(t)
	s := m.ApplyInitial(authResult(900))

	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.PrevID)
	assert.Equal(t, TransitionInitial, s.Transition)
	assert.True(t, s.Active)
	assert.Equal(t, base.Add(900*time.Second), s.ExpiresAt)
	assert.True(t, s.ExpiresAt.After(s.CreatedAt))

	deadline, ok := m.RefreshDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(720*time.Second), deadline)
}

func TestApplyRefreshKeepsID(t *testing.T) {
	m, base := newTestManager(t)
	s := m.ApplyInitial(authResult(900))
	id := s.ID

	later := base.Add(12 * time.Minute)
	m.SetNow(func() time.Time { return later })
	refreshed := m.ApplyRefresh(&AuthResult{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 900})

	require.NotNil(t, refreshed)
	assert.Equal(t, id, refreshed.ID)
	assert.Equal(t, TransitionRefresh, refreshed.Transition)
	assert.Equal(t, "a2", m.AccessToken())
	assert.Equal(t, "r2", m.RefreshToken())
	assert.Equal(t, later.Add(900*time.Second), refreshed.ExpiresAt)
	assert.Len(t, m.Chain(), 1)
}

func TestApplyExchange(t *testing.T) {
	m, _ := newTestManager(t)
	initial := m.ApplyInitial(authResult(900))
	exchanged := m.ApplyExchange(authResult(900), 10)

	assert.Equal(t, TransitionExchange, exchanged.Transition)
	assert.Equal(t, int64(10), exchanged.SubjectID)
	assert.Equal(t, initial.ID, exchanged.PrevID)
	assert.True(t, exchanged.Active)

	chain := m.Chain()
	require.Len(t, chain, 2)
	assert.False(t, chain[1].Active, "predecessor must be deactivated")

	// Exchanging again with the same subject creates another record; the
	// server owns idempotency of the grant.
	again := m.ApplyExchange(authResult(900), 10)
	assert.Equal(t, exchanged.ID, again.PrevID)
	assert.Len(t, m.Chain(), 3)
}

func TestApplyForkInheritsSubject(t *testing.T) {
	m, _ := newTestManager(t)
	m.ApplyInitial(authResult(900))
	m.ApplyExchange(authResult(900), 7)
	forked := m.ApplyFork(authResult(900), "hedger")

	assert.Equal(t, TransitionFork, forked.Transition)
	assert.Equal(t, "hedger", forked.SessionName)
	assert.Equal(t, int64(7), forked.SubjectID)
}

// At most one session is active and prev ids chain back to the initial record.
func TestSingleActiveAndWellFoundedChain(t *testing.T) {
	m, _ := newTestManager(t)
	m.ApplyInitial(authResult(900))
	m.ApplyExchange(authResult(900), 3)
	m.ApplyFork(authResult(900), "named")

	chain := m.Chain()
	active := 0
	for _, s := range chain {
		if s.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)

	byID := make(map[string]*Session, len(chain))
	for _, s := range chain {
		byID[s.ID] = s
	}
	cur := chain[0]
	hops := 0
	for cur.PrevID != "" {
		cur = byID[cur.PrevID]
		require.NotNil(t, cur)
		hops++
	}
	assert.Equal(t, TransitionInitial, cur.Transition)
	assert.Equal(t, 2, hops)
}

func TestInvalidate(t *testing.T) {
	m, _ := newTestManager(t)
	m.ApplyInitial(authResult(900))
	m.Invalidate()

	assert.Nil(t, m.Current())
	assert.Empty(t, m.AccessToken())
	_, ok := m.RefreshDeadline()
	assert.False(t, ok)

	chain := m.Chain()
	require.Len(t, chain, 1)
	assert.False(t, chain[0].Active)
	assert.Empty(t, chain[0].AccessToken)
}

func TestApplyRefreshWithoutSession(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Nil(t, m.ApplyRefresh(authResult(900)))
}
