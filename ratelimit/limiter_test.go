package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration)  { c.t = c.t.Add(d) }

func newTestLimiter(mode Mode) (*Limiter, *fakeClock) {
	l := New(mode, zerolog.Nop(), nil)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.SetNow(clk.now)
	return l, clk
}

func TestClassifyMethod(t *testing.T) {
	cases := []struct {
		method string
		want   OpKind
	}{
		{"public/auth", OpAuth},
		{"public/exchange_token", OpAuth},
		{"public/fork_token", OpAuth},
		{"public/subscribe", OpSubscription},
		{"private/unsubscribe", OpSubscription},
		{"private/cancel_all", OpCancel},
		{"private/buy_order", OpOrder},
		{"private/get_order_state", OpOrder},
		{"public/get_time", OpQuery},
		{"public/status", OpQuery},
		{"public/test", OpHighPriority},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyMethod(c.method), c.method)
	}
}

func TestCosts(t *testing.T) {
	assert.Equal(t, 5, Cost(OpSubscription))
	assert.Equal(t, 10, Cost(OpAuth))
	assert.Equal(t, 1, Cost(OpQuery))
	assert.Equal(t, 10, Cost(OpOrder))
	assert.Equal(t, 3, Cost(OpCancel))
	assert.Equal(t, 0, Cost(OpHighPriority))
}

func TestModePresets(t *testing.T) {
	for _, c := range []struct {
		mode     Mode
		capacity int
		rate     int
	}{
		{ModeCautious, 60, 5},
		{ModeNormal, 120, 10},
		{ModeAggressive, 200, 15},
	} {
		l, _ := newTestLimiter(c.mode)
		s := l.State()
		assert.Equal(t, c.capacity, s.Capacity, string(c.mode))
		assert.Equal(t, c.rate, s.RefillRate, string(c.mode))
		assert.Equal(t, c.capacity, s.Tokens, string(c.mode))
	}
}

func TestHighPriorityBypassesAdmission(t *testing.T) {
	l, _ := newTestLimiter(ModeCautious)
	for i := 0; i < 1000; i++ {
		res := l.Admit("public/test")
		require.Equal(t, Allow, res.Decision)
	}
	assert.Equal(t, 60, l.State().Tokens)
}

// Fresh normal bucket holds 120 tokens; subscription ops cost 5, so exactly 24
// are admitted before the bucket runs dry.
func TestBucketExhaustionAndBackoffOn429(t *testing.T) {
	l, _ := newTestLimiter(ModeNormal)

	for i := 0; i < 24; i++ {
		res := l.Admit("public/subscribe")
		require.Equal(t, Allow, res.Decision, "request %d", i+1)
	}
	res := l.Admit("public/subscribe")
	require.Equal(t, Reject, res.Decision)
	assert.Equal(t, time.Second, res.RetryAfter)

	l.Observe429()
	s := l.State()
	assert.Equal(t, 108, s.Capacity)
	assert.Equal(t, 9, s.RefillRate)
	assert.Equal(t, 0, s.Tokens)
	assert.GreaterOrEqual(t, s.BackoffMultiplier, 1.5)
}

func TestBackoffMultiplierCapped(t *testing.T) {
	l, _ := newTestLimiter(ModeNormal)
	for i := 0; i < 20; i++ {
		l.Observe429()
	}
	s := l.State()
	assert.LessOrEqual(t, s.BackoffMultiplier, 10.0)
	assert.GreaterOrEqual(t, s.Capacity, 1)
	assert.GreaterOrEqual(t, s.RefillRate, 1)
}

func TestRejectDelayScalesWithBackoff(t *testing.T) {
	l, _ := newTestLimiter(ModeNormal)
	l.Observe429()

	res := l.Admit("private/buy_order")
	require.Equal(t, Reject, res.Decision)
	assert.Equal(t, 1500*time.Millisecond, res.RetryAfter)
}

func TestRefill(t *testing.T) {
	l, clk := newTestLimiter(ModeNormal)
	for i := 0; i < 24; i++ {
		require.Equal(t, Allow, l.Admit("public/subscribe").Decision)
	}
	require.Equal(t, 0, l.State().Tokens)

	clk.advance(2 * time.Second)
	res := l.Admit("public/get_time")
	require.Equal(t, Allow, res.Decision)
	// 2 intervals x 10 tokens, minus the query cost.
	assert.Equal(t, 19, l.State().Tokens)
}

func TestRefillSaturatesAtCapacity(t *testing.T) {
	l, clk := newTestLimiter(ModeNormal)
	require.Equal(t, Allow, l.Admit("public/get_time").Decision)

	clk.advance(time.Hour)
	require.Equal(t, Allow, l.Admit("public/get_time").Decision)
	assert.Equal(t, 119, l.State().Tokens)
}

func TestRecoveryRestoresCapacity(t *testing.T) {
	l, clk := newTestLimiter(ModeNormal)
	l.Observe429()
	require.Equal(t, 108, l.State().Capacity)

	// Each recovery interval grows capacity by floor(120 * 0.05) = 6.
	clk.advance(5 * time.Second)
	l.Admit("public/get_time")
	assert.Equal(t, 114, l.State().Capacity)

	clk.advance(5 * time.Second)
	l.Admit("public/get_time")
	assert.Equal(t, 120, l.State().Capacity)

	// Capped at the original.
	clk.advance(5 * time.Second)
	l.Admit("public/get_time")
	assert.Equal(t, 120, l.State().Capacity)
	assert.Equal(t, 10, l.State().RefillRate)
}

func TestBackoffResetsAfterQuietPeriod(t *testing.T) {
	l, clk := newTestLimiter(ModeNormal)
	l.Observe429()
	require.Greater(t, l.State().BackoffMultiplier, 1.0)

	clk.advance(61 * time.Second)
	l.Admit("public/get_time")
	assert.Equal(t, 1.0, l.State().BackoffMultiplier)
}

// Invariants: 0 <= tokens <= capacity <= original capacity and
// 1.0 <= multiplier <= max, across a mixed workload.
func TestInvariantsUnderMixedLoad(t *testing.T) {
	l, clk := newTestLimiter(ModeCautious)
	methods := []string{
		"public/subscribe", "private/buy_order", "private/cancel_all",
		"public/get_time", "public/auth", "public/test",
	}
	for i := 0; i < 500; i++ {
		l.Admit(methods[i%len(methods)])
		if i%37 == 0 {
			l.Observe429()
		}
		if i%11 == 0 {
			clk.advance(700 * time.Millisecond)
		}
		s := l.State()
		require.GreaterOrEqual(t, s.Tokens, 0)
		require.LessOrEqual(t, s.Tokens, s.Capacity)
		require.LessOrEqual(t, s.Capacity, s.OriginalCapacity)
		require.GreaterOrEqual(t, s.BackoffMultiplier, 1.0)
		require.LessOrEqual(t, s.BackoffMultiplier, 10.0)
	}
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeCautious))
	assert.True(t, ValidMode(ModeNormal))
	assert.True(t, ValidMode(ModeAggressive))
	assert.False(t, ValidMode(Mode("turbo")))
}
