package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOnce(t *testing.T) {
	local := int64(1_000_000)
	s := New(time.Minute, func(ctx context.Context) (int64, error) {
		local += 40 // the round trip takes 40ms of local time
		return 5_000_000, nil
	}, zerolog.Nop(), nil)
	s.SetNowMs(func() int64 { return local })

	s.SyncOnce(context.Background())

	info := s.SyncInfo()
	require.True(t, info.Synced)
	assert.Equal(t, int64(20), info.LatencyMs)
	// delta = (server - latency) - t0 = (5_000_000 - 20) - 1_000_000
	assert.Equal(t, int64(3_999_980), info.DeltaMs)
	assert.Equal(t, int64(1), info.SyncCount)
}

func TestRoundTripLaw(t *testing.T) {
	s := New(time.Minute, func(ctx context.Context) (int64, error) { return 0, nil }, zerolog.Nop(), nil)
	s.Seed(1000, 1060, 7_000_000)

	for _, x := range []int64{0, 1, -1, 42, 1_700_000_000_000, -9_999_999} {
		assert.Equal(t, x, s.ServerToLocal(s.LocalToServer(x)), "x=%d", x)
		assert.Equal(t, x, s.LocalToServer(s.ServerToLocal(x)), "x=%d", x)
	}
}

func TestFailureRetainsPreviousDelta(t *testing.T) {
	s := New(time.Minute, nil, zerolog.Nop(), nil)
	s.Seed(0, 0, 500)
	require.Equal(t, int64(500), s.Delta())

	s.getTime = func(ctx context.Context) (int64, error) { return 0, errors.New("transport down") }
	s.SyncOnce(context.Background())

	assert.Equal(t, int64(500), s.Delta())
	info := s.SyncInfo()
	assert.Equal(t, int64(1), info.FailCount)
	assert.True(t, info.Synced)
}

func TestServerTime(t *testing.T) {
	s := New(time.Minute, func(ctx context.Context) (int64, error) { return 0, nil }, zerolog.Nop(), nil)
	s.SetNowMs(func() int64 { return 100 })
	s.Seed(100, 100, 600)
	assert.Equal(t, int64(600), s.ServerTime())
}

func TestStartStop(t *testing.T) {
	calls := make(chan struct{}, 8)
	s := New(10*time.Millisecond, func(ctx context.Context) (int64, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return time.Now().UnixMilli(), nil
	}, zerolog.Nop(), nil)

	s.Start(context.Background())
	// Immediate tick plus at least one periodic tick.
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("sync tick did not fire")
		}
	}
	s.Stop()

	info := s.SyncInfo()
	assert.True(t, info.Synced)
	assert.GreaterOrEqual(t, info.SyncCount, int64(2))

	// Stop is idempotent and Start can be called again.
	s.Stop()
	s.Start(context.Background())
	s.Stop()
}
