// Package timesync maintains a bounded-error estimate of the server-clock
// offset by periodically measuring public/get_time round trips.
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval between sync measurements.
const DefaultInterval = 300 * time.Second

// GetTimeFunc issues public/get_time and returns the server time in ms.
type GetTimeFunc func(ctx context.Context) (int64, error)

// Info is a snapshot of the sync state.
type Info struct {
	Synced      bool
	DeltaMs     int64
	LatencyMs   int64
	LastSyncAt  time.Time
	Interval    time.Duration
	SyncCount   int64
	FailCount   int64
}

// Service measures and serves the local/server clock offset. One instance per
// connection.
type Service struct {
	mu sync.Mutex

	delta     int64 // server minus local, ms
	latency   int64
	synced    bool
	lastSync  time.Time
	syncCount int64
	failCount int64

	interval time.Duration
	getTime  GetTimeFunc
	nowMs    func() int64

	cancel context.CancelFunc
	done   chan struct{}

	logger zerolog.Logger
	emit   func(category string, fields map[string]any)
}

// New creates a stopped service. interval <= 0 selects the default. emit may
// be nil.
func New(interval time.Duration, getTime GetTimeFunc, logger zerolog.Logger, emit func(string, map[string]any)) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		interval: interval,
		getTime:  getTime,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		logger:   logger.With().Str("component", "timesync").Logger(),
		emit:     emit,
	}
}

// SetNowMs overrides the local clock source. Test hook.
func (s *Service) SetNowMs(nowMs func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowMs = nowMs
}

// Start launches the periodic loop with an immediate first measurement.
// Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.event("start", map[string]any{"interval_ms": s.interval.Milliseconds()})

	go func() {
		defer close(done)
		s.SyncOnce(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SyncOnce(ctx)
			}
		}
	}()
}

// Stop halts the periodic loop. The last delta is retained.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.event("stop", nil)
	}
}

// SyncOnce performs a single measurement. A failure keeps the previous delta.
func (s *Service) SyncOnce(ctx context.Context) {
	s.mu.Lock()
	nowMs := s.nowMs
	s.mu.Unlock()

	t0 := nowMs()
	serverT, err := s.getTime(ctx)
	t1 := nowMs()
	if err != nil {
		s.mu.Lock()
		s.failCount++
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("time sync failed, keeping previous offset")
		s.event("failure", map[string]any{"error": err.Error()})
		return
	}

	latency := (t1 - t0) / 2
	delta := (serverT - latency) - t0

	s.mu.Lock()
	s.delta = delta
	s.latency = latency
	s.synced = true
	s.lastSync = time.Now()
	s.syncCount++
	s.mu.Unlock()

	s.event("success", map[string]any{
		"delta_ms":   delta,
		"latency_ms": latency,
	})
}

// Seed installs an offset measured outside the loop (bootstrap's get_time).
func (s *Service) Seed(t0, t1, serverT int64) {
	latency := (t1 - t0) / 2
	s.mu.Lock()
	s.delta = (serverT - latency) - t0
	s.latency = latency
	s.synced = true
	s.lastSync = time.Now()
	s.mu.Unlock()
}

// Delta returns the current server-minus-local offset in ms.
func (s *Service) Delta() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delta
}

// ServerTime estimates the current server clock in ms.
func (s *Service) ServerTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowMs() + s.delta
}

// LocalToServer converts a local ms timestamp to server time.
func (s *Service) LocalToServer(localMs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return localMs + s.delta
}

// ServerToLocal converts a server ms timestamp to local time.
func (s *Service) ServerToLocal(serverMs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return serverMs - s.delta
}

// SyncInfo returns a snapshot of the sync state.
func (s *Service) SyncInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Synced:     s.synced,
		DeltaMs:    s.delta,
		LatencyMs:  s.latency,
		LastSyncAt: s.lastSync,
		Interval:   s.interval,
		SyncCount:  s.syncCount,
		FailCount:  s.failCount,
	}
}

func (s *Service) event(category string, fields map[string]any) {
	if s.emit != nil {
		s.emit("time_sync."+category, fields)
	}
}
