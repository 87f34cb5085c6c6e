package telemetry

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample holds one resource measurement of this process.
type ProcessSample struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	Timestamp  time.Time
}

// ProcessSampler periodically measures this process's CPU and memory and
// publishes the readings to the Prometheus gauges. One instance per process.
type ProcessSampler struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	sample ProcessSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessSampler creates a stopped sampler. interval <= 0 selects 15s.
func NewProcessSampler(interval time.Duration, logger zerolog.Logger) (*ProcessSampler, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{
		proc:     proc,
		interval: interval,
		logger:   logger.With().Str("component", "process_sampler").Logger(),
	}, nil
}

// Start launches the sampling loop.
func (ps *ProcessSampler) Start(ctx context.Context) {
	ctx, ps.cancel = context.WithCancel(ctx)
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		ticker := time.NewTicker(ps.interval)
		defer ticker.Stop()
		ps.update()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps.update()
			}
		}
	}()
}

// Stop halts the sampling loop.
func (ps *ProcessSampler) Stop() {
	if ps.cancel != nil {
		ps.cancel()
		ps.wg.Wait()
	}
}

// Latest returns the most recent sample.
func (ps *ProcessSampler) Latest() ProcessSample {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.sample
}

func (ps *ProcessSampler) update() {
	cpuPercent, err := ps.proc.CPUPercent()
	if err != nil {
		ps.logger.Debug().Err(err).Msg("cpu sample failed")
		return
	}
	var memMB float64
	if mem, err := ps.proc.MemoryInfo(); err == nil {
		memMB = float64(mem.RSS) / (1024 * 1024)
	}

	sample := ProcessSample{
		CPUPercent: cpuPercent,
		MemoryMB:   memMB,
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	ps.mu.Lock()
	ps.sample = sample
	ps.mu.Unlock()

	SetProcessUsage(cpuPercent, memMB)
}
