// Package scheduler drives background sync sweeps: a fixed interval timer,
// an immediate trigger channel, and a connectivity probe whose offline to
// online transitions trigger a sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/meetsync/internal/logging"
)

// Sweeper runs one sweep. Implementations are expected to be non-reentrant
// on their own; the scheduler never runs two sweeps concurrently itself.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Prober reports whether the remote is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // sweep cadence (default: 30 seconds)
	ProbeInterval time.Duration // connectivity probe cadence (default: 10 seconds)
	ProbeTimeout  time.Duration // per-probe deadline (default: 5 seconds)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  30 * time.Second,
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Scheduler manages background sweeps.
type Scheduler struct {
	sweeper       Sweeper
	prober        Prober
	clock         clock.Clock
	syncInterval  time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu            sync.RWMutex
	isRunning     bool
	isOnline      bool
	lastSweepTime time.Time
	listeners     []func(online bool)
}

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning     bool
	IsOnline      bool
	LastSweepTime *time.Time
}

// NewScheduler creates a new Scheduler. prober may be nil, in which case the
// scheduler stays in whatever online state SetOnlineStatus last set.
func NewScheduler(sweeper Sweeper, prober Prober, clk clock.Clock, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		sweeper:       sweeper,
		prober:        prober,
		clock:         clk,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		probeTimeout:  config.ProbeTimeout,
		triggerCh:     make(chan struct{}, 1),
		isOnline:      true, // Assume online until a probe says otherwise
	}
}

// OnConnectivityChange registers fn to be called on every online/offline
// transition. Register before Start.
func (s *Scheduler) OnConnectivityChange(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start starts the background loops. Tickers are created before Start
// returns, so a mock clock advanced afterwards always reaches them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	sweepTicker := s.clock.Ticker(s.syncInterval)
	s.wg.Add(1)
	go s.sweepLoop(ctx, sweepTicker, stopCh)

	if s.prober != nil {
		probeTicker := s.clock.Ticker(s.probeInterval)
		s.wg.Add(1)
		go s.probeLoop(ctx, probeTicker, stopCh)
	}

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"sync_interval":  s.syncInterval.String(),
			"probe_interval": s.probeInterval.String(),
		})
}

// Stop signals the loops to exit and waits for them. A sweep in progress
// finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// Trigger requests an immediate sweep. It never blocks: if a trigger is
// already pending the request is folded into it and false is returned.
func (s *Scheduler) Trigger() bool {
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// SetOnlineStatus records connectivity. A transition to online triggers
// a sweep.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	for _, fn := range listeners {
		fn(isOnline)
	}
	if isOnline {
		s.Trigger()
	}
}

// IsOnline returns the last known connectivity.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
	}
	if !s.lastSweepTime.IsZero() {
		t := s.lastSweepTime
		status.LastSweepTime = &t
	}
	return status
}

// sweepLoop runs sweeps on the interval and on trigger, one at a time.
func (s *Scheduler) sweepLoop(ctx context.Context, ticker *clock.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				logging.Debug("Skipping scheduled sweep - offline", nil)
				continue
			}
			s.runSweep(ctx)
		case <-s.triggerCh:
			s.runSweep(ctx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	s.sweeper.Sweep(ctx)

	s.mu.Lock()
	s.lastSweepTime = s.clock.Now()
	s.mu.Unlock()

	// Requests that arrived mid-sweep are dropped; the next tick picks up
	// anything they were meant for.
	select {
	case <-s.triggerCh:
	default:
	}
}

// probeLoop checks connectivity once at start and then on every tick.
func (s *Scheduler) probeLoop(ctx context.Context, ticker *clock.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	s.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	s.SetOnlineStatus(s.prober.Probe(probeCtx))
}
