// Package heartbeat periodically probes idle conversation sessions so the
// agent can surface anything that happened while the user was away. Probes
// are backpressured against user-initiated runs and never count as session
// activity.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warelaydev/warelay/internal/metrics"
	"github.com/warelaydev/warelay/internal/process"
	"github.com/warelaydev/warelay/internal/reply"
	"github.com/warelaydev/warelay/internal/session"
)

// Prober runs one heartbeat turn against the session stored under key.
type Prober interface {
	Probe(ctx context.Context, key string) ([]reply.Payload, *reply.Meta)
}

// DispatchFunc delivers heartbeat payloads to the chat behind key.
type DispatchFunc func(ctx context.Context, key string, payloads []reply.Payload) error

// Config shapes the scheduler.
type Config struct {
	// Interval between ticks; zero disables the scheduler entirely.
	Interval time.Duration
	// IdleWindow is how long a session must be quiet before it is probed.
	IdleWindow time.Duration
}

// Scheduler drives periodic heartbeat probes over all live sessions.
type Scheduler struct {
	cfg      Config
	store    *session.Store
	queue    *process.Queue
	prober   Prober
	dispatch DispatchFunc
	logger   *slog.Logger

	nowFunc func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler builds a scheduler; it does nothing until Start.
func NewScheduler(cfg Config, store *session.Store, queue *process.Queue, prober Prober, dispatch DispatchFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		prober:   prober,
		dispatch: dispatch,
		logger:   logger.With("component", "heartbeat"),
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

// Start launches the tick loop. A zero interval disables the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.logger.Debug("heartbeat disabled")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("heartbeat started",
		"interval", s.cfg.Interval.String(),
		"idle_window", s.cfg.IdleWindow.String())

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			close(s.doneCh)
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()
	<-doneCh
}

// Tick probes every session idle beyond the window. Exported so tests and a
// manual trigger can fire a cycle without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.nowFunc()

	for key, sess := range s.store.Snapshot() {
		if now.Sub(sess.UpdatedAt) <= s.cfg.IdleWindow {
			continue
		}
		// A user-initiated run (or another probe) owns the lane; let it.
		if s.queue.Busy() {
			s.logger.Debug("queue busy, skipping heartbeat probe", "key", key)
			continue
		}

		metrics.HeartbeatProbes.Inc()
		payloads, _ := s.prober.Probe(ctx, key)
		if len(payloads) == 0 {
			continue
		}
		if s.dispatch == nil {
			continue
		}
		if err := s.dispatch(ctx, key, payloads); err != nil {
			s.logger.Error("heartbeat dispatch failed", "key", key, "error", err)
		}
	}
}
