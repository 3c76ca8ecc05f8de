// Package scheduler promotes due scheduled campaigns to running and hands
// them to a dispatch launcher.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"campaigner/internal/dispatch"
	"campaigner/internal/domain"
	"campaigner/internal/observability"
	"campaigner/internal/store"
	"campaigner/internal/util"
)

const DefaultInterval = time.Minute

type Scheduler struct {
	store    store.CampaignStore
	launcher dispatch.Launcher
	clock    util.Clock
	interval time.Duration

	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
	mu       sync.RWMutex

	lastRunAt time.Time
	runsCount int64
	promoted  int64

	// running campaigns whose run found the pool full, retried every tick
	deferred []string
}

func New(s store.CampaignStore, launcher dispatch.Launcher, clock util.Clock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Scheduler{store: s, launcher: launcher, clock: clock, interval: interval}
}

// Start ticks once immediately and then every interval until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Warn("scheduler already running")
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	slog.Info("scheduler starting", "interval", s.interval.String())
	go s.run(ctx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneChan)

	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

// Stop signals the loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopChan, doneChan := s.stopChan, s.doneChan
	s.mu.Unlock()

	close(stopChan)
	<-doneChan
	slog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

type Status struct {
	Running   bool          `json:"running"`
	LastRunAt time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt time.Time     `json:"nextRunAt,omitempty"`
	RunsCount int64         `json:"runsCount"`
	Promoted  int64         `json:"promoted"`
	Deferred  int           `json:"deferred"`
	Interval  time.Duration `json:"interval"`
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Running:   s.running,
		LastRunAt: s.lastRunAt,
		RunsCount: s.runsCount,
		Promoted:  s.promoted,
		Deferred:  len(s.deferred),
		Interval:  s.interval,
	}
	if s.running && !s.lastRunAt.IsZero() {
		st.NextRunAt = s.lastRunAt.Add(s.interval)
	}
	return st
}

// Submit launches a run for a campaign that is already running. When the
// pool is full the campaign stays running and is retried on the next ticks.
func (s *Scheduler) Submit(ctx context.Context, campaignID string) error {
	err := s.launcher.Submit(ctx, campaignID)
	if errors.Is(err, dispatch.ErrPoolFull) {
		s.deferRun(campaignID)
		return nil
	}
	return err
}

func (s *Scheduler) deferRun(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deferred {
		if d == id {
			return
		}
	}
	s.deferred = append(s.deferred, id)
	observability.Launches.WithLabelValues("scheduler", "deferred").Inc()
	slog.Warn("dispatch pool full, run deferred", "campaign_id", id)
}

// retryDeferred resubmits deferred runs in order and stops at the first one
// the pool still cannot take.
func (s *Scheduler) retryDeferred(ctx context.Context) {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for i, id := range pending {
		err := s.launcher.Submit(ctx, id)
		if errors.Is(err, dispatch.ErrPoolFull) {
			s.mu.Lock()
			s.deferred = append(append([]string(nil), pending[i:]...), s.deferred...)
			s.mu.Unlock()
			return
		}
		if err != nil {
			slog.Error("deferred launch failed", "campaign_id", id, "err", err)
		}
	}
}

// resumeAbandoned relaunches running campaigns whose worker stopped renewing
// the run lease, e.g. after a crash or a shutdown mid-run.
func (s *Scheduler) resumeAbandoned(ctx context.Context, now time.Time) {
	ids, err := s.store.FindAbandonedRuns(ctx, now)
	if err != nil {
		slog.Error("scheduler find abandoned runs failed", "err", err)
		return
	}
	for _, id := range ids {
		if err := s.Submit(ctx, id); err != nil {
			slog.Error("resume abandoned run failed", "campaign_id", id, "err", err)
			continue
		}
		slog.Info("abandoned run resumed", "campaign_id", id)
	}
}

// Tick retries deferred runs and resumes abandoned ones, then promotes every
// due scheduled campaign and launches its run. It returns the number of
// campaigns this tick promoted. A campaign promoted by a concurrent tick, or
// started by hand in the meantime, is skipped. Tick never waits for a pool
// slot.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastRunAt = now
	s.runsCount++
	s.mu.Unlock()
	observability.SchedulerTicks.Inc()

	s.retryDeferred(ctx)
	s.resumeAbandoned(ctx, now)

	ids, err := s.store.FindDueScheduled(ctx, now)
	if err != nil {
		slog.Error("scheduler find due campaigns failed", "err", err)
		return 0
	}

	promoted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_, err := s.store.AtomicUpdate(ctx, id, func(c *domain.Campaign) error {
			return c.Promote(now)
		})
		switch {
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNoChange), errors.Is(err, domain.ErrNotFound):
			observability.Promotions.WithLabelValues("lost").Inc()
			continue
		case err != nil:
			observability.Promotions.WithLabelValues("error").Inc()
			slog.Error("scheduler promote failed", "campaign_id", id, "err", err)
			continue
		}
		observability.Promotions.WithLabelValues("ok").Inc()
		observability.Transitions.WithLabelValues(string(domain.CampaignRunning)).Inc()
		promoted++
		slog.Info("scheduled campaign started", "campaign_id", id)

		if err := s.Submit(ctx, id); err != nil {
			slog.Error("scheduler launch failed, cancelling campaign", "campaign_id", id, "err", err)
			s.cancel(ctx, id)
		}
	}

	s.mu.Lock()
	s.promoted += int64(promoted)
	s.mu.Unlock()
	return promoted
}

// RecoverRunning resubmits campaigns that were left running, typically by a
// worker that shut down mid-run.
func (s *Scheduler) RecoverRunning(ctx context.Context) (int, error) {
	ids, err := s.store.FindRunning(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.Submit(ctx, id); err != nil {
			slog.Error("recover running campaign failed", "campaign_id", id, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("recovered running campaigns", "count", n)
	}
	return n, nil
}

func (s *Scheduler) cancel(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.store.AtomicUpdate(cctx, id, func(c *domain.Campaign) error {
		return c.Cancel(s.clock.Now())
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("cancel unlaunched campaign failed", "campaign_id", id, "err", err)
		return
	}
	observability.Transitions.WithLabelValues(string(domain.CampaignCancelled)).Inc()
}
