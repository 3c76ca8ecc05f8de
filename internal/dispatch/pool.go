package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"campaigner/internal/observability"
)

var (
	ErrPoolClosed = errors.New("dispatch pool closed")
	ErrPoolFull   = errors.New("dispatch pool queue full")
)

type Runner interface {
	Run(ctx context.Context, campaignID string) error
}

// Pool runs dispatches on a fixed set of workers. At most one run per
// campaign is queued or executing at any time; a Submit that lands while a
// run is active makes that worker run the campaign once more afterwards, so
// a resume racing with a stopping run is never lost.
type Pool struct {
	runner Runner
	jobs   chan string
	stop   chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.Mutex
	inflight map[string]bool // value: rerun requested
	closed   bool
	wg       sync.WaitGroup
}

func NewPool(runner Runner, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:    runner,
		jobs:      make(chan string, queueSize),
		stop:      make(chan struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
		inflight:  map[string]bool{},
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues a run without waiting for a free slot. Submits for a
// campaign that already has a queued or executing run are coalesced into a
// single follow-up run. A full queue returns ErrPoolFull.
func (p *Pool) Submit(ctx context.Context, campaignID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, busy := p.inflight[campaignID]; busy {
		p.inflight[campaignID] = true
		p.mu.Unlock()
		observability.Suppressed.WithLabelValues("duplicate_run").Inc()
		return nil
	}

	// the send happens under mu so Close cannot slip in between
	select {
	case p.jobs <- campaignID:
		p.inflight[campaignID] = false
		p.mu.Unlock()
		observability.Launches.WithLabelValues("pool", "ok").Inc()
		return nil
	default:
		p.mu.Unlock()
		observability.Launches.WithLabelValues("pool", "full").Inc()
		return ErrPoolFull
	}
}

// Close stops intake and waits for executing runs. When ctx expires first the
// runs are cancelled, which leaves their campaigns running for recovery.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelRun()
		return nil
	case <-ctx.Done():
		p.cancelRun()
		<-done
		return fmt.Errorf("dispatch pool drain: %w", ctx.Err())
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case id := <-p.jobs:
			p.runOnce(id)
			for p.rerun(id) {
				p.runOnce(id)
			}
		}
	}
}

// rerun consumes a pending rerun request, or releases the campaign.
func (p *Pool) rerun(campaignID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[campaignID] && !p.closed {
		p.inflight[campaignID] = false
		return true
	}
	delete(p.inflight, campaignID)
	return false
}

func (p *Pool) runOnce(campaignID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch run panicked", "campaign_id", campaignID, "panic", r)
			observability.Runs.WithLabelValues("panic").Inc()
		}
	}()

	observability.InFlightRuns.Inc()
	defer observability.InFlightRuns.Dec()

	if err := p.runner.Run(p.runCtx, campaignID); err != nil {
		slog.Error("dispatch run failed", "campaign_id", campaignID, "err", err)
	}
}

func (p *Pool) release(campaignID string) {
	p.mu.Lock()
	delete(p.inflight, campaignID)
	p.mu.Unlock()
}
