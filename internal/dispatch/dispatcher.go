// Package dispatch runs campaigns: it walks pending targets one at a time,
// paces provider calls, and persists every outcome as it happens.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"campaigner/internal/domain"
	"campaigner/internal/observability"
	"campaigner/internal/store"
	"campaigner/internal/util"
)

// MessageSender is the provider boundary. A per-target rejection is an
// unsuccessful SendResult; a returned error stops the whole run.
type MessageSender interface {
	IsValidDestination(destination string) bool
	Send(ctx context.Context, destination, body string) (domain.SendResult, error)
}

// Launcher starts a dispatch run somewhere: in this process or on a worker.
type Launcher interface {
	Submit(ctx context.Context, campaignID string) error
}

const (
	abortTimeout = 5 * time.Second

	// DefaultRunLease must outlast the slowest single target: pacing plus
	// every provider attempt.
	DefaultRunLease = 2 * time.Minute
)

type Dispatcher struct {
	Store  store.CampaignStore
	Sender MessageSender
	Clock  util.Clock

	// Pacing is the minimum gap between two provider sends of one run.
	Pacing time.Duration

	// TrackingBaseURL, when set, turns {link} into a click-tracking redirect.
	TrackingBaseURL string

	// Owner names this process in run leases. RunLease is renewed with every
	// recorded target; a run whose lease lapses may be taken over.
	Owner    string
	RunLease time.Duration
}

// Run dispatches every pending target of a running campaign. It returns nil
// when the campaign completes or is stopped by someone else (pause, cancel).
// Any loop-level failure cancels the campaign and is returned. On context
// cancellation the campaign is left running so RecoverRunning can resume it.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) error {
	err := d.run(ctx, campaignID)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		observability.Runs.WithLabelValues("interrupted").Inc()
		slog.Warn("dispatch run interrupted", "campaign_id", campaignID, "err", err)
		return ctx.Err()
	}
	d.abort(ctx, campaignID, err)
	return fmt.Errorf("dispatch campaign %s: %w", campaignID, err)
}

func (d *Dispatcher) run(ctx context.Context, campaignID string) error {
	if _, err := d.Store.LoadRunnable(ctx, campaignID); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.Info("campaign not runnable, skipping", "campaign_id", campaignID, "err", err)
			observability.Runs.WithLabelValues("skipped").Inc()
			return nil
		}
		return err
	}

	c, err := d.Store.AtomicUpdate(ctx, campaignID, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignRunning {
			return fmt.Errorf("%w: campaign is %s", domain.ErrConflict, c.Status)
		}
		return c.ClaimRun(d.owner(), d.now(), d.lease())
	})
	switch {
	case errors.Is(err, domain.ErrRunClaimed):
		slog.Info("campaign run owned by another worker, skipping", "campaign_id", campaignID, "err", err)
		observability.Runs.WithLabelValues("claimed").Inc()
		return nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		observability.Runs.WithLabelValues("skipped").Inc()
		return nil
	case err != nil:
		return fmt.Errorf("claim run: %w", err)
	}
	defer d.release(ctx, campaignID)

	pending := c.PendingTargetIDs()
	slog.Info("dispatch run started", "campaign_id", campaignID, "pending", len(pending))
	pacer := newPacer(d.Pacing)

	for _, targetID := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Reload at every target boundary so pause and cancel take effect
		// before the next send.
		cur, err := d.Store.Get(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		if cur.Status != domain.CampaignRunning {
			slog.Info("dispatch run stopped", "campaign_id", campaignID, "status", cur.Status)
			observability.Runs.WithLabelValues("stopped").Inc()
			return nil
		}
		if cur.RunOwner != d.owner() {
			slog.Warn("dispatch run taken over", "campaign_id", campaignID, "owner", cur.RunOwner)
			observability.Runs.WithLabelValues("taken_over").Inc()
			return nil
		}
		t, ok := cur.Target(targetID)
		if !ok || t.Status != domain.TargetPending {
			continue
		}

		if err := d.dispatchOne(ctx, cur, t, pacer); err != nil {
			return fmt.Errorf("target %s: %w", targetID, err)
		}
	}

	final, err := d.Store.AtomicUpdate(ctx, campaignID, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignRunning {
			return domain.ErrNoChange
		}
		return c.Complete(d.now())
	})
	switch {
	case errors.Is(err, domain.ErrNoChange):
		slog.Info("dispatch run stopped", "campaign_id", campaignID, "status", final.Status)
		observability.Runs.WithLabelValues("stopped").Inc()
		return nil
	case err != nil:
		return fmt.Errorf("complete: %w", err)
	}

	observability.Runs.WithLabelValues("completed").Inc()
	observability.Transitions.WithLabelValues(string(domain.CampaignCompleted)).Inc()
	slog.Info("campaign completed", "campaign_id", campaignID,
		"sent", final.Stats.Sent, "failed", final.Stats.Failed)
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c *domain.Campaign, t *domain.Target, pacer *rate.Limiter) error {
	if !d.Sender.IsValidDestination(t.Destination) {
		observability.TargetOutcomes.WithLabelValues("invalid").Inc()
		slog.Warn("invalid destination", "campaign_id", c.ID, "target_id", t.ID, "phone", t.PhoneNumber)
		return d.record(ctx, c.ID, func(c *domain.Campaign) error {
			return c.MarkTargetFailed(t.ID, domain.ReasonInvalidDestination, "", d.now())
		})
	}

	if err := pacer.Wait(ctx); err != nil {
		return err
	}

	res, err := d.Sender.Send(ctx, t.Destination, d.Render(c, t))
	if err != nil {
		return err
	}

	if !res.Success {
		observability.TargetOutcomes.WithLabelValues("failed").Inc()
		slog.Warn("send failed", "campaign_id", c.ID, "target_id", t.ID, "err", res.Error)
		return d.record(ctx, c.ID, func(c *domain.Campaign) error {
			return c.MarkTargetFailed(t.ID, domain.ReasonSendFailed, res.Error, d.now())
		})
	}
	observability.TargetOutcomes.WithLabelValues("sent").Inc()
	return d.record(ctx, c.ID, func(c *domain.Campaign) error {
		return c.MarkTargetSent(t.ID, res.ProviderID, d.now())
	})
}

// record persists one target outcome. It is not tied to ctx: a message the
// provider accepted is written down even if shutdown starts meanwhile.
func (d *Dispatcher) record(ctx context.Context, campaignID string, fn store.Mutation) error {
	_, err := d.Store.AtomicUpdate(context.WithoutCancel(ctx), campaignID, func(c *domain.Campaign) error {
		if err := fn(c); err != nil {
			return err
		}
		if c.RunOwner == d.owner() {
			return c.ClaimRun(d.owner(), d.now(), d.lease())
		}
		return nil
	})
	if errors.Is(err, domain.ErrNoChange) {
		return nil
	}
	return err
}

// release expires the run lease so another worker can pick the campaign up
// right away if it is still running.
func (d *Dispatcher) release(ctx context.Context, campaignID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	_, err := d.Store.AtomicUpdate(rctx, campaignID, func(c *domain.Campaign) error {
		return c.ReleaseRun(d.owner(), d.now())
	})
	if err != nil && !errors.Is(err, domain.ErrNoChange) && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("release run lease failed", "campaign_id", campaignID, "err", err)
	}
}

func (d *Dispatcher) abort(ctx context.Context, campaignID string, cause error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := d.Store.AtomicUpdate(actx, campaignID, func(c *domain.Campaign) error {
		return c.Cancel(d.now())
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("cancel campaign after dispatch failure failed", "campaign_id", campaignID, "err", err)
	}
	observability.Runs.WithLabelValues("cancelled").Inc()
	observability.Transitions.WithLabelValues(string(domain.CampaignCancelled)).Inc()
	slog.Error("campaign cancelled after dispatch failure", "campaign_id", campaignID, "err", cause)
}

// Render fills {name} and {link} for one target. Other placeholders are left as-is.
func (d *Dispatcher) Render(c *domain.Campaign, t *domain.Target) string {
	return util.RenderTemplate(c.MessageTemplate, map[string]string{
		"name": t.Name,
		"link": d.link(c, t),
	})
}

func (d *Dispatcher) link(c *domain.Campaign, t *domain.Target) string {
	if c.LandingPageURL == "" {
		return ""
	}
	if !c.TrackingEnabled || d.TrackingBaseURL == "" {
		return c.LandingPageURL
	}
	return strings.TrimRight(d.TrackingBaseURL, "/") + "/t/" + c.ID + "/" + t.ID
}

func (d *Dispatcher) owner() string {
	if d.Owner == "" {
		return "local"
	}
	return d.Owner
}

func (d *Dispatcher) lease() time.Duration {
	if d.RunLease <= 0 {
		return DefaultRunLease
	}
	return d.RunLease
}

func (d *Dispatcher) now() time.Time {
	if d.Clock == nil {
		return util.NowUTC()
	}
	return d.Clock.Now()
}

func newPacer(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}
