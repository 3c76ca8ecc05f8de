package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campaigner/internal/dedup"
	"campaigner/internal/domain"
	"campaigner/internal/observability"
	"campaigner/internal/phone"
	"campaigner/internal/store"
	"campaigner/internal/util"
)

type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type IngestResult string

const (
	IngestApplied   IngestResult = "applied"
	IngestIgnored   IngestResult = "ignored"
	IngestDuplicate IngestResult = "duplicate"
	IngestUnmatched IngestResult = "unmatched"
)

// DeliveryIngest applies provider status callbacks to targets. It runs
// concurrently with dispatch runs; every write goes through AtomicUpdate.
type DeliveryIngest struct {
	Store store.CampaignStore
	Dedup Deduper
	Clock util.Clock
}

// Apply resolves the callback to one target and applies the transition.
// Statuses that carry no state change, duplicates and callbacks that match
// nothing are acknowledged without error.
func (i *DeliveryIngest) Apply(ctx context.Context, cb domain.DeliveryCallback) (IngestResult, error) {
	observability.WebhookEvents.WithLabelValues(cb.MessageStatus).Inc()

	to, ok := domain.SignalStatus(cb.MessageStatus)
	if !ok {
		observability.WebhookApplied.WithLabelValues(string(IngestIgnored)).Inc()
		return IngestIgnored, nil
	}

	key := ""
	if cb.MessageSid != "" {
		key = dedup.CallbackKey(cb.MessageSid, cb.MessageStatus)
		claimed, err := i.dedup().Claim(ctx, key)
		switch {
		case err != nil:
			// the state machine still rejects repeats
			slog.Warn("callback dedup unavailable", "err", err, "provider_msg_id", cb.MessageSid)
			key = ""
		case !claimed:
			observability.Suppressed.WithLabelValues("duplicate_callback").Inc()
			observability.WebhookApplied.WithLabelValues(string(IngestDuplicate)).Inc()
			return IngestDuplicate, nil
		}
	}

	res, err := i.apply(ctx, cb, to)
	if key != "" && (err != nil || res == IngestUnmatched) {
		// a redelivery may still find its target once the send is recorded
		if rerr := i.dedup().Release(context.WithoutCancel(ctx), key); rerr != nil {
			slog.Warn("callback dedup release failed", "err", rerr, "provider_msg_id", cb.MessageSid)
		}
	}
	if err != nil {
		observability.WebhookApplied.WithLabelValues("error").Inc()
		return "", err
	}
	observability.WebhookApplied.WithLabelValues(string(res)).Inc()
	return res, nil
}

func (i *DeliveryIngest) apply(ctx context.Context, cb domain.DeliveryCallback, to domain.TargetStatus) (IngestResult, error) {
	// A provider message id pins the target. An id nobody carries yet stays
	// unmatched since its send may not be recorded yet. Only callbacks
	// without an id fall back to the destination address.
	sid := cb.MessageSid
	destination := ""
	var candidates []string
	var err error
	if sid != "" {
		candidates, err = i.Store.FindByProviderMessageID(ctx, sid)
	} else {
		destination = phone.Normalize(cb.To)
		candidates, err = i.Store.FindByDestination(ctx, destination)
	}
	if err != nil {
		return "", err
	}

	detail := failureDetail(cb)
	stale := false
	for _, id := range candidates {
		var targetID string
		_, err := i.Store.AtomicUpdate(ctx, id, func(c *domain.Campaign) error {
			t, ok := c.TargetForSignal(sid, destination, to)
			if !ok {
				return domain.ErrNoChange
			}
			targetID = t.ID
			return c.AdvanceTarget(t.ID, to, detail, i.now())
		})
		switch {
		case errors.Is(err, domain.ErrNoChange):
			// pinned by sid but already past this status
			stale = stale || (sid != "" && targetID != "")
			continue
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			return "", err
		}
		slog.Info("delivery status applied", "campaign_id", id, "target_id", targetID,
			"status", to, "provider_msg_id", cb.MessageSid)
		return IngestApplied, nil
	}

	if stale {
		return IngestIgnored, nil
	}
	observability.Suppressed.WithLabelValues("unmatched_callback").Inc()
	slog.Info("delivery status matched no target", "provider_msg_id", cb.MessageSid,
		"status", cb.MessageStatus, "candidates", len(candidates))
	return IngestUnmatched, nil
}

func failureDetail(cb domain.DeliveryCallback) string {
	switch {
	case cb.ErrorCode != "" && cb.ErrorMessage != "":
		return cb.ErrorCode + ": " + cb.ErrorMessage
	case cb.ErrorMessage != "":
		return cb.ErrorMessage
	case cb.ErrorCode != "":
		return "error code " + cb.ErrorCode
	}
	return ""
}

func (i *DeliveryIngest) dedup() Deduper {
	if i.Dedup == nil {
		return dedup.Nop{}
	}
	return i.Dedup
}

func (i *DeliveryIngest) now() time.Time {
	if i.Clock == nil {
		return util.NowUTC()
	}
	return i.Clock.Now()
}
