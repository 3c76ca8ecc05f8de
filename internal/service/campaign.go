package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"campaigner/internal/dispatch"
	"campaigner/internal/domain"
	"campaigner/internal/observability"
	"campaigner/internal/phone"
	"campaigner/internal/store"
	"campaigner/internal/util"
	"campaigner/internal/validate"
)

type Validator interface {
	Struct(s any) error
}

// CampaignService is the CRUD and lifecycle surface used by the HTTP API.
type CampaignService struct {
	Store     store.CampaignStore
	Launcher  dispatch.Launcher
	Validator Validator
	Clock     util.Clock

	// CountryCode is applied to local numbers when targets are created.
	CountryCode string
}

func (s *CampaignService) Create(ctx context.Context, req domain.CreateCampaignRequest) (*domain.Campaign, error) {
	if err := s.validator().Struct(req); err != nil {
		return nil, err
	}

	targets := make([]domain.Target, 0, len(req.Targets))
	for _, in := range req.Targets {
		raw := strings.TrimSpace(in.PhoneNumber)
		targets = append(targets, domain.Target{
			ID:          util.NewTargetID(),
			UserID:      in.UserID,
			Name:        strings.TrimSpace(in.Name),
			PhoneNumber: raw,
			Destination: phone.ToE164(raw, s.CountryCode),
		})
	}

	c, err := domain.NewCampaign(util.NewCampaignID(), req, targets, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.Store.Create(ctx, c); err != nil {
		return nil, err
	}
	slog.Info("campaign created", "campaign_id", c.ID, "organization_id", c.OrganizationID,
		"status", c.Status, "targets", len(c.Targets))
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, f domain.ListFilter) ([]*domain.Campaign, domain.Page, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, domain.Page{}, domain.NewValidationError("status", "unknown status "+string(f.Status))
	}
	f = store.NormalizeFilter(f)
	items, total, err := s.Store.List(ctx, f)
	if err != nil {
		return nil, domain.Page{}, err
	}
	return items, store.PageOf(f, total), nil
}

func (s *CampaignService) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.Store.Get(ctx, id)
}

func (s *CampaignService) Update(ctx context.Context, id string, req domain.UpdateCampaignRequest) (*domain.Campaign, error) {
	if err := s.validator().Struct(req); err != nil {
		return nil, err
	}
	return s.Store.AtomicUpdate(ctx, id, func(c *domain.Campaign) error {
		return c.ApplyUpdate(req, s.now())
	})
}

func (s *CampaignService) Delete(ctx context.Context, id string) error {
	if err := s.Store.Delete(ctx, id, (*domain.Campaign).CheckDeletable); err != nil {
		return err
	}
	slog.Info("campaign deleted", "campaign_id", id)
	return nil
}

// Start moves a draft or scheduled campaign to running and launches its
// dispatch run. The transition is the single point that authorizes a run.
func (s *CampaignService) Start(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.transition(ctx, id, domain.CampaignRunning, (*domain.Campaign).Start)
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, c)
}

func (s *CampaignService) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignPaused, (*domain.Campaign).Pause)
}

// Resume continues a paused campaign with its remaining pending targets.
func (s *CampaignService) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.transition(ctx, id, domain.CampaignRunning, (*domain.Campaign).Resume)
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, c)
}

func (s *CampaignService) Cancel(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignCancelled, (*domain.Campaign).Cancel)
}

func (s *CampaignService) Analytics(ctx context.Context, id string) (domain.Analytics, error) {
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Analytics{}, err
	}
	return c.Analytics(), nil
}

// RecordEngagement applies a clicked or reported signal to one target.
// Repeats are not an error; the counter moves once.
func (s *CampaignService) RecordEngagement(ctx context.Context, campaignID, targetID string, to domain.TargetStatus) (*domain.Campaign, error) {
	if to != domain.TargetClicked && to != domain.TargetReported {
		return nil, domain.NewValidationError("status", "must be clicked or reported")
	}
	c, err := s.Store.AtomicUpdate(ctx, campaignID, func(c *domain.Campaign) error {
		return c.AdvanceTarget(targetID, to, "", s.now())
	})
	if errors.Is(err, domain.ErrNoChange) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("target engagement recorded", "campaign_id", campaignID, "target_id", targetID, "status", to)
	return c, nil
}

func (s *CampaignService) transition(ctx context.Context, id string, to domain.CampaignStatus, fn func(*domain.Campaign, time.Time) error) (*domain.Campaign, error) {
	c, err := s.Store.AtomicUpdate(ctx, id, func(c *domain.Campaign) error {
		return fn(c, s.now())
	})
	if err != nil {
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(to)).Inc()
	slog.Info("campaign status changed", "campaign_id", id, "status", c.Status)
	return c, nil
}

// launch submits the run. If nobody can run it the campaign is cancelled
// rather than left running with no dispatcher behind it.
func (s *CampaignService) launch(ctx context.Context, c *domain.Campaign) (*domain.Campaign, error) {
	err := s.Launcher.Submit(ctx, c.ID)
	if err == nil {
		return c, nil
	}
	slog.Error("launch dispatch run failed", "campaign_id", c.ID, "err", err)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, cerr := s.Store.AtomicUpdate(cctx, c.ID, func(c *domain.Campaign) error {
		return c.Cancel(s.now())
	}); cerr != nil {
		slog.Error("cancel unlaunched campaign failed", "campaign_id", c.ID, "err", cerr)
	}
	return nil, fmt.Errorf("launch campaign %s: %w", c.ID, err)
}

func (s *CampaignService) validator() Validator {
	if s.Validator == nil {
		return validate.Default()
	}
	return s.Validator
}

func (s *CampaignService) now() time.Time {
	if s.Clock == nil {
		return util.NowUTC()
	}
	return s.Clock.Now()
}
