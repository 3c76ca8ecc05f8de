package domain

import (
	"fmt"
	"math"
	"time"
)

var campaignEdges = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning},
	CampaignScheduled: {CampaignRunning},
	CampaignRunning:   {CampaignCompleted, CampaignCancelled, CampaignPaused},
	CampaignPaused:    {CampaignRunning, CampaignCancelled},
}

func (s CampaignStatus) CanTransitionTo(to CampaignStatus) bool {
	for _, next := range campaignEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// NewCampaign builds a campaign in draft, or in scheduled when a future
// schedule date is supplied. Targets must already carry ids and destinations.
func NewCampaign(id string, req CreateCampaignRequest, targets []Target, now time.Time) (*Campaign, error) {
	if len(targets) == 0 {
		return nil, NewValidationError("targets", "at least one target is required")
	}
	c := &Campaign{
		ID:              id,
		OrganizationID:  req.OrganizationID,
		CreatedBy:       req.CreatedBy,
		Name:            req.Name,
		Description:     req.Description,
		MessageTemplate: req.MessageTemplate,
		LandingPageURL:  req.LandingPageURL,
		TrackingEnabled: true,
		Status:          CampaignDraft,
		Targets:         targets,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.TrackingEnabled != nil {
		c.TrackingEnabled = *req.TrackingEnabled
	}
	for i := range c.Targets {
		c.Targets[i].Status = TargetPending
	}
	if req.ScheduleDate != nil {
		if err := c.schedule(*req.ScheduleDate, now); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Campaign) schedule(at, now time.Time) error {
	if !at.After(now) {
		return NewValidationError("scheduleDate", "must be in the future")
	}
	at = at.UTC()
	c.ScheduleDate = &at
	if c.Status == CampaignDraft {
		return c.TransitionTo(CampaignScheduled, now)
	}
	return nil
}

// ApplyUpdate edits content and schedule. Only draft and scheduled campaigns
// can be edited.
func (c *Campaign) ApplyUpdate(req UpdateCampaignRequest, now time.Time) error {
	if !c.Status.Editable() {
		return fmt.Errorf("%w: cannot update campaign in status %s", ErrConflict, c.Status)
	}
	if req.ScheduleDate != nil {
		if err := c.schedule(*req.ScheduleDate, now); err != nil {
			return err
		}
	}
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.Description != nil {
		c.Description = *req.Description
	}
	if req.MessageTemplate != nil {
		c.MessageTemplate = *req.MessageTemplate
	}
	if req.LandingPageURL != nil {
		c.LandingPageURL = *req.LandingPageURL
	}
	c.UpdatedAt = now
	return nil
}

func (c *Campaign) CheckDeletable() error {
	if !c.Status.Editable() {
		return fmt.Errorf("%w: cannot delete campaign in status %s", ErrConflict, c.Status)
	}
	return nil
}

// TransitionTo moves the campaign along the lifecycle edge table and stamps
// the start/end dates that belong to the target state.
func (c *Campaign) TransitionTo(to CampaignStatus, now time.Time) error {
	if !c.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	from := c.Status
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case CampaignRunning:
		if from != CampaignPaused || c.StartDate == nil {
			c.StartDate = timePtr(now)
		}
	case CampaignCompleted, CampaignCancelled:
		c.EndDate = timePtr(now)
	}
	return nil
}

// Start is the explicit start request.
func (c *Campaign) Start(now time.Time) error {
	if !c.Status.Editable() {
		return fmt.Errorf("%w: cannot start campaign in status %s", ErrConflict, c.Status)
	}
	return c.TransitionTo(CampaignRunning, now)
}

// Promote is the scheduler path. It fails with ErrConflict when the campaign
// is no longer scheduled or not yet due, which is how a losing tick backs off.
func (c *Campaign) Promote(now time.Time) error {
	if c.Status != CampaignScheduled {
		return fmt.Errorf("%w: campaign is %s", ErrConflict, c.Status)
	}
	if c.ScheduleDate == nil || c.ScheduleDate.After(now) {
		return fmt.Errorf("%w: campaign is not due", ErrConflict)
	}
	return c.TransitionTo(CampaignRunning, now)
}

func (c *Campaign) Pause(now time.Time) error {
	if c.Status != CampaignRunning {
		return fmt.Errorf("%w: cannot pause campaign in status %s", ErrConflict, c.Status)
	}
	return c.TransitionTo(CampaignPaused, now)
}

func (c *Campaign) Resume(now time.Time) error {
	if c.Status != CampaignPaused {
		return fmt.Errorf("%w: cannot resume campaign in status %s", ErrConflict, c.Status)
	}
	return c.TransitionTo(CampaignRunning, now)
}

func (c *Campaign) Cancel(now time.Time) error {
	if c.Status != CampaignRunning && c.Status != CampaignPaused {
		return fmt.Errorf("%w: cannot cancel campaign in status %s", ErrConflict, c.Status)
	}
	return c.TransitionTo(CampaignCancelled, now)
}

func (c *Campaign) Complete(now time.Time) error {
	return c.TransitionTo(CampaignCompleted, now)
}

// ClaimRun takes or renews the run lease for owner. A lease held by someone
// else that has not expired yet returns ErrRunClaimed.
func (c *Campaign) ClaimRun(owner string, now time.Time, ttl time.Duration) error {
	if c.RunOwner != "" && c.RunOwner != owner && c.RunLeaseUntil != nil && c.RunLeaseUntil.After(now) {
		return fmt.Errorf("%w: held by %s", ErrRunClaimed, c.RunOwner)
	}
	c.RunOwner = owner
	c.RunLeaseUntil = timePtr(now.Add(ttl))
	return nil
}

// ReleaseRun expires owner's lease at now. The owner stays recorded, so a
// running campaign with an expired lease is visible as an abandoned run.
func (c *Campaign) ReleaseRun(owner string, now time.Time) error {
	if c.RunOwner != owner || c.RunLeaseUntil == nil || !c.RunLeaseUntil.After(now) {
		return ErrNoChange
	}
	c.RunLeaseUntil = timePtr(now)
	return nil
}

// RunAbandoned reports a running campaign whose last run lease has expired.
func (c *Campaign) RunAbandoned(now time.Time) bool {
	return c.Status == CampaignRunning && c.RunOwner != "" &&
		c.RunLeaseUntil != nil && !c.RunLeaseUntil.After(now)
}

func (c *Campaign) PendingTargetIDs() []string {
	var ids []string
	for _, t := range c.Targets {
		if t.Status == TargetPending {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Target returns a pointer into the target list so mutations stick.
func (c *Campaign) Target(id string) (*Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].ID == id {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

// TargetForSignal resolves a callback to a target. A provider message id
// only ever matches the target that carries it. Without one, the first
// already-sent target with an exact destination match that can take the
// signal as forward progress is returned.
func (c *Campaign) TargetForSignal(providerMsgID, destination string, to TargetStatus) (*Target, bool) {
	if providerMsgID != "" {
		for i := range c.Targets {
			if c.Targets[i].ProviderMessageID == providerMsgID {
				return &c.Targets[i], true
			}
		}
		return nil, false
	}
	if destination == "" {
		return nil, false
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Destination == destination && t.Status != TargetPending && t.Status.CanAdvanceTo(to) {
			return t, true
		}
	}
	return nil, false
}

// AdvanceTarget applies one forward step of the target state machine and
// bumps the matching counter. Anything that is not forward progress returns
// ErrNoChange and leaves the campaign untouched.
func (c *Campaign) AdvanceTarget(id string, to TargetStatus, detail string, now time.Time) error {
	t, ok := c.Target(id)
	if !ok {
		return fmt.Errorf("%w: target %s", ErrNotFound, id)
	}
	if !t.Status.CanAdvanceTo(to) {
		return ErrNoChange
	}
	t.Status = to
	at := timePtr(now)
	switch to {
	case TargetSent:
		t.SentAt = at
	case TargetDelivered:
		t.DeliveredAt = at
	case TargetRead:
		t.ReadAt = at
	case TargetClicked:
		t.ClickedAt = at
	case TargetReported:
		t.ReportedAt = at
	case TargetFailed:
		if t.FailureReason == "" {
			t.FailureReason = ReasonUndelivered
		}
		t.FailureDetail = detail
	}
	c.Stats.bump(to)
	c.UpdatedAt = now
	return nil
}

func (c *Campaign) MarkTargetSent(id, providerMsgID string, now time.Time) error {
	if err := c.AdvanceTarget(id, TargetSent, "", now); err != nil {
		return err
	}
	t, _ := c.Target(id)
	t.ProviderMessageID = providerMsgID
	return nil
}

func (c *Campaign) MarkTargetFailed(id, reason, detail string, now time.Time) error {
	t, ok := c.Target(id)
	if !ok {
		return fmt.Errorf("%w: target %s", ErrNotFound, id)
	}
	if !t.Status.CanAdvanceTo(TargetFailed) {
		return ErrNoChange
	}
	t.FailureReason = reason
	return c.AdvanceTarget(id, TargetFailed, detail, now)
}

func (c *Campaign) Analytics() Analytics {
	return Analytics{
		Stats:        c.Stats,
		TotalTargets: len(c.Targets),
		DeliveryRate: percentOf(c.Stats.Delivered, c.Stats.Sent),
		ReadRate:     percentOf(c.Stats.Read, c.Stats.Sent),
		ClickRate:    percentOf(c.Stats.Clicked, c.Stats.Sent),
		ReportRate:   percentOf(c.Stats.Reported, c.Stats.Sent),
	}
}

// Clone returns a deep copy; stores hand clones to mutations so a failed
// mutation never leaks into the stored record.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.Targets = make([]Target, len(c.Targets))
	copy(out.Targets, c.Targets)
	return &out
}

func (s *Stats) bump(to TargetStatus) {
	switch to {
	case TargetSent:
		s.Sent++
	case TargetDelivered:
		s.Delivered++
	case TargetRead:
		s.Read++
	case TargetClicked:
		s.Clicked++
	case TargetReported:
		s.Reported++
	case TargetFailed:
		s.Failed++
	}
}

func percentOf(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*100*100) / 100
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
