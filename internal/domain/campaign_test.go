package domain

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCampaign(t *testing.T, schedule *time.Time, phones ...string) *Campaign {
	t.Helper()
	targets := make([]Target, 0, len(phones))
	for i, p := range phones {
		targets = append(targets, Target{ID: string(rune('a' + i)), PhoneNumber: p, Destination: p})
	}
	c, err := NewCampaign("cmp_1", CreateCampaignRequest{
		OrganizationID:  "org_1",
		CreatedBy:       "usr_1",
		Name:            "spring",
		MessageTemplate: "hello {name}",
		ScheduleDate:    schedule,
	}, targets, t0)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	return c
}

func TestNewCampaignStatus(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	if c.Status != CampaignDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}
	if !c.TrackingEnabled {
		t.Fatalf("expected tracking enabled by default")
	}

	future := t0.Add(time.Hour)
	c = newTestCampaign(t, &future, "+923001234567")
	if c.Status != CampaignScheduled {
		t.Fatalf("expected scheduled, got %s", c.Status)
	}

	past := t0.Add(-time.Hour)
	_, err := NewCampaign("cmp_2", CreateCampaignRequest{ScheduleDate: &past}, []Target{{ID: "a"}}, t0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := ve.Fields["scheduleDate"]; !ok {
		t.Fatalf("expected scheduleDate field error, got %v", ve.Fields)
	}
}

func TestStartOnlyFromDraftOrScheduled(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	if err := c.Start(t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Status != CampaignRunning || c.StartDate == nil {
		t.Fatalf("expected running with start date, got %s %v", c.Status, c.StartDate)
	}

	for _, st := range []CampaignStatus{CampaignRunning, CampaignCompleted, CampaignCancelled, CampaignPaused} {
		c.Status = st
		before := *c
		if err := c.Start(t0); !errors.Is(err, ErrConflict) {
			t.Fatalf("start from %s: expected conflict, got %v", st, err)
		}
		if c.Status != before.Status {
			t.Fatalf("status changed on failed start: %s -> %s", before.Status, c.Status)
		}
	}
}

func TestUpdateAndDeleteRequireEditable(t *testing.T) {
	name := "renamed"
	for _, st := range []CampaignStatus{CampaignRunning, CampaignCompleted, CampaignCancelled} {
		c := newTestCampaign(t, nil, "+923001234567")
		c.Status = st
		if err := c.ApplyUpdate(UpdateCampaignRequest{Name: &name}, t0); !errors.Is(err, ErrConflict) {
			t.Fatalf("update in %s: expected conflict, got %v", st, err)
		}
		if c.Name == name {
			t.Fatalf("name changed in %s", st)
		}
		if err := c.CheckDeletable(); !errors.Is(err, ErrConflict) {
			t.Fatalf("delete in %s: expected conflict, got %v", st, err)
		}
	}

	c := newTestCampaign(t, nil, "+923001234567")
	future := t0.Add(2 * time.Hour)
	if err := c.ApplyUpdate(UpdateCampaignRequest{Name: &name, ScheduleDate: &future}, t0); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if c.Name != name || c.Status != CampaignScheduled {
		t.Fatalf("unexpected campaign after update: %s %s", c.Name, c.Status)
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	c.Status = CampaignCompleted
	if err := c.TransitionTo(CampaignRunning, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	c.Status = CampaignCancelled
	if err := c.TransitionTo(CampaignDraft, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	c.Status = CampaignScheduled
	if err := c.TransitionTo(CampaignDraft, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("scheduled -> draft: expected invalid transition, got %v", err)
	}
}

func TestPromoteRequiresDueSchedule(t *testing.T) {
	future := t0.Add(time.Minute)
	c := newTestCampaign(t, &future, "+923001234567")

	if err := c.Promote(t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict before due, got %v", err)
	}
	if err := c.Promote(future); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := c.Promote(future); !errors.Is(err, ErrConflict) {
		t.Fatalf("second promote: expected conflict, got %v", err)
	}
}

func TestPauseResumeKeepsStartDate(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	_ = c.Start(t0)
	started := *c.StartDate

	if err := c.Pause(t0.Add(time.Minute)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := c.Resume(t0.Add(2 * time.Minute)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !c.StartDate.Equal(started) {
		t.Fatalf("start date moved on resume: %v -> %v", started, *c.StartDate)
	}
	if err := c.Cancel(t0.Add(3 * time.Minute)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.EndDate == nil {
		t.Fatalf("expected end date on cancel")
	}
}

func TestTargetForwardOnly(t *testing.T) {
	tests := []struct {
		from, to TargetStatus
		ok       bool
	}{
		{TargetPending, TargetSent, true},
		{TargetPending, TargetFailed, true},
		{TargetPending, TargetDelivered, false},
		{TargetSent, TargetDelivered, true},
		{TargetSent, TargetRead, true},
		{TargetSent, TargetFailed, true},
		{TargetDelivered, TargetRead, true},
		{TargetDelivered, TargetSent, false},
		{TargetDelivered, TargetFailed, false},
		{TargetRead, TargetDelivered, false},
		{TargetClicked, TargetReported, true},
		{TargetReported, TargetClicked, false},
		{TargetFailed, TargetSent, false},
		{TargetFailed, TargetFailed, false},
		{TargetSent, TargetSent, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestAdvanceTargetCountsOnce(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	id := c.Targets[0].ID

	if err := c.MarkTargetSent(id, "SM1", t0); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := c.AdvanceTarget(id, TargetDelivered, "", t0); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := c.AdvanceTarget(id, TargetDelivered, "", t0); !errors.Is(err, ErrNoChange) {
		t.Fatalf("duplicate deliver: expected no change, got %v", err)
	}
	if err := c.MarkTargetSent(id, "SM2", t0); !errors.Is(err, ErrNoChange) {
		t.Fatalf("late sent: expected no change, got %v", err)
	}
	if c.Stats.Sent != 1 || c.Stats.Delivered != 1 {
		t.Fatalf("unexpected stats: %+v", c.Stats)
	}
	if c.Targets[0].ProviderMessageID != "SM1" {
		t.Fatalf("provider id overwritten: %s", c.Targets[0].ProviderMessageID)
	}
}

func TestFailedAfterSentKeepsSentCount(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	id := c.Targets[0].ID
	_ = c.MarkTargetSent(id, "SM1", t0)

	if err := c.AdvanceTarget(id, TargetFailed, "carrier rejected", t0); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if c.Stats.Sent != 1 || c.Stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", c.Stats)
	}
	tg := c.Targets[0]
	if tg.FailureReason != ReasonUndelivered || tg.FailureDetail != "carrier rejected" {
		t.Fatalf("unexpected failure fields: %q %q", tg.FailureReason, tg.FailureDetail)
	}
}

func TestTargetForSignal(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567", "+923001234567")
	_ = c.MarkTargetSent(c.Targets[1].ID, "SM2", t0)

	tg, ok := c.TargetForSignal("", "+923001234567", TargetDelivered)
	if !ok || tg.ID != c.Targets[1].ID {
		t.Fatalf("expected the sent duplicate-destination target, got %+v", tg)
	}
	tg, ok = c.TargetForSignal("SM2", "", TargetRead)
	if !ok || tg.ID != c.Targets[1].ID {
		t.Fatalf("expected resolution by provider id, got %+v", tg)
	}
	if _, ok := c.TargetForSignal("SM404", "", TargetRead); ok {
		t.Fatalf("expected no match for unknown provider id")
	}
	if _, ok := c.TargetForSignal("SM404", "+923001234567", TargetDelivered); ok {
		t.Fatalf("unknown provider id must not fall back to the destination")
	}
	if _, ok := c.TargetForSignal("", "+923001234567", TargetDelivered); !ok {
		t.Fatalf("expected destination match")
	}
	if _, ok := c.TargetForSignal("", "923001234567", TargetDelivered); ok {
		t.Fatalf("expected exact destination match only")
	}
}

func TestAnalyticsRates(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567", "+923001234568", "+923001234569")
	if a := c.Analytics(); a.DeliveryRate != 0 || a.TotalTargets != 3 {
		t.Fatalf("expected zero rates with nothing sent, got %+v", a)
	}
	for i, tg := range c.Targets {
		_ = c.MarkTargetSent(tg.ID, "SM"+string(rune('0'+i)), t0)
	}
	_ = c.AdvanceTarget(c.Targets[0].ID, TargetDelivered, "", t0)
	_ = c.AdvanceTarget(c.Targets[1].ID, TargetDelivered, "", t0)

	a := c.Analytics()
	if a.DeliveryRate != 66.67 {
		t.Fatalf("expected 66.67 delivery rate, got %v", a.DeliveryRate)
	}
	if a.ReadRate != 0 {
		t.Fatalf("expected 0 read rate, got %v", a.ReadRate)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	cp := c.Clone()
	_ = cp.MarkTargetSent(cp.Targets[0].ID, "SM1", t0)
	if c.Targets[0].Status != TargetPending || c.Stats.Sent != 0 {
		t.Fatalf("clone mutation leaked into original")
	}
}

func TestTargetForSignalSkipsUnsentTargets(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	if _, ok := c.TargetForSignal("", "+923001234567", TargetFailed); ok {
		t.Fatalf("a callback must not fail a target that was never sent")
	}
}

func TestRunLease(t *testing.T) {
	c := newTestCampaign(t, nil, "+923001234567")
	_ = c.Start(t0)

	if err := c.ClaimRun("w1", t0, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := c.ClaimRun("w2", t0.Add(30*time.Second), time.Minute); !errors.Is(err, ErrRunClaimed) {
		t.Fatalf("expected claimed by w1, got %v", err)
	}
	if err := c.ClaimRun("w1", t0.Add(30*time.Second), time.Minute); err != nil {
		t.Fatalf("owner renew: %v", err)
	}
	if c.RunAbandoned(t0.Add(time.Minute)) {
		t.Fatalf("renewed lease reported abandoned")
	}

	if err := c.ReleaseRun("w2", t0.Add(time.Minute)); !errors.Is(err, ErrNoChange) {
		t.Fatalf("release by non-owner: expected no change, got %v", err)
	}
	if err := c.ReleaseRun("w1", t0.Add(time.Minute)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !c.RunAbandoned(t0.Add(time.Minute)) {
		t.Fatalf("released lease of a running campaign should read as abandoned")
	}
	if err := c.ClaimRun("w2", t0.Add(time.Minute), time.Minute); err != nil {
		t.Fatalf("claim after release: %v", err)
	}

	_ = c.Pause(t0.Add(2 * time.Minute))
	if c.RunAbandoned(t0.Add(time.Hour)) {
		t.Fatalf("paused campaign is not an abandoned run")
	}
}
