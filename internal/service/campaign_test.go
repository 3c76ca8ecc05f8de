package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campaigner/internal/domain"
	"campaigner/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeLauncher struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (f *fakeLauncher) Submit(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, id)
	return nil
}

func newService() (*CampaignService, *fakeLauncher) {
	l := &fakeLauncher{}
	return &CampaignService{
		Store:       memstore.New(),
		Launcher:    l,
		Clock:       fixedClock{t0},
		CountryCode: "92",
	}, l
}

func createReq(phones ...string) domain.CreateCampaignRequest {
	req := domain.CreateCampaignRequest{
		OrganizationID:  "org_1",
		CreatedBy:       "usr_1",
		Name:            "launch",
		MessageTemplate: "hello {name}",
	}
	for _, p := range phones {
		req.Targets = append(req.Targets, domain.TargetInput{Name: "x", PhoneNumber: p})
	}
	return req
}

func TestCreateNormalizesDestinations(t *testing.T) {
	svc, _ := newService()
	c, err := svc.Create(context.Background(), createReq("0300 1234567", "whatsapp:+923001234568", "abc"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.CampaignDraft || len(c.Targets) != 3 {
		t.Fatalf("unexpected campaign %s %d", c.Status, len(c.Targets))
	}
	want := []string{"+923001234567", "+923001234568", ""}
	for i, tg := range c.Targets {
		if tg.Destination != want[i] {
			t.Errorf("target %d: expected %q, got %q", i, want[i], tg.Destination)
		}
		if tg.ID == "" || tg.Status != domain.TargetPending {
			t.Errorf("target %d not initialized: %+v", i, tg)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Create(context.Background(), domain.CreateCampaignRequest{Name: "x"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, f := range []string{"organizationId", "messageTemplate", "targets"} {
		if _, ok := ve.Fields[f]; !ok {
			t.Errorf("expected %s error, got %v", f, ve.Fields)
		}
	}
}

func TestStartLaunchesOnceAndRejectsSecondStart(t *testing.T) {
	svc, l := newService()
	c, _ := svc.Create(context.Background(), createReq("+923001234567"))

	started, err := svc.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.CampaignRunning {
		t.Fatalf("expected running, got %s", started.Status)
	}
	if _, err := svc.Start(context.Background(), c.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second start: expected conflict, got %v", err)
	}
	if len(l.submitted) != 1 {
		t.Fatalf("expected exactly one launch, got %v", l.submitted)
	}
}

func TestStartCancelsWhenLaunchFails(t *testing.T) {
	svc, l := newService()
	l.err = errors.New("queue unavailable")
	c, _ := svc.Create(context.Background(), createReq("+923001234567"))

	if _, err := svc.Start(context.Background(), c.ID); err == nil {
		t.Fatalf("expected launch error")
	}
	got, _ := svc.Get(context.Background(), c.ID)
	if got.Status != domain.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestUpdateDeleteOnlyWhileEditable(t *testing.T) {
	svc, _ := newService()
	c, _ := svc.Create(context.Background(), createReq("+923001234567"))
	name := "renamed"

	if _, err := svc.Update(context.Background(), c.ID, domain.UpdateCampaignRequest{Name: &name}); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	_, _ = svc.Start(context.Background(), c.ID)

	other := "again"
	if _, err := svc.Update(context.Background(), c.ID, domain.UpdateCampaignRequest{Name: &other}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("update running: expected conflict, got %v", err)
	}
	if err := svc.Delete(context.Background(), c.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("delete running: expected conflict, got %v", err)
	}
	got, _ := svc.Get(context.Background(), c.ID)
	if got.Name != name {
		t.Fatalf("expected name %q, got %q", name, got.Name)
	}

	d, _ := svc.Create(context.Background(), createReq("+923001234567"))
	if err := svc.Delete(context.Background(), d.ID); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := svc.Get(context.Background(), d.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	svc, l := newService()
	c, _ := svc.Create(context.Background(), createReq("+923001234567"))
	_, _ = svc.Start(context.Background(), c.ID)

	if _, err := svc.Pause(context.Background(), c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := svc.Resume(context.Background(), c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(l.submitted) != 2 {
		t.Fatalf("resume should relaunch, got %v", l.submitted)
	}
	if _, err := svc.Cancel(context.Background(), c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Resume(context.Background(), c.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("resume cancelled: expected conflict, got %v", err)
	}
}

func TestListFiltersAndPages(t *testing.T) {
	svc, _ := newService()
	for i := 0; i < 3; i++ {
		_, _ = svc.Create(context.Background(), createReq("+923001234567"))
	}
	items, page, err := svc.List(context.Background(), domain.ListFilter{Status: domain.CampaignDraft, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || page.Total != 3 || page.Pages != 2 || page.Current != 1 {
		t.Fatalf("unexpected page %+v with %d items", page, len(items))
	}
	if _, _, err := svc.List(context.Background(), domain.ListFilter{Status: "bogus"}); err == nil {
		t.Fatalf("expected validation error for unknown status")
	}
}

func TestRecordEngagementCountsOnce(t *testing.T) {
	svc, _ := newService()
	c, _ := svc.Create(context.Background(), createReq("+923001234567"))
	_, _ = svc.Start(context.Background(), c.ID)
	tid := c.Targets[0].ID
	_, _ = svc.Store.AtomicUpdate(context.Background(), c.ID, func(c *domain.Campaign) error {
		return c.MarkTargetSent(tid, "SM1", t0)
	})

	for i := 0; i < 2; i++ {
		if _, err := svc.RecordEngagement(context.Background(), c.ID, tid, domain.TargetClicked); err != nil {
			t.Fatalf("click %d: %v", i, err)
		}
	}
	a, _ := svc.Analytics(context.Background(), c.ID)
	if a.Clicked != 1 || a.ClickRate != 100 {
		t.Fatalf("unexpected analytics %+v", a)
	}
	if _, err := svc.RecordEngagement(context.Background(), c.ID, tid, domain.TargetDelivered); err == nil {
		t.Fatalf("expected validation error for non-engagement status")
	}
	if _, err := svc.RecordEngagement(context.Background(), c.ID, "tgt_missing", domain.TargetReported); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
