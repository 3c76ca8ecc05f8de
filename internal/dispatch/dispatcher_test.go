package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"campaigner/internal/domain"
	"campaigner/internal/phone"
	"campaigner/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeSender struct {
	mu     sync.Mutex
	dests  []string
	bodies []string
	reject map[string]string
	errAt  int
	err    error
	onSend func(n int)
}

func (f *fakeSender) IsValidDestination(d string) bool { return phone.IsValid(d) }

func (f *fakeSender) Send(ctx context.Context, dest, body string) (domain.SendResult, error) {
	f.mu.Lock()
	f.dests = append(f.dests, dest)
	f.bodies = append(f.bodies, body)
	n := len(f.dests)
	f.mu.Unlock()

	if f.onSend != nil {
		f.onSend(n)
	}
	if f.err != nil && n == f.errAt {
		return domain.SendResult{}, f.err
	}
	if msg, ok := f.reject[dest]; ok {
		return domain.SendResult{Success: false, Error: msg}, nil
	}
	return domain.SendResult{Success: true, ProviderID: "SM" + dest}, nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dests)
}

func runningCampaign(t *testing.T, s *memstore.Store, tmpl string, phones ...string) *domain.Campaign {
	t.Helper()
	targets := make([]domain.Target, 0, len(phones))
	for i, p := range phones {
		targets = append(targets, domain.Target{
			ID:          "tgt_" + string(rune('a'+i)),
			Name:        "user" + string(rune('a'+i)),
			PhoneNumber: p,
			Destination: phone.ToE164(p, phone.DefaultCountryCode),
		})
	}
	c, err := domain.NewCampaign("cmp_1", domain.CreateCampaignRequest{
		OrganizationID:  "org_1",
		CreatedBy:       "usr_1",
		Name:            "launch",
		MessageTemplate: tmpl,
		LandingPageURL:  "https://example.com/offer",
	}, targets, t0)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	if err := c.Start(t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func newDispatcher(s *memstore.Store, sender MessageSender) *Dispatcher {
	return &Dispatcher{Store: s, Sender: sender, Clock: fixedClock{t0}}
}

func TestRunCompletesCampaign(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi {name}", "+923001234561", "+923001234562", "+923001234563")
	sender := &fakeSender{}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	c, _ := s.Get(context.Background(), "cmp_1")
	if c.Status != domain.CampaignCompleted || c.EndDate == nil {
		t.Fatalf("expected completed with end date, got %s", c.Status)
	}
	if c.Stats.Sent != 3 || c.Stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", c.Stats)
	}
	for _, tg := range c.Targets {
		if tg.Status != domain.TargetSent || tg.SentAt == nil || tg.ProviderMessageID != "SM"+tg.Destination {
			t.Fatalf("unexpected target %+v", tg)
		}
	}
	if sender.bodies[1] != "hi userb" {
		t.Fatalf("unexpected rendered body %q", sender.bodies[1])
	}
}

func TestRunMarksInvalidDestinationWithoutSending(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "abc", "+923001234563")
	sender := &fakeSender{}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sender.calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", sender.calls())
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	bad := c.Targets[1]
	if bad.Status != domain.TargetFailed || bad.FailureReason != domain.ReasonInvalidDestination {
		t.Fatalf("unexpected invalid target %+v", bad)
	}
	if c.Stats.Sent != 2 || c.Stats.Failed != 1 || c.Status != domain.CampaignCompleted {
		t.Fatalf("unexpected campaign %s %+v", c.Status, c.Stats)
	}
}

func TestRunRecordsPerTargetRejection(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562")
	sender := &fakeSender{reject: map[string]string{"+923001234561": "not a whatsapp user"}}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	tg := c.Targets[0]
	if tg.Status != domain.TargetFailed || tg.FailureReason != domain.ReasonSendFailed || tg.FailureDetail != "not a whatsapp user" {
		t.Fatalf("unexpected rejected target %+v", tg)
	}
	if c.Targets[1].Status != domain.TargetSent || c.Status != domain.CampaignCompleted {
		t.Fatalf("run should continue after a per-target failure")
	}
}

func TestRunCancelsOnTransientProviderError(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562", "+923001234563")
	sender := &fakeSender{errAt: 2, err: &domain.TransientProviderError{Err: errors.New("breaker open")}}

	err := newDispatcher(s, sender).Run(context.Background(), "cmp_1")
	if !domain.IsTransientProvider(err) {
		t.Fatalf("expected transient provider error, got %v", err)
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	if c.Status != domain.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", c.Status)
	}
	if c.Targets[0].Status != domain.TargetSent || c.Targets[1].Status != domain.TargetPending || c.Targets[2].Status != domain.TargetPending {
		t.Fatalf("unexpected target statuses: %s %s %s", c.Targets[0].Status, c.Targets[1].Status, c.Targets[2].Status)
	}
	if sender.calls() != 2 {
		t.Fatalf("expected the run to stop after the failing call, got %d calls", sender.calls())
	}
}

func TestRunObservesPause(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562", "+923001234563")
	sender := &fakeSender{}
	sender.onSend = func(n int) {
		if n == 1 {
			_, _ = s.AtomicUpdate(context.Background(), "cmp_1", func(c *domain.Campaign) error {
				return c.Pause(t0)
			})
		}
	}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sender.calls() != 1 {
		t.Fatalf("expected no sends after pause, got %d", sender.calls())
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	if c.Status != domain.CampaignPaused {
		t.Fatalf("expected paused, got %s", c.Status)
	}
	if c.Targets[0].Status != domain.TargetSent {
		t.Fatalf("in-flight send must still be recorded, got %s", c.Targets[0].Status)
	}
	if len(c.PendingTargetIDs()) != 2 {
		t.Fatalf("expected 2 pending targets for resume, got %d", len(c.PendingTargetIDs()))
	}
}

func TestRunKeepsConcurrentDeliveryUpdates(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562")
	sender := &fakeSender{}
	sender.onSend = func(n int) {
		if n == 2 {
			// a delivery receipt for the first target lands mid-run
			_, err := s.AtomicUpdate(context.Background(), "cmp_1", func(c *domain.Campaign) error {
				return c.AdvanceTarget("tgt_a", domain.TargetDelivered, "", t0)
			})
			if err != nil {
				t.Errorf("deliver: %v", err)
			}
		}
	}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	if c.Targets[0].Status != domain.TargetDelivered || c.Stats.Delivered != 1 || c.Stats.Sent != 2 {
		t.Fatalf("delivery update lost: %s %+v", c.Targets[0].Status, c.Stats)
	}
}

func TestRunLeavesCampaignRunningOnShutdown(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562")
	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{onSend: func(n int) { cancel() }}

	if err := newDispatcher(s, sender).Run(ctx, "cmp_1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	if c.Status != domain.CampaignRunning {
		t.Fatalf("expected running for recovery, got %s", c.Status)
	}
	if c.Targets[0].Status != domain.TargetSent || c.Targets[1].Status != domain.TargetPending {
		t.Fatalf("unexpected targets %s %s", c.Targets[0].Status, c.Targets[1].Status)
	}
}

func TestRunSkipsCampaignThatIsNotRunning(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561")
	_, _ = s.AtomicUpdate(context.Background(), "cmp_1", func(c *domain.Campaign) error { return c.Cancel(t0) })
	sender := &fakeSender{}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sender.calls() != 0 {
		t.Fatalf("expected no sends, got %d", sender.calls())
	}
}

func TestRunPacesSends(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562", "+923001234563")
	d := newDispatcher(s, &fakeSender{})
	d.Pacing = 40 * time.Millisecond

	start := time.Now()
	if err := d.Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("expected paced sends, finished in %s", elapsed)
	}
}

func TestRenderTrackingLink(t *testing.T) {
	c := &domain.Campaign{ID: "cmp_1", MessageTemplate: "hey {name}, see {link} {other}", LandingPageURL: "https://example.com/x", TrackingEnabled: true}
	tg := &domain.Target{ID: "tgt_a", Name: "Ali"}

	d := &Dispatcher{TrackingBaseURL: "https://go.example.com/"}
	if got := d.Render(c, tg); got != "hey Ali, see https://go.example.com/t/cmp_1/tgt_a {other}" {
		t.Fatalf("unexpected body %q", got)
	}
	c.TrackingEnabled = false
	if got := d.Render(c, tg); !strings.Contains(got, "https://example.com/x") {
		t.Fatalf("expected raw landing page, got %q", got)
	}
}

type flakyStore struct {
	*memstore.Store
	failGet bool
}

func (f *flakyStore) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	if f.failGet {
		return nil, errors.New("connection reset")
	}
	return f.Store.Get(ctx, id)
}

func TestRunCancelsOnStoreFailure(t *testing.T) {
	mem := memstore.New()
	runningCampaign(t, mem, "hi", "+923001234561", "+923001234562")
	fs := &flakyStore{Store: mem}
	sender := &fakeSender{onSend: func(n int) { fs.failGet = true }}

	d := &Dispatcher{Store: fs, Sender: sender, Clock: fixedClock{t0}}
	if err := d.Run(context.Background(), "cmp_1"); err == nil {
		t.Fatalf("expected store failure to surface")
	}
	c, _ := mem.Get(context.Background(), "cmp_1")
	if c.Status != domain.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", c.Status)
	}
	if c.Targets[0].Status != domain.TargetSent {
		t.Fatalf("expected first target recorded, got %s", c.Targets[0].Status)
	}
}

func TestSecondWorkerDoesNotResendInFlightCampaign(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562")

	other := &fakeSender{}
	b := &Dispatcher{Store: s, Sender: other, Clock: fixedClock{t0}, Owner: "worker-b"}
	sender := &fakeSender{}
	sender.onSend = func(n int) {
		if n == 1 {
			// a resume lands on another worker while this send is in flight
			if err := b.Run(context.Background(), "cmp_1"); err != nil {
				t.Errorf("second run: %v", err)
			}
		}
	}
	a := &Dispatcher{Store: s, Sender: sender, Clock: fixedClock{t0}, Owner: "worker-a"}

	if err := a.Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if other.calls() != 0 {
		t.Fatalf("second worker sent %d messages for a claimed campaign", other.calls())
	}
	c, _ := s.Get(context.Background(), "cmp_1")
	if c.Status != domain.CampaignCompleted || c.Stats.Sent != 2 {
		t.Fatalf("unexpected campaign %s %+v", c.Status, c.Stats)
	}
}

func TestRunTakesOverExpiredLease(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561")
	_, _ = s.AtomicUpdate(context.Background(), "cmp_1", func(c *domain.Campaign) error {
		return c.ClaimRun("crashed", t0.Add(-time.Hour), time.Minute)
	})
	sender := &fakeSender{}

	if err := newDispatcher(s, sender).Run(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sender.calls() != 1 {
		t.Fatalf("expected the abandoned run to be resumed, got %d sends", sender.calls())
	}
}

func TestInterruptedRunIsVisibleAsAbandoned(t *testing.T) {
	s := memstore.New()
	runningCampaign(t, s, "hi", "+923001234561", "+923001234562")
	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{onSend: func(n int) { cancel() }}

	_ = newDispatcher(s, sender).Run(ctx, "cmp_1")
	ids, _ := s.FindAbandonedRuns(context.Background(), t0)
	if len(ids) != 1 || ids[0] != "cmp_1" {
		t.Fatalf("expected interrupted campaign to be abandoned, got %v", ids)
	}
}
