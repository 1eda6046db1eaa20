package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wacast/internal/campaign"
	"wacast/internal/pacing"
	"wacast/internal/storage"
	"wacast/internal/transport"
	"wacast/internal/vcache"
	logx "wacast/pkg/logx"
)

// stubChannel is a scriptable channel driver. Sends can be gated so a
// test controls exactly when each one is allowed to complete.
type stubChannel struct {
	mu       sync.Mutex
	sent     []string
	invalid  map[string]bool
	failWith map[string]string
	gate     chan struct{} // when non-nil, each Send consumes one token
}

func (s *stubChannel) Send(ctx context.Context, phone, text string, media *transport.Media) transport.Result {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return transport.Result{Error: ctx.Err().Error()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.failWith[phone]; ok {
		return transport.Result{Error: msg}
	}
	s.sent = append(s.sent, phone)
	return transport.Result{Success: true, Response: "ok"}
}

func (s *stubChannel) Validate(ctx context.Context, phone string) transport.Validation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.Validation{Exists: !s.invalid[phone]}
}

func (s *stubChannel) sentPhones() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// countingChannel tallies calls; every number is valid, every send succeeds.
type countingChannel struct {
	sends     atomic.Int32
	validates atomic.Int32
}

func (c *countingChannel) Send(ctx context.Context, phone, text string, media *transport.Media) transport.Result {
	c.sends.Add(1)
	return transport.Result{Success: true}
}

func (c *countingChannel) Validate(ctx context.Context, phone string) transport.Validation {
	c.validates.Add(1)
	return transport.Validation{Exists: true}
}

// cancelAwareStore fails writes once the caller's context is done, the
// way a real driver would.
type cancelAwareStore struct {
	storage.Store
}

func (s cancelAwareStore) PutCampaign(ctx context.Context, c *campaign.Campaign) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.PutCampaign(ctx, c)
}

// instantPolicy removes all delays so tests don't sleep.
func instantPolicy() pacing.Policy {
	return pacing.New([]pacing.Tier{{Mode: pacing.ModeInstant}}, 20, time.Millisecond)
}

func newTestEngine(t *testing.T, ch *stubChannel) (*Engine, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })

	e := New(Deps{
		Store:     st,
		Cache:     vcache.New(st, vcache.Config{TTL: time.Hour}, logx.Nop()),
		Sender:    ch,
		Validator: ch,
		Policy:    instantPolicy(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, st
}

func recipients(phones ...string) []campaign.Recipient {
	rs := make([]campaign.Recipient, 0, len(phones))
	for _, p := range phones {
		rs = append(rs, campaign.Recipient{Phone: p, Name: "n" + p})
	}
	return rs
}

// waitTerminal polls until the campaign reaches a terminal status.
func waitTerminal(t *testing.T, e *Engine) *campaign.Campaign {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c := e.State(); c != nil && c.Status.Terminal() {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("campaign did not reach a terminal status")
	return nil
}

func TestStartRejectsEmptyRecipients(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &stubChannel{})

	_, err := e.Start(context.Background(), []campaign.Recipient{{Phone: "abc"}}, "hi", nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Start with no valid recipients: got %v, want ValidationError", err)
	}
}

func TestStartRejectsSecondActiveCampaign(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{gate: make(chan struct{})}
	e, _ := newTestEngine(t, ch)

	ctx := context.Background()
	if _, err := e.Start(ctx, recipients("5550100001", "5550100002", "5550100003"), "hi", nil); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := e.Start(ctx, recipients("5550100009"), "hi", nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("second Start while active: got %v, want ValidationError", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCampaignRunsToCompletion(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{invalid: map[string]bool{"5550100002": true}}
	e, st := newTestEngine(t, ch)

	ctx := context.Background()
	id, err := e.Start(ctx, recipients("5550100001", "5550100002", "5550100003"), "hello {{name}}", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := waitTerminal(t, e)
	if c.Status != campaign.StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	if c.Progress.Total != 3 || c.Progress.Sent != 2 || c.Progress.Failed != 1 {
		t.Fatalf("progress = %+v, want total 3 sent 2 failed 1", c.Progress)
	}
	if c.Recipients[1].Status != campaign.RecipientInvalid {
		t.Fatalf("recipient 5550100002 status = %s, want invalid", c.Recipients[1].Status)
	}
	if c.Recipients[1].Error != "Number not on channel" {
		t.Fatalf("recipient 5550100002 error = %q", c.Recipients[1].Error)
	}
	if c.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if got := ch.sentPhones(); len(got) != 2 || got[0] != "5550100001" || got[1] != "5550100003" {
		t.Fatalf("sent phones = %v", got)
	}

	// Terminal state must be on disk, not just in memory.
	stored, ok, err := st.GetCampaign(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetCampaign: ok=%v err=%v", ok, err)
	}
	if stored.Status != campaign.StatusCompleted {
		t.Fatalf("stored status = %s, want completed", stored.Status)
	}
}

func TestSendFailureIsRecordedAndCampaignContinues(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{failWith: map[string]string{"5550100002": "connection reset"}}
	e, _ := newTestEngine(t, ch)

	if _, err := e.Start(context.Background(), recipients("5550100001", "5550100002", "5550100003"), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := waitTerminal(t, e)
	if c.Progress.Sent != 2 || c.Progress.Failed != 1 {
		t.Fatalf("progress = %+v, want sent 2 failed 1", c.Progress)
	}
	if c.Recipients[1].Status != campaign.RecipientFailed || c.Recipients[1].Error != "connection reset" {
		t.Fatalf("recipient 5550100002 = %+v", c.Recipients[1])
	}
}

func TestPauseResumeNoDuplicates(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{gate: make(chan struct{}, 10)}
	e, _ := newTestEngine(t, ch)

	ctx := context.Background()
	if _, err := e.Start(ctx, recipients("5550100001", "5550100002", "5550100003"), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let exactly one send through, then pause at the loop boundary.
	ch.gate <- struct{}{}
	waitSent(t, ch, 1)
	if err := e.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitStatus(t, e, campaign.StatusPaused)

	// The completed send's record lands under the same lock Pause
	// contends for; poll rather than assert immediately.
	deadline := time.Now().Add(5 * time.Second)
	for e.State().Progress.CurrentIndex != 1 {
		if !time.Now().Before(deadline) {
			t.Fatalf("paused at index %d, want 1", e.State().Progress.CurrentIndex)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if c := e.State(); c.PausedAt == nil {
		t.Fatal("PausedAt not set")
	}

	// Resuming must pick up at index 1, never re-sending the first recipient.
	for i := 0; i < 5; i++ {
		ch.gate <- struct{}{}
	}
	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	c := waitTerminal(t, e)
	if c.Status != campaign.StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	got := ch.sentPhones()
	if len(got) != 3 {
		t.Fatalf("sent %v, want exactly one send per recipient", got)
	}
	seen := map[string]bool{}
	for _, p := range got {
		if seen[p] {
			t.Fatalf("recipient %s sent twice: %v", p, got)
		}
		seen[p] = true
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &stubChannel{})

	if err := e.Pause(context.Background()); !errors.Is(err, ErrNoCampaign) {
		t.Fatalf("Pause with no campaign: got %v, want ErrNoCampaign", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{gate: make(chan struct{})}
	e, _ := newTestEngine(t, ch)

	ctx := context.Background()
	if _, err := e.Start(ctx, recipients("5550100001", "5550100002", "5550100003"), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v, want nil", err)
	}
	c := e.State()
	if c.Status != campaign.StatusStopped || c.StoppedAt == nil {
		t.Fatalf("stopped campaign = status %s, stoppedAt %v", c.Status, c.StoppedAt)
	}
}

func TestStopDuringInFlightSendStillRecordsOutcome(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })

	ch := &stubChannel{gate: make(chan struct{})}
	e := New(Deps{
		Store:     cancelAwareStore{st},
		Cache:     vcache.New(st, vcache.Config{TTL: time.Hour}, logx.Nop()),
		Sender:    ch,
		Validator: ch,
		Policy:    instantPolicy(),
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	ctx := context.Background()
	id, err := e.Start(ctx, recipients("5550100001", "5550100002"), "hi", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the loop to block inside Send on the first recipient.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c := e.State(); c != nil && c.Recipients[0].Status == campaign.RecipientSending {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("first recipient never entered sending")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Stop while the send is in flight, then let it complete. The
	// delivery already happened on the wire, so its record must still
	// reach the store even though the loop is being torn down.
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ch.gate <- struct{}{}

	deadline = time.Now().Add(5 * time.Second)
	for {
		stored, _, err := st.GetCampaign(ctx, id)
		if err != nil {
			t.Fatalf("GetCampaign: %v", err)
		}
		if stored.Progress.Sent == 1 {
			if stored.Recipients[0].Status != campaign.RecipientSent {
				t.Fatalf("recipient status = %s, want sent", stored.Recipients[0].Status)
			}
			if stored.Progress.CurrentIndex != 1 {
				t.Fatalf("stored index = %d, want 1", stored.Progress.CurrentIndex)
			}
			if stored.Status != campaign.StatusStopped {
				t.Fatalf("stored status = %s, want stopped", stored.Status)
			}
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("delivered send never persisted: %+v", stored.Progress)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRecoverParksRunningCampaign(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	crashed := &campaign.Campaign{
		ID:         "c-crashed",
		Status:     campaign.StatusRunning,
		Recipients: recipients("5550100001", "5550100002"),
		Progress:   campaign.Progress{Total: 2, CurrentIndex: 1, Sent: 1},
		Mode:       string(pacing.ModeInstant),
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	if err := st.PutCampaign(ctx, crashed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ch := &stubChannel{}
	e := New(Deps{Store: st, Cache: vcache.New(st, vcache.Config{}, logx.Nop()), Sender: ch, Validator: ch, Policy: instantPolicy()})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	if err := e.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	c := e.State()
	if c == nil || c.ID != "c-crashed" {
		t.Fatalf("loaded campaign = %+v, want c-crashed", c)
	}
	if c.Status != campaign.StatusPaused || c.PausedAt == nil {
		t.Fatalf("recovered status = %s pausedAt = %v, want paused with timestamp", c.Status, c.PausedAt)
	}
	if c.Progress.CurrentIndex != 1 {
		t.Fatalf("recovered index = %d, want 1", c.Progress.CurrentIndex)
	}

	stored, _, err := st.GetCampaign(ctx, "c-crashed")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if stored.Status != campaign.StatusPaused {
		t.Fatalf("parked status not persisted: %s", stored.Status)
	}
}

func TestResumeRefusedWhenAttachmentLost(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	now := time.Now()
	parked := &campaign.Campaign{
		ID:         "c-media",
		Status:     campaign.StatusPaused,
		Input:      campaign.Input{Template: "hi", Media: &campaign.MediaRef{Kind: campaign.MediaURL, URL: "https://example.com/a.png"}},
		Recipients: recipients("5550100001", "5550100002", "5550100003"),
		Progress:   campaign.Progress{Total: 3, CurrentIndex: 1, Sent: 1},
		CreatedAt:  now,
		PausedAt:   &now,
	}
	if err := st.PutCampaign(ctx, parked); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ch := &stubChannel{}
	e := New(Deps{Store: st, Cache: vcache.New(st, vcache.Config{}, logx.Nop()), Sender: ch, Validator: ch, Policy: instantPolicy()})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	if err := e.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	err := e.Resume(ctx)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Resume after attachment loss: got %v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), "attachment") {
		t.Fatalf("error should name the lost attachment: %v", err)
	}
}

func TestValidationCacheSkipsSecondCheck(t *testing.T) {
	t.Parallel()
	ch := &countingChannel{}
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })

	e := New(Deps{Store: st, Cache: vcache.New(st, vcache.Config{TTL: time.Hour}, logx.Nop()), Sender: ch, Validator: ch, Policy: instantPolicy()})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	ctx := context.Background()
	if _, err := e.Start(ctx, recipients("5550100001"), "hi", nil); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitTerminal(t, e)
	if _, err := e.Start(ctx, recipients("5550100001"), "hi again", nil); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	waitTerminal(t, e)

	if got := ch.validates.Load(); got != 1 {
		t.Fatalf("channel validated %d times, want 1 (second hit should come from cache)", got)
	}
	if got := ch.sends.Load(); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestSendDirect(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{}
	e, _ := newTestEngine(t, ch)

	res, err := e.SendDirect(context.Background(), "+55 (11) 99999", "hi", nil)
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := ch.sentPhones(); len(got) != 1 || got[0] != "551199999" {
		t.Fatalf("phone not normalized before send: %v", got)
	}

	if _, err := e.SendDirect(context.Background(), "---", "hi", nil); err == nil {
		t.Fatal("SendDirect with no digits should fail validation")
	}
	// Six digits is below the floor a dialable number can have.
	if _, err := e.SendDirect(context.Background(), "123456", "hi", nil); err == nil {
		t.Fatal("SendDirect with a too-short number should fail validation")
	}
}

func waitSent(t *testing.T, ch *stubChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.sentPhones()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends", n)
}

func waitStatus(t *testing.T, e *Engine, want campaign.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c := e.State(); c != nil && c.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
}
