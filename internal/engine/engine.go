// Package engine owns the single active send campaign: the state
// machine around its lifecycle, the sequential dispatch loop that
// advances it one recipient at a time, and the small control surface
// (start/pause/resume/stop) exposed to callers.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wacast/internal/campaign"
	"wacast/internal/eventbus"
	"wacast/internal/pacing"
	"wacast/internal/storage"
	"wacast/internal/transport"
	"wacast/internal/vcache"
	logx "wacast/pkg/logx"
)

type Deps struct {
	Store     storage.Store
	Cache     *vcache.Cache
	Sender    transport.Sender
	Validator transport.Validator
	Bus       eventbus.Bus
	Policy    pacing.Policy
	Log       logx.Logger
}

// Engine holds at most one active campaign. The dispatch loop goroutine
// is the only writer of recipient and progress data; control operations
// only flip the status field, so the loop re-checks status at every
// iteration boundary instead of being preempted.
type Engine struct {
	mu sync.Mutex

	store     storage.Store
	cache     *vcache.Cache
	sender    transport.Sender
	validator transport.Validator
	bus       eventbus.Bus
	policy    pacing.Policy
	log       logx.Logger

	// rootCtx bounds collaborator calls to the engine lifetime; it is
	// deliberately not cancelled by pause/stop so an in-flight send is
	// never aborted mid-call.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	cur *campaign.Campaign

	// media is the volatile attachment payload. Never persisted; lost
	// across restarts by design.
	media *transport.Media

	loopRunning bool
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}

func New(d Deps) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Policy.Empty() {
		d.Policy = pacing.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      d.Store,
		cache:      d.Cache,
		sender:     d.Sender,
		validator:  d.Validator,
		bus:        d.Bus,
		policy:     d.Policy,
		log:        d.Log,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Bus exposes the progress broadcaster for listeners.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// Recover must run once at process start, before any control operation.
// A campaign persisted as running lost its in-memory loop with the old
// process, so it is forcibly parked as paused and requires an explicit
// resume. The most recent non-terminal campaign is loaded as current.
func (e *Engine) Recover(ctx context.Context) error {
	all, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return &PersistenceError{Op: "list campaigns", Err: err}
	}

	var load *campaign.Campaign
	for _, c := range all {
		if c.Status == campaign.StatusRunning {
			now := time.Now()
			c.Status = campaign.StatusPaused
			c.PausedAt = &now
			c.LastActivityAt = now
			if err := e.store.PutCampaign(ctx, c); err != nil {
				return &PersistenceError{Op: "park interrupted campaign", Err: err}
			}
			e.log.Info("interrupted campaign parked as paused",
				logx.String("campaign", c.ID),
				logx.Int("current_index", c.Progress.CurrentIndex))
		}
		if !c.Status.Terminal() && (load == nil || c.CreatedAt.After(load.CreatedAt)) {
			load = c
		}
	}

	if load != nil {
		e.mu.Lock()
		e.cur = load
		e.mu.Unlock()
		e.log.Info("campaign loaded", logx.String("campaign", load.ID), logx.String("status", string(load.Status)))
	}
	return nil
}

// Start creates and launches a new campaign, returning its id. Phones
// are canonicalized and de-duplicated before the campaign exists; an
// empty result, or another active campaign, is a ValidationError.
func (e *Engine) Start(ctx context.Context, recipients []campaign.Recipient, template string, media *transport.Media) (string, error) {
	recipients = campaign.NormalizeRecipients(recipients)
	if len(recipients) == 0 {
		return "", validationErrorf("no valid recipients")
	}

	e.mu.Lock()
	if e.cur != nil && !e.cur.Status.Terminal() {
		id := e.cur.ID
		e.mu.Unlock()
		return "", validationErrorf("campaign %s is still active; stop it first", id)
	}

	now := time.Now()
	c := &campaign.Campaign{
		ID:             uuid.NewString(),
		Status:         campaign.StatusRunning,
		Input:          campaign.Input{Template: template, Media: media.Ref()},
		Recipients:     recipients,
		Progress:       campaign.Progress{Total: len(recipients)},
		Mode:           string(e.policy.SelectMode(len(recipients))),
		CreatedAt:      now,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.PutCampaign(ctx, c); err != nil {
		e.mu.Unlock()
		return "", &PersistenceError{Op: "create campaign", Err: err}
	}
	e.cur = c
	e.media = media
	e.launchLoopLocked(c.ID)
	snap := c.Clone()
	e.mu.Unlock()

	e.log.Info("campaign started",
		logx.String("campaign", c.ID),
		logx.Int("recipients", len(recipients)),
		logx.String("mode", c.Mode))
	e.publishState(snap)
	return c.ID, nil
}

// Pause parks a running campaign. The loop notices at its next
// iteration boundary; an in-flight send is allowed to finish.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ErrNoCampaign
	}
	if e.cur.Status != campaign.StatusRunning {
		return validationErrorf("cannot pause a %s campaign", e.cur.Status)
	}

	now := time.Now()
	e.cur.Status = campaign.StatusPaused
	e.cur.PausedAt = &now
	e.cur.LastActivityAt = now
	if err := e.store.PutCampaign(ctx, e.cur); err != nil {
		return &PersistenceError{Op: "pause campaign", Err: err}
	}
	snap := e.cur.Clone()
	e.log.Info("campaign paused", logx.String("campaign", e.cur.ID), logx.Int("current_index", snap.Progress.CurrentIndex))
	e.publishState(snap)
	return nil
}

// Resume continues a paused campaign from its persisted index. A
// campaign that declared an attachment cannot resume once the volatile
// payload is gone (process restart); callers must start a new campaign.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ErrNoCampaign
	}
	if e.cur.Status != campaign.StatusPaused {
		return validationErrorf("cannot resume a %s campaign", e.cur.Status)
	}
	if e.cur.Input.Media != nil && e.media == nil {
		return validationErrorf("attachment was lost with the previous process; start a new campaign")
	}

	e.cur.Status = campaign.StatusRunning
	e.cur.LastActivityAt = time.Now()
	if err := e.store.PutCampaign(ctx, e.cur); err != nil {
		return &PersistenceError{Op: "resume campaign", Err: err}
	}
	// If the old loop is still draining (pause raced a sleep), flipping
	// the status back is enough; it never observed the pause.
	if !e.loopRunning {
		e.launchLoopLocked(e.cur.ID)
	}
	snap := e.cur.Clone()
	e.log.Info("campaign resumed", logx.String("campaign", e.cur.ID), logx.Int("current_index", snap.Progress.CurrentIndex))
	e.publishState(snap)
	return nil
}

// Stop terminates the campaign and releases the volatile attachment.
// Idempotent: stopping a terminal campaign is a successful no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.cur == nil {
		e.mu.Unlock()
		return ErrNoCampaign
	}
	if e.cur.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}

	now := time.Now()
	e.cur.Status = campaign.StatusStopped
	e.cur.StoppedAt = &now
	e.cur.LastActivityAt = now
	e.media = nil
	if err := e.store.PutCampaign(ctx, e.cur); err != nil {
		e.mu.Unlock()
		return &PersistenceError{Op: "stop campaign", Err: err}
	}
	snap := e.cur.Clone()
	cancel := e.loopCancel
	e.mu.Unlock()

	// Wake the loop out of any pacing sleep; the in-flight send (if any)
	// still completes because it runs on the engine root context.
	if cancel != nil {
		cancel()
	}
	e.log.Info("campaign stopped", logx.String("campaign", snap.ID))
	e.publishState(snap)
	return nil
}

// State returns a detached snapshot of the loaded campaign, or nil.
func (e *Engine) State() *campaign.Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur.Clone()
}

// History returns every persisted campaign, newest first.
func (e *Engine) History(ctx context.Context) ([]*campaign.Campaign, error) {
	all, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list campaigns", Err: err}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

// Delete removes a persisted campaign. An active campaign cannot be
// deleted; stop it first. Deleting the loaded terminal campaign also
// unloads it.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil && e.cur.ID == id && !e.cur.Status.Terminal() {
		return validationErrorf("campaign %s is active; stop it first", id)
	}
	if err := e.store.DeleteCampaign(ctx, id); err != nil {
		return &PersistenceError{Op: "delete campaign", Err: err}
	}
	if e.cur != nil && e.cur.ID == id {
		e.cur = nil
	}
	return nil
}

// SendDirect is the legacy single-recipient path: straight to the
// channel, no campaign, no persistence, raw collaborator outcome.
func (e *Engine) SendDirect(ctx context.Context, phone, text string, media *transport.Media) (transport.Result, error) {
	phone = campaign.NormalizePhone(phone)
	if !campaign.ValidPhone(phone) {
		return transport.Result{}, validationErrorf("recipient phone must be 7 to 15 digits")
	}
	return e.sender.Send(ctx, phone, text, media), nil
}

// Close stops the engine: collaborator calls are cancelled and the loop
// goroutine is awaited. The campaign keeps its persisted status; a
// running one will be parked by Recover on the next start.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	done := e.loopDone
	e.mu.Unlock()

	e.rootCancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// launchLoopLocked starts the dispatch loop goroutine. Caller holds mu.
func (e *Engine) launchLoopLocked(id string) {
	lctx, cancel := context.WithCancel(e.rootCtx)
	done := make(chan struct{})
	e.loopCancel = cancel
	e.loopDone = done
	e.loopRunning = true
	go e.run(lctx, id, done)
}

func (e *Engine) publishState(snap *campaign.Campaign) {
	if snap == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindState, State: snap})
}

func (e *Engine) publishStatus(text string) {
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindStatus, Text: text})
}
