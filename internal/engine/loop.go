package engine

import (
	"context"
	"fmt"
	"time"

	"wacast/internal/campaign"
	"wacast/internal/pacing"
	"wacast/internal/transport"
	logx "wacast/pkg/logx"
)

// run is the dispatch loop. Exactly one instance writes recipient and
// progress state at a time; every mutation is guarded by the campaign
// id captured at launch, so a loop outliving its campaign (stop raced
// with a new start) can never drive the newer one.
func (e *Engine) run(ctx context.Context, id string, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		if e.loopDone == done {
			e.loopRunning = false
		}
		e.mu.Unlock()
		close(done)
	}()

	log := e.log.With(logx.String("campaign", id))

	for {
		e.mu.Lock()
		if e.cur == nil || e.cur.ID != id {
			if e.loopDone == done {
				e.loopRunning = false
			}
			e.mu.Unlock()
			return
		}
		if e.cur.Status != campaign.StatusRunning {
			// Clear the flag while still holding mu: Resume's relaunch
			// decision must see this exit, not race past it.
			if e.loopDone == done {
				e.loopRunning = false
			}
			e.mu.Unlock()
			return
		}
		if e.cur.Progress.CurrentIndex >= e.cur.Progress.Total {
			e.completeLocked(log)
			e.mu.Unlock()
			return
		}
		idx := e.cur.Progress.CurrentIndex
		rcpt := e.cur.Recipients[idx]
		tmpl := e.cur.Input.Template
		mode := pacing.Mode(e.cur.Mode)
		media := e.media
		e.mu.Unlock()

		e.mark(id, idx, campaign.RecipientValidating)
		outcome := e.step(id, idx, rcpt, tmpl, media, log)

		if !e.persistStep(id, idx, outcome, log) {
			return
		}

		// Pacing. Status may have flipped while we were sending; only a
		// still-running loop sleeps.
		e.mu.Lock()
		if e.cur == nil || e.cur.ID != id || e.cur.Status != campaign.StatusRunning {
			if e.loopDone == done {
				e.loopRunning = false
			}
			e.mu.Unlock()
			return
		}
		processed := e.cur.Progress.Sent + e.cur.Progress.Failed
		total := e.cur.Progress.Total
		remaining := total - e.cur.Progress.CurrentIndex
		e.mu.Unlock()

		if remaining <= 0 {
			continue
		}
		if bp := e.policy.BatchPause(mode, processed, total); bp.Triggered {
			e.publishStatus(fmt.Sprintf("batch %d/%d done, resting %s", bp.BatchNumber, bp.TotalBatches, bp.Duration))
			if !sleepCtx(ctx, bp.Duration) {
				return
			}
		}
		if d := e.policy.Delay(mode); d > 0 {
			e.publishStatus(fmt.Sprintf("next send in %s", d.Round(time.Second)))
			if !sleepCtx(ctx, d) {
				return
			}
		}
	}
}

// stepOutcome is what one recipient attempt resolved to.
type stepOutcome struct {
	status campaign.RecipientStatus
	errMsg string
	sentAt *time.Time
}

// step resolves one recipient: validation (cache first, channel on
// miss), then the actual send. It runs on the engine root context so a
// pause or stop never aborts it mid-call.
func (e *Engine) step(id string, idx int, rcpt campaign.Recipient, tmpl string, media *transport.Media, log logx.Logger) stepOutcome {
	ctx := e.rootCtx

	exists, ok := e.lookupValidation(ctx, rcpt.Phone, log)
	if !ok {
		v := e.validator.Validate(ctx, rcpt.Phone)
		exists = v.Exists
		if v.Error != "" {
			log.Warn("number validation degraded", logx.String("phone", rcpt.Phone), logx.String("error", v.Error))
		} else if _, err := e.cache.Store(ctx, rcpt.Phone, v.Exists, v.IsBusiness); err != nil {
			log.Warn("validation cache write failed", logx.String("phone", rcpt.Phone), logx.Err(err))
		}
	}
	if !exists {
		return stepOutcome{status: campaign.RecipientInvalid, errMsg: "Number not on channel"}
	}

	e.mark(id, idx, campaign.RecipientSending)
	text := campaign.Render(tmpl, rcpt, time.Now())
	res := e.sender.Send(ctx, rcpt.Phone, text, media)
	if !res.Success {
		log.Warn("send failed", logx.String("phone", rcpt.Phone), logx.String("error", res.Error))
		return stepOutcome{status: campaign.RecipientFailed, errMsg: res.Error}
	}
	now := time.Now()
	return stepOutcome{status: campaign.RecipientSent, sentAt: &now}
}

func (e *Engine) lookupValidation(ctx context.Context, phone string, log logx.Logger) (exists, ok bool) {
	if e.cache == nil {
		return false, false
	}
	v, hit, err := e.cache.Lookup(ctx, phone)
	if err != nil {
		log.Warn("validation cache read failed", logx.String("phone", phone), logx.Err(err))
		return false, false
	}
	if !hit {
		return false, false
	}
	return v.Exists, true
}

// persistStep records the outcome and advances the index atomically.
// A persistence failure halts the loop: without a durable record the
// same recipient could be sent twice after a crash. The write runs on
// a background context, not the loop context — a stop or shutdown that
// cancels the loop mid-send must not drop the record of a message that
// was actually delivered.
func (e *Engine) persistStep(id string, idx int, out stepOutcome, log logx.Logger) bool {
	e.mu.Lock()
	if e.cur == nil || e.cur.ID != id {
		e.mu.Unlock()
		return false
	}

	r := &e.cur.Recipients[idx]
	r.Status = out.status
	r.Error = out.errMsg
	r.SentAt = out.sentAt
	switch out.status {
	case campaign.RecipientSent:
		e.cur.Progress.Sent++
	default:
		e.cur.Progress.Failed++
	}
	e.cur.Progress.CurrentIndex = idx + 1
	e.cur.LastActivityAt = time.Now()

	err := e.store.PutCampaign(context.Background(), e.cur)
	snap := e.cur.Clone()
	e.mu.Unlock()

	if err != nil {
		log.Error("campaign persist failed, halting dispatch", logx.Int("index", idx), logx.Err(err))
		e.publishStatus("dispatch halted: campaign state could not be persisted")
		return false
	}
	e.publishState(snap)
	return true
}

// mark flips a recipient's transient status and broadcasts the
// snapshot. The transient status is intentionally not persisted: a
// crash rolls it back to pending.
func (e *Engine) mark(id string, idx int, st campaign.RecipientStatus) {
	e.mu.Lock()
	if e.cur == nil || e.cur.ID != id || idx >= len(e.cur.Recipients) {
		e.mu.Unlock()
		return
	}
	e.cur.Recipients[idx].Status = st
	snap := e.cur.Clone()
	e.mu.Unlock()
	e.publishState(snap)
}

// completeLocked finishes the campaign. Caller holds mu with the id
// already verified.
func (e *Engine) completeLocked(log logx.Logger) {
	now := time.Now()
	e.cur.Status = campaign.StatusCompleted
	e.cur.CompletedAt = &now
	e.cur.LastActivityAt = now
	e.media = nil
	if err := e.store.PutCampaign(context.Background(), e.cur); err != nil {
		log.Error("completed campaign persist failed", logx.Err(err))
	}
	snap := e.cur.Clone()
	log.Info("campaign completed",
		logx.Int("sent", snap.Progress.Sent),
		logx.Int("failed", snap.Progress.Failed),
		logx.Int("total", snap.Progress.Total))
	e.publishState(snap)
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
