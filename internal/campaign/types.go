package campaign

import (
	"strings"
	"time"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further dispatching can happen.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// RecipientStatus is the per-recipient delivery state.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientValidating RecipientStatus = "validating"
	RecipientInvalid    RecipientStatus = "invalid"
	RecipientSending    RecipientStatus = "sending"
	RecipientSent       RecipientStatus = "sent"
	RecipientFailed     RecipientStatus = "failed"
)

// Recipient is one phone number's personalization data and delivery state.
// Embedded in the campaign document; not a standalone store entity.
type Recipient struct {
	Phone   string          `json:"phone"`
	Name    string          `json:"name,omitempty"`
	Custom1 string          `json:"custom1,omitempty"`
	Custom2 string          `json:"custom2,omitempty"`
	Status  RecipientStatus `json:"status"`
	Error   string          `json:"error,omitempty"`
	SentAt  *time.Time      `json:"sentAt,omitempty"`
}

type MediaKind string

const (
	MediaURL  MediaKind = "url"
	MediaFile MediaKind = "file"
)

// MediaRef describes an attachment. Only the descriptor is persisted with
// the campaign; the payload itself (base64 for kind=file) lives in process
// memory and does not survive a restart.
type MediaRef struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url,omitempty"`
	Mime     string    `json:"mime,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Filesize int64     `json:"filesize,omitempty"`
}

// Input is what the campaign was started with.
type Input struct {
	Template string    `json:"template"`
	Media    *MediaRef `json:"media,omitempty"`
}

// Progress counters are monotonic non-decreasing.
type Progress struct {
	Total        int `json:"total"`
	CurrentIndex int `json:"currentIndex"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
}

// Campaign is one send run. Recipient ordering is fixed at creation.
type Campaign struct {
	ID         string      `json:"id"`
	Status     Status      `json:"status"`
	Input      Input       `json:"input"`
	Recipients []Recipient `json:"recipients"`
	Progress   Progress    `json:"progress"`
	Mode       string      `json:"mode"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      time.Time  `json:"startedAt"`
	PausedAt       *time.Time `json:"pausedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	StoppedAt      *time.Time `json:"stoppedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// Current returns the recipient at the loop index, or nil when the
// campaign has run past the end of the list.
func (c *Campaign) Current() *Recipient {
	if c == nil || c.Progress.CurrentIndex < 0 || c.Progress.CurrentIndex >= len(c.Recipients) {
		return nil
	}
	return &c.Recipients[c.Progress.CurrentIndex]
}

// Clone returns a detached deep copy, safe to hand to observers while
// the dispatch loop keeps mutating the original.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Recipients = make([]Recipient, len(c.Recipients))
	for i, r := range c.Recipients {
		r.SentAt = cloneTime(r.SentAt)
		cp.Recipients[i] = r
	}
	if c.Input.Media != nil {
		m := *c.Input.Media
		cp.Input.Media = &m
	}
	cp.PausedAt = cloneTime(c.PausedAt)
	cp.CompletedAt = cloneTime(c.CompletedAt)
	cp.StoppedAt = cloneTime(c.StoppedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizePhone strips every non-digit character. Idempotent.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// ValidPhone reports whether a canonicalized phone has a plausible
// digit count. International numbers run 7 to 15 digits.
func ValidPhone(s string) bool {
	return len(s) >= minPhoneDigits && len(s) <= maxPhoneDigits
}

// NormalizeRecipients canonicalizes phones and drops empty, too-short,
// too-long and duplicate numbers, preserving first-seen order.
func NormalizeRecipients(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		r.Phone = NormalizePhone(r.Phone)
		if !ValidPhone(r.Phone) {
			continue
		}
		if _, dup := seen[r.Phone]; dup {
			continue
		}
		seen[r.Phone] = struct{}{}
		r.Status = RecipientPending
		out = append(out, r)
	}
	return out
}
