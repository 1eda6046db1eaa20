// Package transport defines the contracts between the dispatch engine
// and the channel collaborators that actually deliver messages and
// validate numbers. The engine never sees transport wire details;
// failure is a value, not a panic.
package transport

import (
	"context"

	"wacast/internal/campaign"
)

// Result is a send outcome. Response/Error text is stored verbatim on
// the recipient, so drivers should keep it human-readable.
type Result struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validation is a number-reachability outcome. Drivers must resolve
// (not fail) even on transport errors, reporting Exists=false with the
// reason, so the dispatch loop always advances.
type Validation struct {
	Exists     bool   `json:"exists"`
	IsBusiness bool   `json:"isBusiness,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Media is the volatile attachment payload. Only its Ref() descriptor is
// ever persisted; Data (base64, kind=file) lives in process memory and
// is lost across restarts.
type Media struct {
	Kind     campaign.MediaKind
	URL      string // kind=url
	Data     string // kind=file, base64 without data: prefix
	Mime     string
	Filename string
	Filesize int64
}

// Ref returns the persistable descriptor for m, or nil.
func (m *Media) Ref() *campaign.MediaRef {
	if m == nil {
		return nil
	}
	return &campaign.MediaRef{
		Kind:     m.Kind,
		URL:      m.URL,
		Mime:     m.Mime,
		Filename: m.Filename,
		Filesize: m.Filesize,
	}
}

// Sender delivers one rendered message. When media is present the text
// travels as the attachment caption.
type Sender interface {
	Send(ctx context.Context, phone, text string, media *Media) Result
}

// Validator checks whether a number is reachable on the channel.
type Validator interface {
	Validate(ctx context.Context, phone string) Validation
}

// Channel is a full channel driver.
type Channel interface {
	Sender
	Validator
	Close() error
}
