// Package telegram is the Telegram channel driver. Recipient "phones"
// on this channel are numeric chat ids; the adapter is send-only and
// never polls for updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"wacast/internal/campaign"
	"wacast/internal/transport"
	logx "wacast/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration // per-call; telebot's own HTTP client handles it
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, log: log}, nil
}

func (a *Adapter) Close() error {
	// No poller running; nothing to stop.
	return nil
}

func (a *Adapter) Send(ctx context.Context, phone, text string, media *transport.Media) transport.Result {
	_ = ctx // telebot carries no context; its client timeout bounds the call

	id, err := strconv.ParseInt(phone, 10, 64)
	if err != nil {
		return transport.Result{Success: false, Response: "not a telegram chat id", Error: err.Error()}
	}
	chat := &tele.Chat{ID: id}

	var what any = text
	if media != nil {
		doc, err := a.document(media, text)
		if err != nil {
			return transport.Result{Success: false, Response: "failed to prepare attachment", Error: err.Error()}
		}
		what = doc
	}

	if _, err := a.bot.Send(chat, what); err != nil {
		a.log.Warn("telegram send failed", logx.Int64("chat_id", id), logx.Err(err))
		return transport.Result{Success: false, Response: "telegram send failed", Error: err.Error()}
	}
	return transport.Result{Success: true, Response: "sent"}
}

func (a *Adapter) Validate(ctx context.Context, phone string) transport.Validation {
	_ = ctx

	id, err := strconv.ParseInt(phone, 10, 64)
	if err != nil {
		return transport.Validation{Exists: false, Error: "not a telegram chat id"}
	}
	if _, err := a.bot.ChatByID(id); err != nil {
		return transport.Validation{Exists: false, Error: err.Error()}
	}
	return transport.Validation{Exists: true}
}

func (a *Adapter) document(m *transport.Media, caption string) (*tele.Document, error) {
	doc := &tele.Document{FileName: m.Filename, Caption: caption}
	switch m.Kind {
	case campaign.MediaURL:
		doc.File = tele.FromURL(m.URL)
	case campaign.MediaFile:
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return nil, err
		}
		doc.File = tele.FromReader(bytes.NewReader(data))
	default:
		return nil, errors.New("unknown media kind: " + string(m.Kind))
	}
	return doc, nil
}
