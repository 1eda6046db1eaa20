// Package bridge drives sends through the WhatsApp-Web bridge process,
// a sidecar that owns the browser session and exposes a small JSON API.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wacast/internal/campaign"
	"wacast/internal/transport"
	logx "wacast/pkg/logx"
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration // per-call HTTP timeout, bridge-side responsibility
	RatePerSec int           // outbound call ceiling; 0 means default
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// maxMediaBytes caps URL-fetched attachments (WhatsApp rejects >16MB).
const maxMediaBytes = 16 << 20

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

func (c *Client) Close() error { return nil }

type attachment struct {
	Data     string `json:"data"`
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
}

type sendRequest struct {
	Receiver   string      `json:"receiver"`
	Text       string      `json:"text"`
	Caption    string      `json:"caption,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type sendResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Send delivers one message. With media attached the text becomes the
// caption and the text field travels empty, matching the bridge's wire
// contract.
func (c *Client) Send(ctx context.Context, phone, text string, media *transport.Media) transport.Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.Result{Success: false, Response: "send cancelled", Error: err.Error()}
	}

	req := sendRequest{Receiver: phone, Text: text}
	if media != nil {
		att, err := c.resolveMedia(ctx, media)
		if err != nil {
			return transport.Result{Success: false, Response: "failed to prepare attachment", Error: err.Error()}
		}
		req.Attachment = att
		req.Caption = text
		req.Text = ""
	}

	var resp sendResponse
	if err := c.post(ctx, "/send", req, &resp); err != nil {
		c.log.Warn("bridge send failed", logx.String("phone", phone), logx.Err(err))
		return transport.Result{Success: false, Response: "bridge unreachable", Error: err.Error()}
	}
	return transport.Result{Success: resp.Success, Response: resp.Response, Error: resp.Error}
}

type validateRequest struct {
	Phone string `json:"phone"`
}

type validateResponse struct {
	Exists     bool   `json:"exists"`
	IsBusiness bool   `json:"isBusiness"`
	Error      string `json:"error"`
}

// Validate asks the bridge whether phone is reachable on the channel.
// It resolves on every path; transport failures come back as
// Exists=false with the reason.
func (c *Client) Validate(ctx context.Context, phone string) transport.Validation {
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.Validation{Exists: false, Error: err.Error()}
	}
	var resp validateResponse
	if err := c.post(ctx, "/validate", validateRequest{Phone: phone}, &resp); err != nil {
		return transport.Validation{Exists: false, Error: err.Error()}
	}
	return transport.Validation{Exists: resp.Exists, IsBusiness: resp.IsBusiness, Error: resp.Error}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned %s", res.Status)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// resolveMedia turns the volatile media payload into a wire attachment.
// kind=file already carries base64; kind=url is fetched here.
func (c *Client) resolveMedia(ctx context.Context, m *transport.Media) (*attachment, error) {
	if m.Kind == campaign.MediaFile {
		return &attachment{Data: m.Data, Mimetype: m.Mime, Filename: m.Filename, Filesize: m.Filesize}, nil
	}
	return c.fetchMedia(ctx, m.URL)
}

var dispositionFilenameRe = regexp.MustCompile(`filename="([^"]+)"`)

func (c *Client) fetchMedia(ctx context.Context, url string) (*attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*, video/*, text/*, audio/*, application/pdf")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch returned %s", res.Status)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d byte limit", maxMediaBytes)
	}

	name := "800x500.png"
	if cd := res.Header.Get("Content-Disposition"); cd != "" {
		if m := dispositionFilenameRe.FindStringSubmatch(cd); m != nil {
			name = m[1]
		}
	}

	return &attachment{
		Data:     base64.StdEncoding.EncodeToString(data),
		Mimetype: res.Header.Get("Content-Type"),
		Filename: name,
		Filesize: int64(len(data)),
	}, nil
}
