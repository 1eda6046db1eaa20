// Package server is the HTTP control surface: campaign lifecycle,
// the legacy single-send endpoint, and the SSE progress stream.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wacast/internal/campaign"
	"wacast/internal/engine"
	"wacast/internal/transport"
	logx "wacast/pkg/logx"
)

type Server struct {
	eng *engine.Engine
	log logx.Logger
}

func New(eng *engine.Engine, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{eng: eng, log: log}
}

// Routes builds the router. All endpoints speak JSON except the SSE
// stream, which lives outside the request timeout so subscribers can
// hold their connection open for as long as they like.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			r.Post("/campaigns", s.handleStart)
			r.Get("/campaigns", s.handleHistory)
			r.Get("/campaigns/current", s.handleCurrent)
			r.Post("/campaigns/current/pause", s.handlePause)
			r.Post("/campaigns/current/resume", s.handleResume)
			r.Post("/campaigns/current/stop", s.handleStop)
			r.Delete("/campaigns/{id}", s.handleDelete)
			r.Post("/send", s.handleSend)
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	return r
}

// mediaRequest is the wire form of an attachment. A url kind is fetched
// by the channel driver at send time; a file kind carries the payload
// inline as base64.
type mediaRequest struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (m *mediaRequest) toMedia() (*transport.Media, error) {
	if m == nil {
		return nil, nil
	}
	switch campaign.MediaKind(m.Kind) {
	case campaign.MediaURL:
		if m.URL == "" {
			return nil, errors.New("media url is required")
		}
		return &transport.Media{Kind: campaign.MediaURL, URL: m.URL}, nil
	case campaign.MediaFile:
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil || len(raw) == 0 {
			return nil, errors.New("media data must be non-empty base64")
		}
		return &transport.Media{
			Kind:     campaign.MediaFile,
			Data:     m.Data,
			Mime:     m.Mime,
			Filename: m.Filename,
			Filesize: int64(len(raw)),
		}, nil
	default:
		return nil, errors.New("media kind must be url or file")
	}
}

type startRequest struct {
	Recipients []campaign.Recipient `json:"recipients"`
	Template   string               `json:"template"`
	Media      *mediaRequest        `json:"media,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	media, err := req.Media.toMedia()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.eng.Start(r.Context(), req.Recipients, req.Template, media)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "campaignId": id})
}

// currentResponse decorates the campaign with the recipient the
// dispatch loop is pointed at, so clients don't have to index into the
// recipient list themselves.
type currentResponse struct {
	*campaign.Campaign
	CurrentRecipient *campaign.Recipient `json:"currentRecipient,omitempty"`
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	c := s.eng.State()
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{Campaign: c, CurrentRecipient: c.Current()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	all, err := s.eng.History(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "campaigns": all})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.eng.Pause(r.Context()))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.eng.Resume(r.Context()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.eng.Stop(r.Context()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if c := s.eng.State(); c != nil && c.ID == id && !c.Status.Terminal() {
		writeError(w, http.StatusConflict, "campaign is active; stop it first")
		return
	}
	if err := s.eng.Delete(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sendRequest accepts both the current field names and the older
// client's ("recipientPhone", bare "url" for an attachment).
type sendRequest struct {
	Phone          string        `json:"phone"`
	RecipientPhone string        `json:"recipientPhone"`
	Text           string        `json:"text"`
	URL            string        `json:"url,omitempty"`
	Media          *mediaRequest `json:"media,omitempty"`
}

// handleSend is the legacy single-recipient path: no campaign, no
// persistence, the channel outcome passed straight through.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	phone := req.Phone
	if phone == "" {
		phone = req.RecipientPhone
	}
	mreq := req.Media
	if mreq == nil && req.URL != "" {
		mreq = &mediaRequest{Kind: string(campaign.MediaURL), URL: req.URL}
	}
	media, err := mreq.toMedia()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.eng.SendDirect(r.Context(), phone, req.Text, media)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) control(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// writeEngineError maps engine error kinds onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var perr *engine.PersistenceError
	switch {
	case errors.Is(err, engine.ErrNoCampaign):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusConflict, verr.Msg)
	case errors.As(err, &perr):
		s.log.Error("storage failure on control request", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
	default:
		s.log.Error("control request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
