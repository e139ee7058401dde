// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bwchat/realtime-dm/internal/middleware"
	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// ConversationHandler handles the directory and the open conversation.
type ConversationHandler struct {
	sessions *session.Manager
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions *session.Manager, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   logger.OrGlobal(log).Named("conversations"),
	}
}

// OpenRequest is the body of POST /conversations.
type OpenRequest struct {
	UserID string `json:"user_id"`
}

// SendRequest is the body of POST /conversations/current/messages.
type SendRequest struct {
	Text string `json:"text"`
}

// OlderResponse reports a LoadOlder page.
type OlderResponse struct {
	Loaded   int                  `json:"loaded"`
	Timeline *model.TimelineEvent `json:"timeline"`
}

// Directory handles GET /api/v1/directory?q=
func (h *ConversationHandler) Directory(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	q := r.URL.Query().Get("q")
	if err := middleware.ValidateFilter(q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Directory(r.Context(), q))
}

// Open handles POST /api/v1/conversations
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	var req OpenRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	if err := middleware.ValidateID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tl, err := s.OpenConversation(r.Context(), req.UserID)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl.Event())
}

// Current handles GET /api/v1/conversations/current
func (h *ConversationHandler) Current(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	e, err := s.Conversation()
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.Timeline().Event())
}

// Close handles DELETE /api/v1/conversations/current
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	if err := s.CloseConversation(); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Send handles POST /api/v1/conversations/current/messages
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	var req SendRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.Send(r.Context(), req.Text)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Older handles POST /api/v1/conversations/current/older
func (h *ConversationHandler) Older(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	tl, n, err := s.LoadOlder(r.Context())
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &OlderResponse{Loaded: n, Timeline: tl.Event()})
}

// OpenRoute handles POST /api/v1/notifications/{routingKey}/open
func (h *ConversationHandler) OpenRoute(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	key := chi.URLParam(r, "routingKey")
	if err := middleware.ValidateID(key); err != nil {
		writeAppError(w, h.logger, r, apperr.InvalidArg(err.Error()))
		return
	}

	tl, err := s.OpenRoute(r.Context(), key)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl.Event())
}
