package handler

import (
	"net/http"

	"github.com/bwchat/realtime-dm/internal/platform"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// DeviceHandler handles the signals a device reports: input activity, tab
// visibility and notification permission.
type DeviceHandler struct {
	sessions *session.Manager
	logger   *logger.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(sessions *session.Manager, log *logger.Logger) *DeviceHandler {
	return &DeviceHandler{
		sessions: sessions,
		logger:   logger.OrGlobal(log).Named("device"),
	}
}

// VisibilityRequest is the body of POST /presence/visibility.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

// PermissionRequest is the body of PUT /notifications/permission.
type PermissionRequest struct {
	Permission string `json:"permission"`
}

// PermissionResponse reports the device's notification permission.
type PermissionResponse struct {
	Permission platform.Permission `json:"permission"`
}

// Activity handles POST /api/v1/presence/activity
func (h *DeviceHandler) Activity(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	s.Activity()
	w.WriteHeader(http.StatusNoContent)
}

// Visibility handles POST /api/v1/presence/visibility
func (h *DeviceHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	var req VisibilityRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	s.SetVisibility(req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

// Permission handles PUT /api/v1/notifications/permission
func (h *DeviceHandler) Permission(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	var req PermissionRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	p, ok := platform.ParsePermission(req.Permission)
	if !ok {
		writeError(w, http.StatusBadRequest, "permission must be default, granted or denied")
		return
	}
	s.SetPermission(p)
	w.WriteHeader(http.StatusNoContent)
}

// OptIn handles POST /api/v1/notifications/opt-in. It waits for the device
// to answer the permission prompt.
func (h *DeviceHandler) OptIn(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &PermissionResponse{Permission: s.OptIn(r.Context())})
}
