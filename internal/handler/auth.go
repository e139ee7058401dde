package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/identity"
	"github.com/bwchat/realtime-dm/internal/middleware"
	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// AuthHandler handles sign-up, sign-in and sign-out.
type AuthHandler struct {
	sessions  *session.Manager
	jwtSecret string
	tokenTTL  time.Duration
	logger    *logger.Logger

	issueToken func(secret, userID, sessionID string, ttl time.Duration) (string, error)
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(sessions *session.Manager, jwtSecret string, tokenTTL time.Duration, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		sessions:  sessions,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		logger:    logger.OrGlobal(log).Named("auth"),

		issueToken: middleware.IssueToken,
	}
}

// SigninRequest is the body of POST /auth/signin.
type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse carries a new device session.
type AuthResponse struct {
	Token     string     `json:"token"`
	SessionID string     `json:"session_id"`
	User      model.User `json:"user"`
}

// Signup handles POST /api/v1/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req identity.SignupRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	s, err := h.sessions.SignUp(r.Context(), req)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, s)
}

// Signin handles POST /api/v1/auth/signin
func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	s, err := h.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, s)
}

func (h *AuthHandler) respond(w http.ResponseWriter, r *http.Request, status int, s *session.Session) {
	token, err := h.issueToken(h.jwtSecret, s.User().UID, s.ID(), h.tokenTTL)
	if err != nil {
		if serr := h.sessions.SignOut(r.Context(), s.ID()); serr != nil {
			h.logger.Warn("failed to end session after token error",
				zap.String("session_id", s.ID()), zap.Error(serr))
		}
		writeAppError(w, h.logger, r, apperr.Internal("issue token", err))
		return
	}
	writeJSON(w, status, &AuthResponse{Token: token, SessionID: s.ID(), User: s.User()})
}

// Signout handles POST /api/v1/auth/signout
func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	if err := h.sessions.SignOut(r.Context(), s.ID()); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.User())
}

// UpdateProfileRequest is the body of PATCH /me. Omitted fields are left as
// is; an empty photo_url resets to the placeholder avatar.
type UpdateProfileRequest struct {
	Name     *string `json:"name"`
	PhotoURL *string `json:"photo_url"`
}

// UpdateMe handles PATCH /api/v1/me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	var req UpdateProfileRequest
	if err := decode(w, r, &req); err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	if req.Name != nil {
		if err := middleware.ValidateDisplayName(*req.Name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.PhotoURL != nil {
		if err := middleware.ValidatePhotoURL(*req.PhotoURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	u, err := s.UpdateProfile(r.Context(), identity.ProfileUpdate{Name: req.Name, PhotoURL: req.PhotoURL})
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
