package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/middleware"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps an application error code to an HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeAuth:
		return http.StatusUnauthorized
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodePermission:
		return http.StatusForbidden
	case apperr.CodeTransientStore:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeAppError writes err with its code. Internal errors keep their detail
// in the log only.
func writeAppError(w http.ResponseWriter, log *logger.Logger, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	message := "internal error"
	var ae *apperr.AppError
	if status != http.StatusInternalServerError && errors.As(err, &ae) {
		message = ae.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  string(code),
	})
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperr.InvalidArg("invalid request body")
	}
	return nil
}

// currentSession returns the device session named by the request's token.
func currentSession(sessions *session.Manager, r *http.Request) (*session.Session, error) {
	s, err := sessions.Get(middleware.GetSessionID(r.Context()))
	if err != nil {
		return nil, err
	}
	if s.User().UID != middleware.GetUserID(r.Context()) {
		return nil, apperr.Auth("session expired")
	}
	return s, nil
}
