package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// apiError is the JSON body of every error response.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps domain errors onto HTTP status codes and stable error codes.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, sync.ErrAccountNotFound),
		errors.Is(err, sync.ErrMessageNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sync.ErrUnknownProvider):
		return http.StatusNotFound, "unknown_provider"
	case errors.Is(err, auth.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, sync.ErrReauthRequired),
		errors.Is(err, sync.ErrCredentialNotFound),
		sync.IsAuth(err):
		return http.StatusConflict, "reauth_required"
	case errors.Is(err, sync.ErrAlreadySyncing):
		return http.StatusConflict, "already_syncing"
	case errors.Is(err, sync.ErrEngineStopped),
		errors.Is(err, sync.ErrFactoryNotInitialized):
		return http.StatusServiceUnavailable, "unavailable"
	case sync.IsTransient(err):
		return http.StatusBadGateway, "provider_unavailable"
	case sync.IsParse(err):
		return http.StatusBadGateway, "provider_response"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status >= 500 && code == "internal" {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.Error(err)
	c.AbortWithStatusJSON(status, apiError{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, apiError{Error: msg, Code: "bad_request"})
}
