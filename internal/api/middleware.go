package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	userKey    = "user"
	accountKey = "account"
)

// authMiddleware accepts a bearer token, or an access_token query parameter
// for EventSource and browser WebSocket clients, which cannot set headers.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			user *auth.User
			err  error
		)
		if c.GetHeader("Authorization") == "" && c.Query("access_token") != "" {
			user, err = s.auth.UserFromToken(c.Query("access_token"))
		} else {
			user, err = s.auth.UserFromRequest(c.Request)
		}
		if err != nil {
			s.log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet(userKey).(*auth.User)
}

// loadAccount resolves :id to an account owned by the caller. Accounts of
// other users are reported as missing.
func (s *Server) loadAccount(c *gin.Context) {
	account, err := s.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err == nil && account.UserID != currentUser(c).ID {
		err = sync.ErrAccountNotFound
	}
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Set(accountKey, account)
	c.Next()
}

func currentAccount(c *gin.Context) sync.Account {
	return c.MustGet(accountKey).(sync.Account)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// checkOrigin allows same-origin upgrades, requests without an Origin header,
// and the configured origins.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
