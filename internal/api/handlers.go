package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/sync"
)

const maxMessageLimit = 500

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": s.engine.Online()})
}

func (s *Server) provider(c *gin.Context) (sync.EmailProvider, bool) {
	kind := sync.ProviderKind(c.Param("provider"))
	if !kind.Valid() {
		s.abortWithError(c, fmt.Errorf("%w: %s", sync.ErrUnknownProvider, kind))
		return nil, false
	}
	p, err := s.providers.Provider(kind)
	if err != nil {
		s.abortWithError(c, err)
		return nil, false
	}
	return p, true
}

// handleOAuthURL returns the consent URL. The state binds the callback to the
// caller.
func (s *Server) handleOAuthURL(c *gin.Context) {
	p, ok := s.provider(c)
	if !ok {
		return
	}
	state, err := s.state.Sign(currentUser(c).ID, string(p.Kind()))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": p.AuthURL(state)})
}

// handleOAuthCallback completes the connect flow: code exchange, mailbox
// lookup, then account and credential persisted together. A mailbox that is
// already connected is reactivated with the new credential.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if msg := c.Query("error"); msg != "" {
		badRequest(c, "authorization denied: "+msg)
		return
	}
	code := c.Query("code")
	if code == "" {
		badRequest(c, "missing code")
		return
	}
	p, ok := s.provider(c)
	if !ok {
		return
	}
	userID, err := s.state.Verify(c.Query("state"), string(p.Kind()))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	tok, err := p.ExchangeCode(ctx, code)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	email, err := p.Profile(ctx, tok.AccessToken)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	account, created, err := s.store.ConnectAccount(ctx, sync.Account{
		ID:       uuid.NewString(),
		UserID:   userID,
		Provider: p.Kind(),
		Email:    email,
	}, tok)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.engine.StartSync(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to start sync after connect")
	}

	s.log.Info().
		Str("account_id", account.ID).
		Str("provider", string(account.Provider)).
		Bool("created", created).
		Msg("account connected")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, account)
}

func (s *Server) handleStartSync(c *gin.Context) {
	if err := s.engine.StartSync(c.Request.Context(), currentUser(c).ID); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (s *Server) handleConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	s.engine.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": s.engine.Online()})
}

type accountView struct {
	sync.Account
	Sync sync.SyncStatus `json:"sync"`
}

func (s *Server) syncStatus(c *gin.Context, accountID string) (sync.SyncStatus, error) {
	if st, ok := s.engine.Status(accountID); ok {
		return st, nil
	}
	return s.store.LoadSyncStatus(c.Request.Context(), accountID)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		st, err := s.syncStatus(c, a.ID)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		out = append(out, accountView{Account: a, Sync: st})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.syncStatus(c, currentAccount(c).ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleRetry is the manual retry for an account in error.
func (s *Server) handleRetry(c *gin.Context) {
	if err := s.engine.RetryAccount(c.Request.Context(), currentAccount(c).ID); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id := currentAccount(c).ID
	if err := s.store.DeleteAccount(c.Request.Context(), id); err != nil {
		s.abortWithError(c, err)
		return
	}
	// The changefeed delivers the same removal; RemoveAccount is idempotent.
	s.engine.RemoveAccount(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), currentAccount(c).ID, limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if msgs == nil {
		msgs = []sync.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// handleAttachment streams attachment content from the provider. The stored
// message supplies file name and content type.
func (s *Server) handleAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	account := currentAccount(c)
	msg, err := s.store.GetMessage(ctx, account.ID, c.Param("mid"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	var meta *sync.Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == c.Param("aid") {
			meta = &msg.Attachments[i]
			break
		}
	}
	if meta == nil {
		s.abortWithError(c, fmt.Errorf("%w: attachment %s", sync.ErrMessageNotFound, c.Param("aid")))
		return
	}

	token, p, err := s.engine.AccessToken(ctx, account.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	data, err := p.GetAttachment(ctx, token, msg.ID, meta.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if meta.Name != "" {
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}))
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handleSend(c *gin.Context) {
	var msg sync.OutgoingMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		badRequest(c, "at least one recipient is required")
		return
	}
	account := currentAccount(c)
	if msg.From.Email == "" {
		msg.From.Email = account.Email
	}

	ctx := c.Request.Context()
	token, p, err := s.engine.AccessToken(ctx, account.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	id, err := p.SendMessage(ctx, token, msg)
	if err != nil {
		if errors.Is(err, sync.ErrReauthRequired) || sync.IsAuth(err) || sync.IsTransient(err) {
			s.abortWithError(c, err)
			return
		}
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}
