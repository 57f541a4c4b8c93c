// Package api is the HTTP surface of the sync service: the OAuth connect
// flow, account status and manual retry, the connectivity signal, message
// access, and SSE/WebSocket notification streams.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/notify"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Engine is the part of the sync engine the API drives.
type Engine interface {
	StartSync(ctx context.Context, userID string) error
	RetryAccount(ctx context.Context, accountID string) error
	RemoveAccount(accountID string)
	SetOnline(online bool)
	Online() bool
	Status(accountID string) (sync.SyncStatus, bool)
	AccessToken(ctx context.Context, accountID string) (string, sync.EmailProvider, error)
}

// Providers resolves adapters by kind.
type Providers interface {
	Provider(kind sync.ProviderKind) (sync.EmailProvider, error)
}

// Store is the datastore surface the API reads and writes.
type Store interface {
	ListAccounts(ctx context.Context, userID string) ([]sync.Account, error)
	GetAccount(ctx context.Context, id string) (sync.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	ConnectAccount(ctx context.Context, account sync.Account, tok auth.Token) (sync.Account, bool, error)
	GetMessage(ctx context.Context, accountID, id string) (sync.Message, error)
	ListMessages(ctx context.Context, accountID string, limit int) ([]sync.Message, error)
	LoadSyncStatus(ctx context.Context, accountID string) (sync.SyncStatus, error)
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
	UserFromToken(raw string) (*auth.User, error)
}

// Options wires the server.
type Options struct {
	Engine    Engine
	Providers Providers
	Store     Store
	Auth      Authenticator
	State     *auth.StateSigner
	Hub       *notify.Hub
	Logger    zerolog.Logger

	// AllowedOrigins are accepted for WebSocket upgrades in addition to
	// same-origin requests.
	AllowedOrigins []string
	// PingInterval is the keepalive period of SSE and WebSocket streams.
	PingInterval time.Duration
}

// Server holds the gin router and its dependencies.
type Server struct {
	engine    Engine
	providers Providers
	store     Store
	auth      Authenticator
	state     *auth.StateSigner
	hub       *notify.Hub
	log       zerolog.Logger

	upgrader websocket.Upgrader
	ping     time.Duration
	router   *gin.Engine
}

func New(opts Options) *Server {
	s := &Server{
		engine:    opts.Engine,
		providers: opts.Providers,
		store:     opts.Store,
		auth:      opts.Auth,
		state:     opts.State,
		hub:       opts.Hub,
		log:       opts.Logger.With().Str("component", "api").Logger(),
		ping:      opts.PingInterval,
	}
	if s.ping <= 0 {
		s.ping = 20 * time.Second
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", s.handleHealth)
	r.GET("/oauth/:provider/callback", s.handleOAuthCallback)

	authorized := r.Group("/")
	authorized.Use(s.authMiddleware())

	authorized.GET("/oauth/:provider/url", s.handleOAuthURL)
	authorized.POST("/sync/start", s.handleStartSync)
	authorized.PUT("/connectivity", s.handleConnectivity)

	accounts := authorized.Group("/accounts")
	accounts.GET("", s.handleListAccounts)
	account := accounts.Group("/:id", s.loadAccount)
	account.GET("/status", s.handleStatus)
	account.POST("/sync", s.handleRetry)
	account.DELETE("", s.handleDeleteAccount)
	account.GET("/messages", s.handleListMessages)
	account.GET("/messages/:mid/attachments/:aid", s.handleAttachment)
	account.POST("/send", s.handleSend)

	authorized.GET("/events", s.handleEvents)
	authorized.GET("/ws", s.handleWebSocket)
	return r
}
