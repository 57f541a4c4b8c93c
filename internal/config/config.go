// Package config reads service configuration from the environment, after
// loading an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	GinDebug  bool
	// AllowedOrigins may open WebSocket streams besides same-origin pages.
	AllowedOrigins []string

	// Datastore: "sqlite" or "postgres".
	Store        string
	SQLiteDriver string
	SQLitePath   string
	PostgresDSN  string
	ChangePoll   time.Duration
	ChangeRetain time.Duration

	// NATSURL enables the downstream hook and changefeed relay when set.
	NATSURL  string
	NATSName string
	// Changefeed selects where the engine reads realtime changes from:
	// "store" or "nats".
	Changefeed string

	JWKSURL     string
	JWTSecret   string
	JWTIssuer   string
	StateSecret string
	StateTTL    time.Duration

	Gmail   OAuthApp
	Outlook OAuthApp

	SyncInterval    time.Duration
	RetryDelay      time.Duration
	MaxRetries      int
	PageSize        int
	InitialLookback time.Duration
	DebounceWait    time.Duration
	SyncTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Warnings lists variables that were set but could not be parsed and
	// fell back to their defaults.
	Warnings []string
}

// OAuthApp is one provider's OAuth client registration.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string
}

// Enabled reports whether the app is configured.
func (a OAuthApp) Enabled() bool { return a.ClientID != "" }

// Load reads .env (when present) and the process environment. Variables
// already set in the environment win over .env.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)

	var e env
	cfg := Config{
		HTTPAddr:  e.str("MAILSYNC_HTTP_ADDR", ":8080"),
		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),
		GinDebug:  e.boolean("GIN_DEBUG", false),

		AllowedOrigins: e.list("MAILSYNC_ALLOWED_ORIGINS"),

		Store:        strings.ToLower(e.str("MAILSYNC_STORE", "sqlite")),
		SQLiteDriver: e.str("MAILSYNC_DB_DRIVER", "sqlite"),
		SQLitePath:   e.str("MAILSYNC_DB_PATH", "data/mailsync.db"),
		PostgresDSN:  e.str("MAILSYNC_POSTGRES_DSN", ""),
		ChangePoll:   e.duration("MAILSYNC_CHANGE_POLL", 500*time.Millisecond),
		ChangeRetain: e.duration("MAILSYNC_CHANGE_RETENTION", 24*time.Hour),

		NATSURL:    e.str("NATS_URL", ""),
		NATSName:   e.str("NATS_NAME", "mailsync"),
		Changefeed: strings.ToLower(e.str("MAILSYNC_CHANGEFEED", "store")),

		JWKSURL:     e.str("AUTH_JWKS_URL", ""),
		JWTSecret:   e.str("AUTH_JWT_SECRET", ""),
		JWTIssuer:   e.str("AUTH_JWT_ISSUER", ""),
		StateSecret: e.str("OAUTH_STATE_SECRET", ""),
		StateTTL:    e.duration("OAUTH_STATE_TTL", 10*time.Minute),

		Gmail: OAuthApp{
			ClientID:     e.str("GMAIL_CLIENT_ID", ""),
			ClientSecret: e.str("GMAIL_CLIENT_SECRET", ""),
			RedirectURL:  e.str("GMAIL_REDIRECT_URL", ""),
		},
		Outlook: OAuthApp{
			ClientID:     e.str("OUTLOOK_CLIENT_ID", ""),
			ClientSecret: e.str("OUTLOOK_CLIENT_SECRET", ""),
			RedirectURL:  e.str("OUTLOOK_REDIRECT_URL", ""),
			Tenant:       e.str("OUTLOOK_TENANT", "common"),
		},

		SyncInterval:    e.duration("SYNC_INTERVAL", 5*time.Minute),
		RetryDelay:      e.duration("SYNC_RETRY_DELAY", 5*time.Second),
		MaxRetries:      e.integer("SYNC_MAX_RETRIES", 3),
		PageSize:        e.integer("SYNC_PAGE_SIZE", 50),
		InitialLookback: e.duration("SYNC_INITIAL_LOOKBACK", 30*24*time.Hour),
		DebounceWait:    e.duration("SYNC_DEBOUNCE", 2*time.Second),
		SyncTimeout:     e.duration("SYNC_TIMEOUT", 10*time.Minute),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	cfg.Warnings = e.warnings
	return cfg
}

// Validate checks the combinations Load cannot default.
func (c Config) Validate() error {
	switch c.Store {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("MAILSYNC_DB_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("MAILSYNC_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown MAILSYNC_STORE %q", c.Store)
	}
	switch c.Changefeed {
	case "store":
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("MAILSYNC_CHANGEFEED=nats requires NATS_URL")
		}
	default:
		return fmt.Errorf("unknown MAILSYNC_CHANGEFEED %q", c.Changefeed)
	}
	if c.JWKSURL == "" && c.JWTSecret == "" {
		return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_JWT_SECRET is required")
	}
	if c.StateSecret == "" {
		return fmt.Errorf("OAUTH_STATE_SECRET is required")
	}
	if !c.Gmail.Enabled() && !c.Outlook.Enabled() {
		return fmt.Errorf("no provider configured: set GMAIL_CLIENT_ID and/or OUTLOOK_CLIENT_ID")
	}
	return nil
}

type env struct {
	warnings []string
}

func (e *env) str(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}

func (e *env) list(name string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(name), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (e *env) integer(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return v
}

func (e *env) boolean(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %t", name, raw, fallback))
		return fallback
	}
	return v
}

func (e *env) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback))
		return fallback
	}
	return v
}
