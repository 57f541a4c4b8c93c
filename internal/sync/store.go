package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
)

// SyncState is the per-account sync state machine position.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateSuccess SyncState = "success"
	StateError   SyncState = "error"
)

// SyncStatus is the observable sync status of one account.
type SyncStatus struct {
	AccountID string    `json:"account_id"`
	State     SyncState `json:"state"`
	LastSync  time.Time `json:"last_sync"`
	Error     string    `json:"error,omitempty"`
	Retries   int       `json:"retries"`
}

// UpsertResult splits an upserted batch by what the write actually did.
type UpsertResult struct {
	Inserted  []string
	Updated   []string
	Unchanged []string
}

// Store is the durable owner of accounts, credentials and messages.
type Store interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListAccounts(ctx context.Context, userID string) ([]Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccount(ctx context.Context, userID string, provider ProviderKind, email string) (Account, error)
	// SaveAccount upserts the account and emits an INSERT or UPDATE change.
	SaveAccount(ctx context.Context, account Account) error
	DeleteAccount(ctx context.Context, id string) error

	GetCredential(ctx context.Context, accountID string) (auth.Token, error)
	SaveCredential(ctx context.Context, accountID string, tok auth.Token) error

	// UpsertMessages inserts new messages and overwrites changed ones. Only
	// inserted and updated rows produce change events.
	UpsertMessages(ctx context.Context, account Account, msgs []Message) (UpsertResult, error)
	GetMessage(ctx context.Context, accountID, id string) (Message, error)
	ListMessages(ctx context.Context, accountID string, limit int) ([]Message, error)

	// MarkSynced records a completed sweep: account last-sync time plus the
	// persisted success status. It does not emit a change event.
	MarkSynced(ctx context.Context, accountID string, at time.Time) error
	SaveSyncStatus(ctx context.Context, status SyncStatus) error
	LoadSyncStatus(ctx context.Context, accountID string) (SyncStatus, error)
}

// Table names carried by change events.
type Table string

const (
	TableAccounts Table = "accounts"
	TableMessages Table = "messages"
)

// Op is the row operation of a change event.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ChangeEvent is one row-level change notification. Delivery is at-least-once
// and unordered across tables.
type ChangeEvent struct {
	ID        string   `json:"id"`
	Table     Table    `json:"table"`
	Op        Op       `json:"op"`
	UserID    string   `json:"user_id"`
	AccountID string   `json:"account_id"`
	RowID     string   `json:"row_id"`
	Account   *Account `json:"account,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// Changefeed delivers change events for one user, or for every user when
// userID is empty.
type Changefeed interface {
	Subscribe(ctx context.Context, userID string, fn func(ChangeEvent)) (unsubscribe func(), err error)
}

// Hook receives newly inserted messages for downstream processing such as
// analysis. Errors are logged and never fail a sync.
type Hook func(ctx context.Context, account Account, msgs []Message) error

// Notifier is the fire-and-forget user-facing surface.
type Notifier interface {
	NewMessages(account Account, msgs []Message)
	StatusChanged(account Account, status SyncStatus)
	SyncFailed(account Account, err error)
}

// Deps are the shared dependencies the Factory injects into every adapter.
type Deps struct {
	Store  Store
	Hook   Hook
	Logger zerolog.Logger
}

type nopNotifier struct{}

func (nopNotifier) NewMessages(Account, []Message)   {}
func (nopNotifier) StatusChanged(Account, SyncStatus) {}
func (nopNotifier) SyncFailed(Account, error)         {}
