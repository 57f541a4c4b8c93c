package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
)

// ProviderKind represents email provider types
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
)

// Valid reports whether k names a supported provider.
func (k ProviderKind) Valid() bool {
	return k == ProviderGmail || k == ProviderOutlook
}

// AccountStatus is the lifecycle status of a connected mailbox.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountError    AccountStatus = "error"
	AccountDisabled AccountStatus = "disabled"
)

// Account identifies one connected mailbox.
type Account struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Provider     ProviderKind  `json:"provider"`
	Email        string        `json:"email"`
	Status       AccountStatus `json:"status"`
	LastSyncedAt time.Time     `json:"last_synced_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Address is a display name plus mailbox address.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attachment describes a message attachment without its content.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message represents a normalized email across providers
type Message struct {
	ID          string       `json:"id"` // provider ID (Gmail: Id, Outlook: id)
	AccountID   string       `json:"account_id"`
	ThreadID    string       `json:"thread_id"`
	Subject     string       `json:"subject"`
	From        Address      `json:"from"`
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc"`
	Bcc         []Address    `json:"bcc"`
	Body        string       `json:"body"`
	HTMLBody    string       `json:"html_body,omitempty"`
	IsRead      bool         `json:"is_read"`
	Unread      bool         `json:"unread"`
	Date        time.Time    `json:"date"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Labels      []string     `json:"labels"`
}

// SetRead keeps IsRead and Unread complementary.
func (m *Message) SetRead(read bool) {
	m.IsRead = read
	m.Unread = !read
}

// OutgoingMessage is a message to be sent through a provider.
type OutgoingMessage struct {
	From        Address              `json:"from"`
	To          []Address            `json:"to"`
	Cc          []Address            `json:"cc"`
	Bcc         []Address            `json:"bcc"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	HTMLBody    string               `json:"html_body"`
	Attachments []OutgoingAttachment `json:"attachments"`
}

// OutgoingAttachment carries attachment content for sending.
type OutgoingAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// ListOptions selects one page of messages.
type ListOptions struct {
	PageSize  int
	PageToken string
	Since     time.Time
}

// Page is one page of normalized messages. An empty NextPageToken means the
// provider reported no further pages.
type Page struct {
	Messages      []Message
	NextPageToken string
}

// EmailProvider is the provider-agnostic capability set implemented once per
// provider kind.
type EmailProvider interface {
	Kind() ProviderKind

	// AuthURL builds the provider's OAuth consent URL.
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (auth.Token, error)
	RefreshTokens(ctx context.Context, refreshToken string) (auth.Token, error)

	// Profile returns the mailbox address the access token belongs to.
	Profile(ctx context.Context, accessToken string) (string, error)

	GetMessages(ctx context.Context, accessToken string, opts ListOptions) (Page, error)
	GetMessage(ctx context.Context, accessToken, id string) (Message, error)
	GetAttachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error)
	SendMessage(ctx context.Context, accessToken string, msg OutgoingMessage) (string, error)
}

// SyncRequest is the input of one paginated sweep of an account.
type SyncRequest struct {
	Account     Account
	AccessToken string
	Since       time.Time
	PageSize    int
	// StartedAt is recorded as the account's last-sync time once the whole
	// sweep has completed.
	StartedAt time.Time
	// OnBatch is called after each page has been persisted.
	OnBatch func(BatchResult)
}

// AccountSyncer is implemented by adapters that need provider-specific
// sequencing of a sweep. Adapters without it use DefaultSyncEmails.
type AccountSyncer interface {
	SyncEmails(ctx context.Context, req SyncRequest) error
}
