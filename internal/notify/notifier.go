package notify

import (
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Toast levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Toast is an in-app message. Action tells the client what the user can do
// about it ("reauth", "retry").
type Toast struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// MailSummary is the part of a new message a desktop notification shows.
type MailSummary struct {
	ID      string       `json:"id"`
	Subject string       `json:"subject"`
	From    sync.Address `json:"from"`
}

// NewMail announces newly stored unread messages.
type NewMail struct {
	Email    string        `json:"email"`
	Count    int           `json:"count"`
	Messages []MailSummary `json:"messages"`
}

const maxSummaries = 5

// Notifier adapts the hub to the engine's notification surface.
type Notifier struct {
	hub *Hub
}

func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) NewMessages(account sync.Account, msgs []sync.Message) {
	if len(msgs) == 0 {
		return
	}
	summaries := make([]MailSummary, 0, min(len(msgs), maxSummaries))
	for _, m := range msgs[:min(len(msgs), maxSummaries)] {
		summaries = append(summaries, MailSummary{ID: m.ID, Subject: m.Subject, From: m.From})
	}
	n.hub.Publish(account.UserID, TypeNewMail, account.ID, NewMail{
		Email:    account.Email,
		Count:    len(msgs),
		Messages: summaries,
	})

	title := "New message"
	if len(msgs) > 1 {
		title = fmt.Sprintf("%d new messages", len(msgs))
	}
	n.hub.Publish(account.UserID, TypeToast, account.ID, Toast{
		Level:   LevelInfo,
		Title:   title,
		Message: account.Email,
	})
}

func (n *Notifier) StatusChanged(account sync.Account, status sync.SyncStatus) {
	n.hub.Publish(account.UserID, TypeSyncStatus, account.ID, status)
}

func (n *Notifier) SyncFailed(account sync.Account, err error) {
	t := Toast{
		Level:   LevelError,
		Title:   "Sync failed",
		Message: fmt.Sprintf("Could not sync %s. Retry from the account settings.", label(account)),
		Action:  "retry",
	}
	if errors.Is(err, sync.ErrReauthRequired) {
		t.Title = "Reconnect your account"
		t.Message = fmt.Sprintf("Access to %s has expired. Sign in again to resume syncing.", label(account))
		t.Action = "reauth"
	}
	n.hub.Publish(account.UserID, TypeToast, account.ID, t)
}

func label(account sync.Account) string {
	if account.Email != "" {
		return account.Email
	}
	return string(account.Provider) + " account"
}

var _ sync.Notifier = (*Notifier)(nil)
