package natsjs

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// EmailReceived is the payload handed to downstream processing for each newly
// stored message.
type EmailReceived struct {
	EventID    string            `json:"event_id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	UserID     string            `json:"user_id"`
	AccountID  string            `json:"account_id"`
	Provider   sync.ProviderKind `json:"provider"`
	Message    sync.Message      `json:"message"`
}

const eventEmailReceived = "email.received"

// Hook returns a sync.Hook that publishes each inserted message. The JetStream
// message id is derived from account and message id, so a message stored
// twice within the stream's duplicate window is delivered once.
func Hook(p *Publisher) sync.Hook {
	return func(ctx context.Context, account sync.Account, msgs []sync.Message) error {
		subject := EmailReceivedSubject(account.UserID)
		var errs []error
		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := json.Marshal(EmailReceived{
				EventID:    uuid.NewString(),
				Type:       eventEmailReceived,
				OccurredAt: time.Now().UTC(),
				UserID:     account.UserID,
				AccountID:  account.ID,
				Provider:   account.Provider,
				Message:    m,
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := p.Publish(subject, payload, account.ID+":"+m.ID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
