package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// StreamName is the JetStream stream holding every per-user subject.
const StreamName = "USER_EVENTS"

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc  *nats.Conn
	js  jetStream
	log zerolog.Logger
}

// Connect dials NATS and opens a JetStream context. The connection retries
// forever so a NATS restart does not take the sync service down.
func Connect(url, name string, log zerolog.Logger) (*Publisher, error) {
	log = log.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, log: log}, nil
}

// Conn exposes the underlying connection for core subscriptions.
func (p *Publisher) Conn() *nats.Conn {
	return p.nc
}

// EnsureStream ensures the USER_EVENTS stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := p.js.StreamInfo(StreamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"user.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.log.Info().Str("stream", StreamName).Msg("stream created")
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, msgID)
	_, err := p.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}

// token makes an id safe to use as one subject token.
func token(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// EmailReceivedSubject is the subject of the downstream-processing hook.
func EmailReceivedSubject(userID string) string {
	return fmt.Sprintf("user.%s.email.received", token(userID))
}

// ChangeSubject is the subject a changefeed event is relayed on.
func ChangeSubject(userID, table, op string) string {
	return fmt.Sprintf("user.%s.changes.%s.%s", token(userID), token(table), strings.ToLower(token(op)))
}

// ChangesFilter matches every relayed change of one user, or of all users when
// userID is empty.
func ChangesFilter(userID string) string {
	if userID == "" {
		return "user.*.changes.>"
	}
	return fmt.Sprintf("user.%s.changes.>", token(userID))
}
