package natsjs

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Relay mirrors a datastore changefeed onto NATS so other processes can follow
// it with Feed.
type Relay struct {
	pub *Publisher
	log zerolog.Logger
}

func NewRelay(pub *Publisher, log zerolog.Logger) *Relay {
	return &Relay{pub: pub, log: log.With().Str("component", "relay").Logger()}
}

// Run subscribes to every user's changes and publishes them until ctx ends.
func (r *Relay) Run(ctx context.Context, feed sync.Changefeed) error {
	unsubscribe, err := feed.Subscribe(ctx, "", r.forward)
	if err != nil {
		return err
	}
	defer unsubscribe()
	<-ctx.Done()
	return nil
}

func (r *Relay) forward(ev sync.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Str("change_id", ev.ID).Msg("failed to encode change")
		return
	}
	subject := ChangeSubject(ev.UserID, string(ev.Table), string(ev.Op))
	if err := r.pub.Publish(subject, payload, ev.ID); err != nil {
		r.log.Error().Err(err).Str("change_id", ev.ID).Msg("failed to relay change")
	}
}
