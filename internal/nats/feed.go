package natsjs

import (
	"context"
	gosync "sync"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

type coreSubscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Feed implements sync.Changefeed over changes relayed onto NATS.
type Feed struct {
	nc  coreSubscriber
	log zerolog.Logger
}

func NewFeed(nc *nats.Conn, log zerolog.Logger) *Feed {
	return &Feed{nc: nc, log: log.With().Str("component", "nats_feed").Logger()}
}

func (f *Feed) Subscribe(ctx context.Context, userID string, fn func(sync.ChangeEvent)) (func(), error) {
	sub, err := f.nc.Subscribe(ChangesFilter(userID), func(msg *nats.Msg) {
		f.deliver(msg, fn)
	})
	if err != nil {
		return nil, err
	}

	var once gosync.Once
	remove := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				f.log.Debug().Err(err).Msg("unsubscribe")
			}
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

func (f *Feed) deliver(msg *nats.Msg, fn func(sync.ChangeEvent)) {
	var ev sync.ChangeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("skipping undecodable change")
		return
	}
	fn(ev)
}

var _ sync.Changefeed = (*Feed)(nil)
