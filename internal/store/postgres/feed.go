package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const listenerPing = 90 * time.Second

// Subscribe implements sync.Changefeed.
func (s *Store) Subscribe(ctx context.Context, userID string, fn func(sync.ChangeEvent)) (func(), error) {
	return s.feed.Subscribe(ctx, userID, fn)
}

// listen polls change_log whenever a notification arrives. A nil notification
// means the listener reconnected and may have missed some, so it polls too.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.listener.Notify:
			if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("change_log poll failed")
			}
		case <-time.After(listenerPing):
			go s.listener.Ping()
		}
	}
}

type changeRow struct {
	seq     int64
	payload string
}

// Poll delivers every change committed since the previous poll.
func (s *Store) Poll(ctx context.Context) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	delivered := 0
	for {
		rows, err := s.DB.QueryContext(ctx, `
			SELECT seq, payload FROM change_log WHERE seq > $1 ORDER BY seq LIMIT $2
		`, s.cursor, pollBatch)
		if err != nil {
			return delivered, fmt.Errorf("failed to query change_log: %w", err)
		}
		var batch []changeRow
		for rows.Next() {
			var r changeRow
			if err := rows.Scan(&r.seq, &r.payload); err != nil {
				rows.Close()
				return delivered, fmt.Errorf("failed to scan change: %w", err)
			}
			batch = append(batch, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return delivered, fmt.Errorf("failed to read change_log: %w", err)
		}

		for _, r := range batch {
			s.cursor = r.seq
			ev, err := store.DecodeChange([]byte(r.payload))
			if err != nil {
				s.log.Warn().Err(err).Int64("seq", r.seq).Msg("skipping undecodable change")
				continue
			}
			s.feed.Dispatch(ev)
			delivered++
		}
		if len(batch) < pollBatch {
			return delivered, nil
		}
	}
}
