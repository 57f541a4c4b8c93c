package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Subscribe implements sync.Changefeed. Only changes committed after the store
// was opened are delivered.
func (s *Store) Subscribe(ctx context.Context, userID string, fn func(sync.ChangeEvent)) (func(), error) {
	return s.feed.Subscribe(ctx, userID, fn)
}

func (s *Store) pollLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("change_log poll failed")
			}
		}
	}
}

type changeRow struct {
	seq     int64
	payload string
}

// Poll delivers every change committed since the previous poll and returns how
// many were delivered. Rows are read in full before any callback runs, since
// callbacks may use the store.
func (s *Store) Poll(ctx context.Context) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	delivered := 0
	for {
		rows, err := s.DB.QueryContext(ctx, `
			SELECT seq, payload FROM change_log WHERE seq > ? ORDER BY seq LIMIT ?
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
			break
		}
	}

	s.prune(ctx)
	return delivered, nil
}

// prune drops delivered changes older than the retention window, at most once
// a minute.
func (s *Store) prune(ctx context.Context) {
	now := time.Now()
	if now.Sub(s.lastPrune) < time.Minute {
		return
	}
	s.lastPrune = now
	cutoff := now.Add(-s.opts.Retention).UnixMilli()
	if _, err := s.DB.ExecContext(ctx, `
		DELETE FROM change_log WHERE seq <= ? AND created_at < ?
	`, s.cursor, cutoff); err != nil {
		s.log.Warn().Err(err).Msg("failed to prune change_log")
	}
}
