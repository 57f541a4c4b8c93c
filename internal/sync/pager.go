package sync

import (
	"context"
	"fmt"
)

// BatchResult is the outcome of persisting one page of messages.
type BatchResult struct {
	Account  Account
	Messages []Message
	Inserted []Message
	Updated  []Message
	Skipped  int
}

// NewUnread returns the inserted messages that are still unread.
func (b BatchResult) NewUnread() []Message {
	var out []Message
	for _, m := range b.Inserted {
		if m.Unread {
			out = append(out, m)
		}
	}
	return out
}

// PersistBatch de-duplicates msgs by provider id, upserts them and hands the
// newly inserted ones to the downstream hook. Messages without an id are
// skipped. Hook failures are logged and never fail the batch.
func PersistBatch(ctx context.Context, deps Deps, account Account, msgs []Message) (BatchResult, error) {
	res := BatchResult{Account: account}

	index := make(map[string]int, len(msgs))
	batch := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			res.Skipped++
			deps.Logger.Warn().
				Str("account_id", account.ID).
				Err(ParseError(account.Provider, "persist batch", fmt.Errorf("message without id"))).
				Msg("skipping message")
			continue
		}
		m.AccountID = account.ID
		m.SetRead(m.IsRead)
		if i, ok := index[m.ID]; ok {
			batch[i] = m
			continue
		}
		index[m.ID] = len(batch)
		batch = append(batch, m)
	}
	res.Messages = batch
	if len(batch) == 0 {
		return res, nil
	}

	up, err := deps.Store.UpsertMessages(ctx, account, batch)
	if err != nil {
		return res, PersistenceError("upsert messages", err)
	}
	res.Inserted = pick(batch, index, up.Inserted)
	res.Updated = pick(batch, index, up.Updated)

	if deps.Hook != nil && len(res.Inserted) > 0 {
		if err := deps.Hook(ctx, account, res.Inserted); err != nil {
			deps.Logger.Error().Err(err).
				Str("account_id", account.ID).
				Int("messages", len(res.Inserted)).
				Msg("downstream hook failed")
		}
	}
	return res, nil
}

func pick(batch []Message, index map[string]int, ids []string) []Message {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if i, ok := index[id]; ok {
			out = append(out, batch[i])
		}
	}
	return out
}

// DefaultSyncEmails pages through GetMessages until the provider reports no
// further pages, persisting every page, then records the sweep as complete.
// Nothing durable about the sweep is recorded when a page fails.
func DefaultSyncEmails(ctx context.Context, p EmailProvider, deps Deps, req SyncRequest) error {
	opts := ListOptions{PageSize: req.PageSize, Since: req.Since}
	pages := 0
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := p.GetMessages(ctx, req.AccessToken, opts)
		if err != nil {
			return fmt.Errorf("get messages page %d: %w", pages+1, err)
		}
		pages++

		res, err := PersistBatch(ctx, deps, req.Account, page.Messages)
		if err != nil {
			return err
		}
		total += len(res.Messages)
		if req.OnBatch != nil {
			req.OnBatch(res)
		}

		if page.NextPageToken == "" {
			break
		}
		opts.PageToken = page.NextPageToken
	}

	return CompleteSweep(ctx, deps, req, pages, total)
}

// CompleteSweep records the sweep's start time as the account's last-sync
// time. Adapters that implement AccountSyncer call it once every page has
// been persisted.
func CompleteSweep(ctx context.Context, deps Deps, req SyncRequest, pages, total int) error {
	if err := deps.Store.MarkSynced(ctx, req.Account.ID, req.StartedAt); err != nil {
		return PersistenceError("mark synced", err)
	}
	deps.Logger.Info().
		Str("account_id", req.Account.ID).
		Str("provider", string(req.Account.Provider)).
		Int("pages", pages).
		Int("messages", total).
		Msg("sweep complete")
	return nil
}
