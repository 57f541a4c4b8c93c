package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// runPass replays the account's offline queue and then performs one full
// sweep. It returns the freshly loaded account alongside the error.
func (e *Engine) runPass(ctx context.Context, st *accountState, replay []Message) (Account, error) {
	accountID := st.account.ID
	log := e.log.With().Str("account_id", accountID).Logger()

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		e.requeue(accountID, st, replay)
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	if account.Status == AccountDisabled {
		e.requeue(accountID, st, replay)
		return account, ErrReauthRequired
	}

	e.mu.Lock()
	if e.accounts[accountID] == st {
		st.account = account
	}
	status := st.status
	e.mu.Unlock()
	e.notifier.StatusChanged(account, status)

	if len(replay) > 0 {
		res, err := e.processBatch(ctx, account, replay)
		if err != nil {
			e.requeue(accountID, st, replay)
			return account, fmt.Errorf("replay offline queue: %w", err)
		}
		log.Info().Int("messages", len(res.Messages)).Msg("offline queue replayed")
	}

	p, err := e.factory.Provider(account.Provider)
	if err != nil {
		return account, err
	}
	token, err := e.validToken(ctx, account, p)
	if err != nil {
		return account, err
	}

	now := e.clock.Now()
	req := SyncRequest{
		Account:     account,
		AccessToken: token,
		Since:       e.since(account, now),
		PageSize:    e.cfg.PageSize,
		StartedAt:   now,
		OnBatch: func(res BatchResult) {
			if unread := res.NewUnread(); len(unread) > 0 {
				e.notifier.NewMessages(account, unread)
			}
		},
	}

	log.Debug().Time("since", req.Since).Msg("sync pass starting")
	if s, ok := p.(AccountSyncer); ok {
		err = s.SyncEmails(ctx, req)
	} else {
		err = DefaultSyncEmails(ctx, p, e.deps, req)
	}
	if err != nil {
		return account, err
	}
	account.LastSyncedAt = now
	return account, nil
}

// since is the lower bound of a sweep: one interval of overlap before the
// last completed sweep, or the initial lookback for a never-synced account.
func (e *Engine) since(account Account, now time.Time) time.Time {
	if account.LastSyncedAt.IsZero() {
		return now.Add(-e.cfg.InitialLookback)
	}
	return account.LastSyncedAt.Add(-e.cfg.SyncInterval)
}

// validToken returns a usable access token, refreshing and persisting it when
// the stored one has expired.
func (e *Engine) validToken(ctx context.Context, account Account, p EmailProvider) (string, error) {
	tok, err := e.store.GetCredential(ctx, account.ID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", AuthError(account.Provider, "load credential", err)
		}
		return "", fmt.Errorf("load credential: %w", err)
	}
	if !tok.Expired(e.clock.Now()) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", AuthError(account.Provider, "refresh token", errors.New("no refresh token stored"))
	}

	fresh, err := p.RefreshTokens(ctx, tok.RefreshToken)
	if err != nil {
		return "", err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := e.store.SaveCredential(ctx, account.ID, fresh); err != nil {
		return "", PersistenceError("save refreshed credential", err)
	}
	e.log.Debug().Str("account_id", account.ID).Msg("access token refreshed")
	return fresh.AccessToken, nil
}

// processBatch is the shared path for realtime and replayed messages:
// de-duplicate, upsert, notify for new unread mail.
func (e *Engine) processBatch(ctx context.Context, account Account, msgs []Message) (BatchResult, error) {
	res, err := PersistBatch(ctx, e.deps, account, msgs)
	if err != nil {
		return res, err
	}
	if unread := res.NewUnread(); len(unread) > 0 {
		e.notifier.NewMessages(account, unread)
	}
	return res, nil
}

func (e *Engine) requeue(accountID string, st *accountState, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accounts[accountID] != st {
		return
	}
	e.queue.add(accountID, msgs...)
}

// handleChange reacts to one changefeed event.
func (e *Engine) handleChange(ev ChangeEvent) {
	switch ev.Table {
	case TableMessages:
		e.handleMessageChange(ev)
	case TableAccounts:
		e.handleAccountChange(ev)
	}
}

func (e *Engine) handleMessageChange(ev ChangeEvent) {
	if ev.Op == OpDelete || ev.Message == nil {
		return
	}
	accountID := ev.AccountID
	if accountID == "" {
		accountID = ev.Message.AccountID
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.online {
		e.queue.add(accountID, *ev.Message)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.debounce.add(accountID, *ev.Message)
}

func (e *Engine) handleAccountChange(ev ChangeEvent) {
	accountID := ev.RowID
	if accountID == "" && ev.Account != nil {
		accountID = ev.Account.ID
	}
	if accountID == "" {
		return
	}

	switch ev.Op {
	case OpDelete:
		e.RemoveAccount(accountID)
		e.log.Info().Str("account_id", accountID).Msg("account removed")

	case OpInsert, OpUpdate:
		if ev.Account == nil {
			return
		}
		account := *ev.Account
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		st, tracked := e.accounts[accountID]
		if !tracked {
			st = &accountState{
				account: account,
				status:  SyncStatus{AccountID: accountID, State: StateIdle, LastSync: account.LastSyncedAt},
			}
			e.accounts[accountID] = st
		}
		st.account.UserID = account.UserID
		st.account.Provider = account.Provider
		st.account.Email = account.Email
		st.account.Status = account.Status

		if account.Status != AccountActive {
			stopTimers(st)
			e.mu.Unlock()
			return
		}
		if st.timer == nil {
			e.armTimerLocked(accountID)
		}
		online := e.online
		e.mu.Unlock()

		if online {
			e.TriggerAccountSync(accountID)
		}
	}
}

// flushRealtime receives a debounced batch. Batches that flush after
// connectivity was lost go to the offline queue instead.
func (e *Engine) flushRealtime(accountID string, msgs []Message) {
	e.mu.Lock()
	st, ok := e.accounts[accountID]
	if !e.online {
		e.queue.add(accountID, msgs...)
		e.mu.Unlock()
		return
	}
	var account Account
	if ok {
		account = st.account
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if account.UserID == "" {
		a, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			e.log.Warn().Err(err).Str("account_id", accountID).Msg("dropping realtime batch for unknown account")
			return
		}
		account = a
	}
	if _, err := e.processBatch(ctx, account, msgs); err != nil {
		e.log.Error().Err(err).Str("account_id", accountID).Int("messages", len(msgs)).
			Msg("realtime batch failed")
	}
}
