package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes scheduling and retry behaviour of the Engine.
type Config struct {
	SyncInterval    time.Duration
	RetryDelay      time.Duration
	MaxRetries      int
	PageSize        int
	InitialLookback time.Duration
	DebounceWait    time.Duration
	SyncTimeout     time.Duration
	// ReconnectConcurrency bounds how many accounts are replayed and
	// re-synced at once after connectivity returns.
	ReconnectConcurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:         5 * time.Minute,
		RetryDelay:           5 * time.Second,
		MaxRetries:           3,
		PageSize:             50,
		InitialLookback:      30 * 24 * time.Hour,
		DebounceWait:         2 * time.Second,
		SyncTimeout:          10 * time.Minute,
		ReconnectConcurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.InitialLookback <= 0 {
		c.InitialLookback = d.InitialLookback
	}
	if c.DebounceWait <= 0 {
		c.DebounceWait = d.DebounceWait
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
	if c.ReconnectConcurrency <= 0 {
		c.ReconnectConcurrency = d.ReconnectConcurrency
	}
	return c
}

// accountState is the engine's bookkeeping for one tracked account.
type accountState struct {
	account    Account
	status     SyncStatus
	retries    int
	timer      Timer
	retryTimer Timer
	inFlight   bool
}

// Engine coordinates syncing of every tracked account: one pass in flight per
// account, bounded retry with exponential backoff, periodic re-sync, an
// offline queue and realtime changefeed handling.
type Engine struct {
	cfg      Config
	factory  *Factory
	deps     Deps
	store    Store
	feed     Changefeed
	notifier Notifier
	clock    Clock
	log      zerolog.Logger

	mu       gosync.Mutex
	online   bool
	stopped  bool
	accounts map[string]*accountState
	queue    *offlineQueue
	subs     map[string]func()

	debounce *debouncer
	wg       gosync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithChangefeed subscribes the engine to realtime datastore changes.
func WithChangefeed(feed Changefeed) Option {
	return func(e *Engine) { e.feed = feed }
}

// WithNotifier sets the user-facing notification surface.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithClock replaces wall time and timers.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// NewEngine creates a sync engine. deps.Store is required.
func NewEngine(factory *Factory, deps Deps, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		deps:     deps,
		store:    deps.Store,
		notifier: nopNotifier{},
		clock:    realClock{},
		log:      deps.Logger.With().Str("component", "sync-engine").Logger(),
		online:   true,
		accounts: make(map[string]*accountState),
		queue:    newOfflineQueue(),
		subs:     make(map[string]func()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.debounce = newDebouncer(e.clock, e.cfg.DebounceWait, e.flushRealtime)
	return e
}

// StartSync subscribes to the user's changefeed, syncs every active account
// of the user and arms their periodic timers.
func (e *Engine) StartSync(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	_, subscribed := e.subs[userID]
	e.mu.Unlock()

	if !subscribed && e.feed != nil {
		unsub, err := e.feed.Subscribe(context.Background(), userID, e.handleChange)
		if err != nil {
			return fmt.Errorf("subscribe changefeed for user %s: %w", userID, err)
		}
		e.mu.Lock()
		if _, dup := e.subs[userID]; dup || e.stopped {
			e.mu.Unlock()
			unsub()
		} else {
			e.subs[userID] = unsub
			e.mu.Unlock()
		}
	}

	accounts, err := e.store.ListAccounts(ctx, userID)
	if err != nil {
		return fmt.Errorf("list accounts for user %s: %w", userID, err)
	}

	for _, account := range accounts {
		status, err := e.store.LoadSyncStatus(ctx, account.ID)
		if err != nil {
			status = SyncStatus{AccountID: account.ID, State: StateIdle, LastSync: account.LastSyncedAt}
		}
		e.track(account, status)
		if account.Status != AccountActive {
			e.log.Info().Str("account_id", account.ID).Str("status", string(account.Status)).
				Msg("account not active, skipping initial sync")
			continue
		}
		e.armTimer(account.ID)
		e.TriggerAccountSync(account.ID)
	}

	e.log.Info().Str("user_id", userID).Int("accounts", len(accounts)).Msg("sync started")
	return nil
}

// track registers the account or refreshes the tracked copy of it.
func (e *Engine) track(account Account, status SyncStatus) *accountState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.accounts[account.ID]; ok {
		st.account = account
		return st
	}
	status.AccountID = account.ID
	if status.State == "" {
		status.State = StateIdle
	}
	st := &accountState{account: account, status: status}
	e.accounts[account.ID] = st
	return st
}

// armTimer (re)arms the periodic sync timer of an account.
func (e *Engine) armTimer(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armTimerLocked(accountID)
}

func (e *Engine) armTimerLocked(accountID string) {
	st, ok := e.accounts[accountID]
	if !ok || e.stopped {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = e.clock.AfterFunc(e.cfg.SyncInterval, func() { e.tick(accountID, st) })
}

func (e *Engine) tick(accountID string, st *accountState) {
	e.mu.Lock()
	if e.stopped || e.accounts[accountID] != st || st.account.Status != AccountActive {
		e.mu.Unlock()
		return
	}
	e.armTimerLocked(accountID)
	skip := !e.online || st.retryTimer != nil
	e.mu.Unlock()

	if skip {
		return
	}
	e.TriggerAccountSync(accountID)
}

func stopTimers(st *accountState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
}

// TriggerAccountSync starts a pass for the account in the background. While
// offline nothing starts; reconnecting syncs every active account.
func (e *Engine) TriggerAccountSync(accountID string) {
	e.goSync(accountID, 0)
}

func (e *Engine) goSync(accountID string, retryCount int) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.online {
		e.mu.Unlock()
		e.log.Debug().Str("account_id", accountID).Msg("offline, sync deferred until reconnect")
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SyncTimeout)
		defer cancel()
		err := e.SyncAccount(ctx, accountID, retryCount)
		switch {
		case err == nil, errors.Is(err, ErrAlreadySyncing), errors.Is(err, ErrEngineStopped):
		default:
			e.log.Debug().Err(err).Str("account_id", accountID).Msg("background sync ended with error")
		}
	}()
}

// SyncAccount runs one full pass for the account. A call made while another
// pass for the same account is running returns ErrAlreadySyncing without side
// effects. retryCount is the number of failed attempts preceding this one.
func (e *Engine) SyncAccount(ctx context.Context, accountID string, retryCount int) error {
	st, replay, err := e.begin(accountID, retryCount)
	if err != nil {
		return err
	}

	account, err := e.runPass(ctx, st, replay)
	e.finish(accountID, st, account, retryCount, err)
	return err
}

// begin claims the in-flight slot and takes the offline queue for replay.
func (e *Engine) begin(accountID string, retryCount int) (*accountState, []Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, nil, ErrEngineStopped
	}
	st, ok := e.accounts[accountID]
	if !ok {
		st = &accountState{
			account: Account{ID: accountID},
			status:  SyncStatus{AccountID: accountID, State: StateIdle},
		}
		e.accounts[accountID] = st
	}
	if st.inFlight {
		return nil, nil, ErrAlreadySyncing
	}
	st.inFlight = true
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
	st.status = SyncStatus{
		AccountID: accountID,
		State:     StateSyncing,
		LastSync:  st.status.LastSync,
		Retries:   retryCount,
	}

	var replay []Message
	if e.online {
		replay = e.queue.drain(accountID)
	}
	return st, replay, nil
}

// finish records the outcome of a pass and decides on retries. Results for
// accounts removed mid-flight, or after Stop, are discarded.
func (e *Engine) finish(accountID string, st *accountState, account Account, retryCount int, err error) {
	e.mu.Lock()
	if e.stopped || e.accounts[accountID] != st {
		e.mu.Unlock()
		e.log.Debug().Str("account_id", accountID).Msg("discarding result of cancelled sync")
		return
	}
	st.inFlight = false
	if errors.Is(err, ErrAccountNotFound) {
		stopTimers(st)
		delete(e.accounts, accountID)
		e.queue.remove(accountID)
		e.mu.Unlock()
		e.log.Warn().Str("account_id", accountID).Msg("account no longer exists, untracking")
		return
	}
	if account.ID != "" {
		st.account = account
	}
	now := e.clock.Now()

	if err == nil {
		st.retries = 0
		st.status = SyncStatus{AccountID: accountID, State: StateSuccess, LastSync: now}
		status := st.status
		account := st.account
		requeued := e.online && e.queue.len(accountID) > 0
		e.mu.Unlock()

		e.notifier.StatusChanged(account, status)
		if requeued {
			e.TriggerAccountSync(accountID)
		}
		return
	}

	retryable := Retryable(err)
	auth := IsAuth(err)
	terminal := !retryable || retryCount+1 >= e.cfg.MaxRetries

	st.status = SyncStatus{
		AccountID: accountID,
		State:     StateError,
		LastSync:  st.status.LastSync,
		Error:     err.Error(),
		Retries:   retryCount + 1,
	}
	if !terminal {
		st.retries = retryCount + 1
		delay := e.cfg.RetryDelay * time.Duration(1<<uint(retryCount))
		next := retryCount + 1
		st.retryTimer = e.clock.AfterFunc(delay, func() { e.retry(accountID, st, next) })
		e.log.Warn().Err(err).
			Str("account_id", accountID).
			Int("attempt", retryCount+1).
			Dur("retry_in", delay).
			Msg("sync failed, retry scheduled")
	} else {
		st.retries = 0
		stopTimers(st)
		switch {
		case auth:
			st.account.Status = AccountDisabled
		case retryable:
			st.account.Status = AccountError
		}
		e.log.Error().Err(err).
			Str("account_id", accountID).
			Int("attempts", retryCount+1).
			Msg("sync failed")
	}
	status := st.status
	account = st.account
	e.mu.Unlock()

	e.notifier.StatusChanged(account, status)
	if !terminal {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveSyncStatus(ctx, status); err != nil {
		e.log.Error().Err(err).Str("account_id", accountID).Msg("persist sync status")
	}
	if auth || retryable {
		if account.UserID != "" {
			account.UpdatedAt = now
			if err := e.store.SaveAccount(ctx, account); err != nil {
				e.log.Error().Err(err).Str("account_id", accountID).Msg("persist account status")
			}
		}
	}
	if auth {
		e.notifier.SyncFailed(account, fmt.Errorf("%w: %v", ErrReauthRequired, err))
		return
	}
	e.notifier.SyncFailed(account, err)
}

func (e *Engine) retry(accountID string, st *accountState, retryCount int) {
	e.mu.Lock()
	if e.stopped || e.accounts[accountID] != st {
		e.mu.Unlock()
		return
	}
	st.retryTimer = nil
	e.mu.Unlock()
	e.goSync(accountID, retryCount)
}

// RetryAccount is the manual retry: it resets the retry counter, reactivates
// an account in error and syncs it in the background. Disabled accounts need
// re-authentication first.
func (e *Engine) RetryAccount(ctx context.Context, accountID string) error {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Status == AccountDisabled {
		return ErrReauthRequired
	}

	st := e.track(account, SyncStatus{})
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	st.retries = 0
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
	reactivate := account.Status == AccountError
	st.account.Status = AccountActive
	e.armTimerLocked(accountID)
	e.mu.Unlock()

	if reactivate {
		account.Status = AccountActive
		account.UpdatedAt = e.clock.Now()
		if err := e.store.SaveAccount(ctx, account); err != nil {
			return fmt.Errorf("reactivate account: %w", err)
		}
	}
	e.TriggerAccountSync(accountID)
	return nil
}

// SetOnline flips connectivity. Going back online replays every account's
// offline queue and then re-syncs it, both under the account's in-flight
// guard, and re-arms the periodic timers.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	prev := e.online
	e.online = online
	if e.stopped || prev == online {
		e.mu.Unlock()
		return
	}
	if !online {
		e.mu.Unlock()
		e.log.Info().Msg("connectivity lost, queueing realtime events")
		return
	}

	var ids []string
	for id, st := range e.accounts {
		if st.account.Status == AccountActive {
			ids = append(ids, id)
			e.armTimerLocked(id)
		}
	}
	for _, id := range e.queue.accounts() {
		if _, ok := e.accounts[id]; !ok {
			ids = append(ids, id)
		}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	sort.Strings(ids)
	e.log.Info().Int("accounts", len(ids)).Msg("connectivity restored, replaying offline queue")

	go func() {
		defer e.wg.Done()
		var g errgroup.Group
		g.SetLimit(e.cfg.ReconnectConcurrency)
		for _, id := range ids {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SyncTimeout)
				defer cancel()
				if err := e.SyncAccount(ctx, id, 0); err != nil && !errors.Is(err, ErrAlreadySyncing) {
					e.log.Warn().Err(err).Str("account_id", id).Msg("resync after reconnect failed")
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// RemoveAccount drops all bookkeeping for the account: timers, status, retry
// counter, offline queue, pending realtime events and the in-flight flag.
// Calling it for an unknown account is a no-op.
func (e *Engine) RemoveAccount(accountID string) {
	e.mu.Lock()
	if st, ok := e.accounts[accountID]; ok {
		stopTimers(st)
		delete(e.accounts, accountID)
	}
	e.queue.remove(accountID)
	e.mu.Unlock()

	e.debounce.drop(accountID)
}

// Status returns the in-memory sync status of an account.
func (e *Engine) Status(accountID string) (SyncStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.accounts[accountID]
	if !ok {
		return SyncStatus{}, false
	}
	return st.status, true
}

// Statuses returns the sync status of every tracked account of the user,
// ordered by account id.
func (e *Engine) Statuses(userID string) []SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []SyncStatus
	for _, st := range e.accounts {
		if st.account.UserID == userID {
			out = append(out, st.status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// AccessToken returns a valid access token for the account together with its
// adapter, refreshing and persisting the token when it has expired.
func (e *Engine) AccessToken(ctx context.Context, accountID string) (string, EmailProvider, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", nil, err
	}
	if account.Status == AccountDisabled {
		return "", nil, ErrReauthRequired
	}
	p, err := e.factory.Provider(account.Provider)
	if err != nil {
		return "", nil, err
	}
	tok, err := e.validToken(ctx, account, p)
	if err != nil {
		return "", nil, err
	}
	return tok, p, nil
}

// Wait blocks until every background pass started by the engine has
// returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop unsubscribes every changefeed, stops all timers and flushes pending
// realtime batches. Passes still in flight complete but their results are
// discarded. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	subs := e.subs
	e.subs = make(map[string]func())
	for _, st := range e.accounts {
		stopTimers(st)
	}
	e.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	e.debounce.stop()
	e.log.Info().Msg("sync engine stopped")
}
