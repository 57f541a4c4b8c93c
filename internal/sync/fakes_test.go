package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// --- store ---

type fakeStore struct {
	mu        gosync.Mutex
	accounts  map[string]Account
	creds     map[string]auth.Token
	messages  map[string]map[string]Message
	statuses  map[string]SyncStatus
	synced    map[string][]time.Time
	inserts   map[string]int
	upsertErr error
	subs      map[int]fakeSub
	nextSub   int
}

type fakeSub struct {
	userID string
	fn     func(ChangeEvent)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]Account),
		creds:    make(map[string]auth.Token),
		messages: make(map[string]map[string]Message),
		statuses: make(map[string]SyncStatus),
		synced:   make(map[string][]time.Time),
		inserts:  make(map[string]int),
		subs:     make(map[int]fakeSub),
	}
}

func (s *fakeStore) emit(ev ChangeEvent) {
	s.mu.Lock()
	var fns []func(ChangeEvent)
	for _, sub := range s.subs {
		if sub.userID == "" || sub.userID == ev.UserID {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *fakeStore) Subscribe(_ context.Context, userID string, fn func(ChangeEvent)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fakeSub{userID: userID, fn: fn}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *fakeStore) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *fakeStore) ListUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var users []string
	for _, a := range s.accounts {
		if !seen[a.UserID] {
			seen[a.UserID] = true
			users = append(users, a.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *fakeStore) ListAccounts(_ context.Context, userID string) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *fakeStore) FindAccount(_ context.Context, userID string, provider ProviderKind, email string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.UserID == userID && a.Provider == provider && a.Email == email {
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *fakeStore) SaveAccount(_ context.Context, account Account) error {
	s.mu.Lock()
	_, exists := s.accounts[account.ID]
	s.accounts[account.ID] = account
	s.mu.Unlock()

	op := OpInsert
	if exists {
		op = OpUpdate
	}
	a := account
	s.emit(ChangeEvent{Table: TableAccounts, Op: op, UserID: a.UserID, AccountID: a.ID, RowID: a.ID, Account: &a})
	return nil
}

func (s *fakeStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	delete(s.accounts, id)
	delete(s.creds, id)
	delete(s.messages, id)
	s.mu.Unlock()
	if !ok {
		return ErrAccountNotFound
	}
	s.emit(ChangeEvent{Table: TableAccounts, Op: OpDelete, UserID: a.UserID, AccountID: id, RowID: id})
	return nil
}

func (s *fakeStore) GetCredential(_ context.Context, accountID string) (auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.creds[accountID]
	if !ok {
		return auth.Token{}, ErrCredentialNotFound
	}
	return t, nil
}

func (s *fakeStore) SaveCredential(_ context.Context, accountID string, tok auth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[accountID] = tok
	return nil
}

func (s *fakeStore) UpsertMessages(_ context.Context, account Account, msgs []Message) (UpsertResult, error) {
	s.mu.Lock()
	if s.upsertErr != nil {
		err := s.upsertErr
		s.mu.Unlock()
		return UpsertResult{}, err
	}
	box, ok := s.messages[account.ID]
	if !ok {
		box = make(map[string]Message)
		s.messages[account.ID] = box
	}
	var res UpsertResult
	var events []ChangeEvent
	for _, m := range msgs {
		prev, exists := box[m.ID]
		switch {
		case !exists:
			res.Inserted = append(res.Inserted, m.ID)
			s.inserts[m.ID]++
		case reflect.DeepEqual(prev, m):
			res.Unchanged = append(res.Unchanged, m.ID)
			continue
		default:
			res.Updated = append(res.Updated, m.ID)
		}
		box[m.ID] = m
		op := OpInsert
		if exists {
			op = OpUpdate
		}
		msg := m
		events = append(events, ChangeEvent{Table: TableMessages, Op: op, UserID: account.UserID, AccountID: account.ID, RowID: m.ID, Message: &msg})
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return res, nil
}

func (s *fakeStore) GetMessage(_ context.Context, accountID, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[accountID][id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return m, nil
}

func (s *fakeStore) ListMessages(_ context.Context, accountID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages[accountID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkSynced(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.LastSyncedAt = at
	s.accounts[accountID] = a
	s.synced[accountID] = append(s.synced[accountID], at)
	s.statuses[accountID] = SyncStatus{AccountID: accountID, State: StateSuccess, LastSync: at}
	return nil
}

func (s *fakeStore) SaveSyncStatus(_ context.Context, status SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.AccountID] = status
	return nil
}

func (s *fakeStore) LoadSyncStatus(_ context.Context, accountID string) (SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[accountID]
	if !ok {
		return SyncStatus{}, ErrAccountNotFound
	}
	return st, nil
}

func (s *fakeStore) messageCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[accountID])
}

func (s *fakeStore) insertCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts[id]
}

func (s *fakeStore) account(id string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *fakeStore) syncedTimes(id string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.synced[id]...)
}

// seed stores an account and credential without emitting change events.
func (s *fakeStore) seed(a Account, tok auth.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	s.creds[a.ID] = tok
}

// --- provider ---

type fakeProvider struct {
	kind ProviderKind

	mu           gosync.Mutex
	pages        map[string]Page
	listErrs     []error
	calls        int
	lastOpts     []ListOptions
	tokens       []string
	entered      chan struct{}
	block        chan struct{}
	refreshErr   error
	refreshed    auth.Token
	refreshCalls int
}

func newFakeProvider(kind ProviderKind) *fakeProvider {
	return &fakeProvider{kind: kind, pages: map[string]Page{"": {}}}
}

func (p *fakeProvider) Kind() ProviderKind          { return p.kind }
func (p *fakeProvider) AuthURL(state string) string { return "https://auth.example.com/?state=" + state }

func (p *fakeProvider) ExchangeCode(context.Context, string) (auth.Token, error) {
	return auth.Token{AccessToken: "exchanged", RefreshToken: "refresh"}, nil
}

func (p *fakeProvider) RefreshTokens(_ context.Context, refresh string) (auth.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return auth.Token{}, p.refreshErr
	}
	return p.refreshed, nil
}

func (p *fakeProvider) Profile(context.Context, string) (string, error) {
	return "someone@example.com", nil
}

func (p *fakeProvider) GetMessages(ctx context.Context, accessToken string, opts ListOptions) (Page, error) {
	p.mu.Lock()
	p.calls++
	p.lastOpts = append(p.lastOpts, opts)
	p.tokens = append(p.tokens, accessToken)
	var err error
	if len(p.listErrs) > 0 {
		err = p.listErrs[0]
		p.listErrs = p.listErrs[1:]
	}
	page, ok := p.pages[opts.PageToken]
	entered, block := p.entered, p.block
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	if err != nil {
		return Page{}, err
	}
	if !ok {
		return Page{}, fmt.Errorf("unknown page token %q", opts.PageToken)
	}
	return page, nil
}

func (p *fakeProvider) GetMessage(context.Context, string, string) (Message, error) {
	return Message{}, ErrMessageNotFound
}

func (p *fakeProvider) GetAttachment(context.Context, string, string, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) SendMessage(context.Context, string, OutgoingMessage) (string, error) {
	return "sent-1", nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) failNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErrs = append(p.listErrs, errs...)
}

// --- clock ---

type manualClock struct {
	mu     gosync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: testEpoch}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that became due, in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// active returns the delays of timers that are still pending.
func (c *manualClock) active() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// --- notifier ---

type recordingNotifier struct {
	mu       gosync.Mutex
	newMsgs  []Message
	statuses []SyncStatus
	failures []error
}

func (n *recordingNotifier) NewMessages(_ Account, msgs []Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.newMsgs = append(n.newMsgs, msgs...)
}

func (n *recordingNotifier) StatusChanged(_ Account, status SyncStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) SyncFailed(_ Account, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, err)
}

func (n *recordingNotifier) failureList() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.failures...)
}

func (n *recordingNotifier) newMessageCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.newMsgs)
}

// --- harness ---

type harness struct {
	engine   *Engine
	store    *fakeStore
	provider *fakeProvider
	clock    *manualClock
	notifier *recordingNotifier
}

func testAccount(id string) Account {
	return Account{
		ID:       id,
		UserID:   "user-1",
		Provider: ProviderGmail,
		Email:    id + "@example.com",
		Status:   AccountActive,
	}
}

func validToken() auth.Token {
	return auth.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: testEpoch.Add(time.Hour)}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		provider: newFakeProvider(ProviderGmail),
		clock:    newManualClock(),
		notifier: &recordingNotifier{},
	}
	factory := NewFactory()
	factory.Register(ProviderGmail, func(Deps) (EmailProvider, error) { return h.provider, nil })
	deps := Deps{Store: h.store, Logger: zerolog.Nop()}
	factory.Init(deps)

	h.engine = NewEngine(factory, deps, cfg,
		WithClock(h.clock),
		WithNotifier(h.notifier),
		WithChangefeed(h.store),
	)
	t.Cleanup(func() {
		h.engine.Stop()
		h.engine.Wait()
	})
	return h
}

func makeMessages(prefix string, n int, unread bool) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			ID:      fmt.Sprintf("%s-%03d", prefix, i),
			Subject: fmt.Sprintf("subject %d", i),
			From:    Address{Name: "Sender", Email: "sender@example.com"},
			To:      []Address{{Email: "me@example.com"}},
			Date:    testEpoch.Add(-time.Duration(i) * time.Minute),
		}
		msgs[i].SetRead(!unread)
	}
	return msgs
}
