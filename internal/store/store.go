// Package store holds what the SQL datastores share: row codecs, change event
// construction and the changefeed subscriber registry.
package store

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// ChannelName is the Postgres NOTIFY channel carrying change_log sequence
// numbers.
const ChannelName = "mailsync_changes"

// EncodeMessage renders the stored form of a message. Two messages with equal
// encodings are the same row for upsert purposes.
func EncodeMessage(m sync.Message) ([]byte, error) {
	if m.To == nil {
		m.To = []sync.Address{}
	}
	if m.Cc == nil {
		m.Cc = []sync.Address{}
	}
	if m.Bcc == nil {
		m.Bcc = []sync.Address{}
	}
	if m.Labels == nil {
		m.Labels = []string{}
	}
	m.Date = m.Date.UTC()
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

func DecodeMessage(b []byte) (sync.Message, error) {
	var m sync.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return sync.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// NewChange builds a change event with a fresh id.
func NewChange(table sync.Table, op sync.Op, userID, accountID, rowID string) sync.ChangeEvent {
	return sync.ChangeEvent{
		ID:        uuid.NewString(),
		Table:     table,
		Op:        op,
		UserID:    userID,
		AccountID: accountID,
		RowID:     rowID,
	}
}

func EncodeChange(ev sync.ChangeEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change %s: %w", ev.ID, err)
	}
	return b, nil
}

func DecodeChange(b []byte) (sync.ChangeEvent, error) {
	var ev sync.ChangeEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return sync.ChangeEvent{}, fmt.Errorf("decode change: %w", err)
	}
	return ev, nil
}

// AccountChanged reports whether a save would alter anything visible.
// UpdatedAt and CreatedAt are bookkeeping and do not count.
func AccountChanged(old, next sync.Account) bool {
	return old.UserID != next.UserID ||
		old.Provider != next.Provider ||
		old.Email != next.Email ||
		old.Status != next.Status ||
		!old.LastSyncedAt.Equal(next.LastSyncedAt)
}

// Millis stores a time as unix milliseconds; the zero time is 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type subscriber struct {
	userID string
	fn     func(sync.ChangeEvent)
}

// Dispatcher fans change events out to subscribers filtered by user. An empty
// user id subscribes to every user.
type Dispatcher struct {
	mu   gosync.Mutex
	next int
	subs map[int]subscriber
	log  zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{subs: make(map[int]subscriber), log: log}
}

// Subscribe registers fn until the returned function is called or ctx ends.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string, fn func(sync.ChangeEvent)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = subscriber{userID: userID, fn: fn}
	d.mu.Unlock()

	var once gosync.Once
	remove := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// Dispatch delivers ev to every matching subscriber. Callbacks run on the
// caller's goroutine, outside the registry lock.
func (d *Dispatcher) Dispatch(ev sync.ChangeEvent) {
	d.mu.Lock()
	targets := make([]func(sync.ChangeEvent), 0, len(d.subs))
	for _, s := range d.subs {
		if s.userID == "" || s.userID == ev.UserID {
			targets = append(targets, s.fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}

// Len reports the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
