package sync

import (
	gosync "sync"
	"time"
)

// debouncer coalesces realtime message events per account and flushes them
// once no new event has arrived for the wait period (trailing edge).
// Stop flushes whatever is still pending instead of dropping it.
type debouncer struct {
	clock Clock
	wait  time.Duration
	flush func(accountID string, msgs []Message)

	mu      gosync.Mutex
	pending map[string]*pendingBatch
	stopped bool
}

type pendingBatch struct {
	msgs  []Message
	timer Timer
	seq   uint64
}

func newDebouncer(clock Clock, wait time.Duration, flush func(string, []Message)) *debouncer {
	return &debouncer{
		clock:   clock,
		wait:    wait,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// add appends msgs to the account's pending batch and restarts its timer.
// It reports false once the debouncer has been stopped.
func (d *debouncer) add(accountID string, msgs ...Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}

	b, ok := d.pending[accountID]
	if !ok {
		b = &pendingBatch{}
		d.pending[accountID] = b
	}
	b.msgs = append(b.msgs, msgs...)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = d.clock.AfterFunc(d.wait, func() { d.fire(accountID, seq) })
	return true
}

func (d *debouncer) fire(accountID string, seq uint64) {
	d.mu.Lock()
	b, ok := d.pending[accountID]
	if !ok || b.seq != seq || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, accountID)
	d.mu.Unlock()

	d.flush(accountID, b.msgs)
}

// drop discards the account's pending batch without flushing it.
func (d *debouncer) drop(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.pending[accountID]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.pending, accountID)
	}
}

func (d *debouncer) pendingCount(accountID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.pending[accountID]; ok {
		return len(b.msgs)
	}
	return 0
}

// stop cancels every timer and synchronously flushes the pending batches.
// Safe to call more than once.
func (d *debouncer) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	pending := d.pending
	d.pending = make(map[string]*pendingBatch)
	d.mu.Unlock()

	for accountID, b := range pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		d.flush(accountID, b.msgs)
	}
}
