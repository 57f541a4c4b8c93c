package sync

import "sort"

// offlineQueue holds realtime message events that arrived while offline,
// per account, de-duplicated by message id. A later version of a message
// replaces the earlier one in place. It is guarded by the engine's mutex.
type offlineQueue struct {
	entries map[string][]Message
	index   map[string]map[string]int
}

func newOfflineQueue() *offlineQueue {
	return &offlineQueue{
		entries: make(map[string][]Message),
		index:   make(map[string]map[string]int),
	}
}

func (q *offlineQueue) add(accountID string, msgs ...Message) {
	idx, ok := q.index[accountID]
	if !ok {
		idx = make(map[string]int)
		q.index[accountID] = idx
	}
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if i, ok := idx[m.ID]; ok {
			q.entries[accountID][i] = m
			continue
		}
		idx[m.ID] = len(q.entries[accountID])
		q.entries[accountID] = append(q.entries[accountID], m)
	}
}

// drain removes and returns the queued messages for accountID.
func (q *offlineQueue) drain(accountID string) []Message {
	msgs := q.entries[accountID]
	q.remove(accountID)
	return msgs
}

func (q *offlineQueue) remove(accountID string) {
	delete(q.entries, accountID)
	delete(q.index, accountID)
}

func (q *offlineQueue) len(accountID string) int {
	return len(q.entries[accountID])
}

func (q *offlineQueue) accounts() []string {
	ids := make([]string, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
