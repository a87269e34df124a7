// Package queue holds the ordered set of work items a job still has to
// dispatch. Items come out by priority (higher first) and then in the order
// they were added; an id is queued at most once.
package queue

import (
	"cmp"
	"slices"
	"sync"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

type entry struct {
	item harvest.WorkItem
	seq  uint64
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	index   map[string]struct{}
	seq     uint64
	sorted  bool
}

// New builds a queue seeded with items.
func New(items ...harvest.WorkItem) *Queue {
	q := &Queue{index: make(map[string]struct{}, len(items)), sorted: true}
	q.Push(items...)
	return q
}

// Push appends items. Duplicate ids are coalesced into the existing entry,
// which keeps its position but takes the higher priority. It returns the
// number of new ids.
func (q *Queue) Push(items ...harvest.WorkItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, ok := q.index[it.ID]; ok {
			for i := range q.entries {
				if q.entries[i].item.ID == it.ID && it.Priority > q.entries[i].item.Priority {
					q.entries[i].item.Priority = it.Priority
					q.sorted = false
				}
			}
			continue
		}
		q.seq++
		q.index[it.ID] = struct{}{}
		q.entries = append(q.entries, entry{item: it, seq: q.seq})
		q.sorted = false
		added++
	}
	return added
}

// Exclude drops every queued item for which skip returns true and returns how
// many were removed.
func (q *Queue) Exclude(skip func(id string) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if skip(e.item.ID) {
			delete(q.index, e.item.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	return removed
}

// Truncate keeps only the first n items in dispatch order.
func (q *Queue) Truncate(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < 0 || n >= len(q.entries) {
		return
	}
	q.sortLocked()
	for _, e := range q.entries[n:] {
		delete(q.index, e.item.ID)
	}
	clear(q.entries[n:])
	q.entries = q.entries[:n]
}

// Contains reports whether id is still queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// NextBatch removes and returns up to n items in dispatch order.
func (q *Queue) NextBatch(n int) []harvest.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.entries) == 0 {
		return nil
	}
	q.sortLocked()
	n = min(n, len(q.entries))
	out := make([]harvest.WorkItem, n)
	for i, e := range q.entries[:n] {
		out[i] = e.item
		delete(q.index, e.item.ID)
	}
	q.entries = slices.Delete(q.entries, 0, n)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Items returns the queued items in dispatch order without removing them.
func (q *Queue) Items() []harvest.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortLocked()
	out := make([]harvest.WorkItem, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.item
	}
	return out
}

func (q *Queue) sortLocked() {
	if q.sorted {
		return
	}
	slices.SortFunc(q.entries, func(a, b entry) int {
		if c := cmp.Compare(b.item.Priority, a.item.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	q.sorted = true
}
