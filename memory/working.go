package memory

import (
	"sort"
	"sync"
	"time"
)

// DefaultWorkingLimit bounds the working-memory set.
const DefaultWorkingLimit = 100

// workingSet is the bounded in-memory working set. Insertion past the limit
// evicts by (importance asc, last_accessed asc) so the least important and
// least recently touched entries go first.
type workingSet struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*workingEntry
}

type workingEntry struct {
	id           string
	importance   float64
	lastAccessed time.Time
}

func newWorkingSet(limit int) *workingSet {
	if limit <= 0 {
		limit = DefaultWorkingLimit
	}
	return &workingSet{limit: limit, entries: make(map[string]*workingEntry, limit)}
}

// add inserts or refreshes an entry, evicting if the set is over the limit.
// It returns the ids evicted to make room.
func (w *workingSet) add(id string, importance float64) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[id] = &workingEntry{id: id, importance: importance, lastAccessed: time.Now().UTC()}
	if len(w.entries) <= w.limit {
		return nil
	}
	return w.evictLocked(len(w.entries) - w.limit)
}

// touch refreshes the access time of an entry if present.
func (w *workingSet) touch(id string) {
	w.mu.Lock()
	if e, ok := w.entries[id]; ok {
		e.lastAccessed = time.Now().UTC()
	}
	w.mu.Unlock()
}

// remove drops an entry.
func (w *workingSet) remove(id string) {
	w.mu.Lock()
	delete(w.entries, id)
	w.mu.Unlock()
}

// evictOldest removes up to n entries in eviction order and returns their
// ids. The self-optimization subsystem uses it under memory pressure.
func (w *workingSet) evictOldest(n int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evictLocked(n)
}

func (w *workingSet) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// evictLocked removes n entries by (importance asc, last_accessed asc).
// Callers hold w.mu.
func (w *workingSet) evictLocked(n int) []string {
	if n <= 0 {
		return nil
	}
	order := make([]*workingEntry, 0, len(w.entries))
	for _, e := range w.entries {
		order = append(order, e)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].importance != order[j].importance {
			return order[i].importance < order[j].importance
		}
		return order[i].lastAccessed.Before(order[j].lastAccessed)
	})
	if n > len(order) {
		n = len(order)
	}
	evicted := make([]string, 0, n)
	for _, e := range order[:n] {
		delete(w.entries, e.id)
		evicted = append(evicted, e.id)
	}
	return evicted
}
