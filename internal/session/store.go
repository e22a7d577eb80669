package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wahub/wahub/internal/adapter"
)

// entry is the registry's record of one session. The map that holds entries
// is guarded by Registry.mu; everything inside an entry by its own mu, so
// work on one session never contends with another.
type entry struct {
	id string

	mu        sync.Mutex
	status    Status
	qr        string
	updatedAt time.Time
	conn      adapter.Conn
	cancel    context.CancelFunc

	// deleted is set once the entry has left the registry for good.
	deleted atomic.Bool
	// persistMu orders credential writes against erasure.
	persistMu sync.Mutex
}

func newEntry(id string) *entry {
	return &entry{id: id, status: Uninitialized, updatedAt: time.Now().UTC()}
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{ID: e.id, Status: e.status, QR: e.qr, UpdatedAt: e.updatedAt}
}

// Registry maps session ids to entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// lifecycles serializes init and delete per id. A lock outlives the
	// entry it guards, so a delete still erasing credentials holds off the
	// next init of the same id.
	lifeMu     sync.Mutex
	lifecycles map[string]*lifecycleLock
}

type lifecycleLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		lifecycles: make(map[string]*lifecycleLock),
	}
}

// lockLifecycle blocks until no other init or delete of id is running and
// returns the matching unlock.
func (r *Registry) lockLifecycle(id string) (unlock func()) {
	r.lifeMu.Lock()
	l, ok := r.lifecycles[id]
	if !ok {
		l = &lifecycleLock{}
		r.lifecycles[id] = l
	}
	l.refs++
	r.lifeMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.lifeMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.lifecycles, id)
		}
		r.lifeMu.Unlock()
	}
}

// insert adds e unless the id is taken, in which case the existing entry is
// returned with inserted=false.
func (r *Registry) insert(e *entry) (existing *entry, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.id]; ok {
		return cur, false
	}
	r.entries[e.id] = e
	return e, true
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// holds reports whether e is still the registered entry for its id.
func (r *Registry) holds(e *entry) bool {
	return r.lookup(e.id) == e
}

func (r *Registry) remove(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return e
}

// removeEntry deletes the id only while it still maps to e, so a stale
// worker can never evict a newer lifecycle of the same id.
func (r *Registry) removeEntry(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.id] != e {
		return false
	}
	delete(r.entries, e.id)
	return true
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e)
	}
	return result
}

// Get returns a copy of one session's state.
func (r *Registry) Get(id string) (Info, bool) {
	e := r.lookup(id)
	if e == nil {
		return Info{}, false
	}
	return e.info(), true
}

// GetAll returns copies of every session, sorted by id.
func (r *Registry) GetAll() []Info {
	entries := r.snapshotEntries()
	result := make([]Info, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByStatus tallies registered sessions per status.
func (r *Registry) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, info := range r.GetAll() {
		counts[info.Status]++
	}
	return counts
}
