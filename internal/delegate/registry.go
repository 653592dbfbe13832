package delegate

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
)

// ErrUnknownExecutor is returned for operations on an executor that is not registered.
var ErrUnknownExecutor = errors.New("executor not registered")

// Executor describes a registered delegate and what it can run.
type Executor struct {
	ID            string         `json:"id" yaml:"id"`
	Capacities    map[string]int `json:"capacities" yaml:"capacities"`
	Selectors     []string       `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Static        bool           `json:"static,omitempty" yaml:"static,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// Registry is the directory of executors. It keeps the capacity tracker's
// totals in line with what executors advertise.
type Registry struct {
	mu         sync.RWMutex
	executors  map[string]Executor
	tracker    *capacity.Tracker
	staleAfter time.Duration
	now        func() time.Time
}

// NewRegistry creates an empty registry. Executors that have not sent a
// heartbeat within staleAfter stop being candidates; zero disables expiry.
func NewRegistry(tracker *capacity.Tracker, staleAfter time.Duration) *Registry {
	return &Registry{
		executors:  make(map[string]Executor),
		tracker:    tracker,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Register adds or replaces an executor and publishes its capacities.
func (r *Registry) Register(e Executor) error {
	if e.ID == "" {
		return fmt.Errorf("register executor: id is required")
	}
	for category, total := range e.Capacities {
		if total < 0 {
			return fmt.Errorf("register executor %s: negative capacity for %q", e.ID, category)
		}
	}

	now := r.now()
	r.mu.Lock()
	prev, existed := r.executors[e.ID]
	e.Selectors = slices.Clone(e.Selectors)
	e.RegisteredAt = now
	if existed {
		e.RegisteredAt = prev.RegisteredAt
	}
	e.LastHeartbeat = now
	r.executors[e.ID] = e
	r.mu.Unlock()

	for category := range prev.Capacities {
		if _, ok := e.Capacities[category]; !ok {
			r.tracker.SetCapacity(e.ID, category, 0)
		}
	}
	for category, total := range e.Capacities {
		r.tracker.SetCapacity(e.ID, category, total)
	}
	return nil
}

// Deregister removes an executor. It reports whether it was registered.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	_, ok := r.executors[id]
	delete(r.executors, id)
	r.mu.Unlock()
	if ok {
		r.tracker.RemoveExecutor(id)
	}
	return ok
}

// Heartbeat marks an executor as alive.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrUnknownExecutor)
	}
	e.LastHeartbeat = r.now()
	r.executors[id] = e
	return nil
}

// Get returns the executor registered under id.
func (r *Registry) Get(id string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	return e, ok
}

// List returns all registered executors sorted by id.
func (r *Registry) List() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Executor, 0, len(r.executors))
	for _, e := range r.executors {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// Candidates returns the ids of live executors that serve category and carry
// every selector, sorted by id.
func (r *Registry) Candidates(category string, selectors []string) []string {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.executors {
		if e.Capacities[category] <= 0 {
			continue
		}
		if !e.Static && r.staleAfter > 0 && now.Sub(e.LastHeartbeat) > r.staleAfter {
			continue
		}
		if !hasAll(e.Selectors, selectors) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
