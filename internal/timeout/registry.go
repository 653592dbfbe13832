// Package timeout tracks a deadline per suspended node execution and raises
// expiry events from a single periodic sweep.
package timeout

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// ErrAlreadyRunning is returned when Run is called a second time.
var ErrAlreadyRunning = errors.New("timeout registry already running")

const shardCount = 32

var (
	timeoutsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_timeouts_fired_total",
		Help: "Total number of timeout entries that expired.",
	})
	timeoutsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_timeouts_pending",
		Help: "Number of registered timeout entries.",
	})
)

func init() {
	prometheus.MustRegister(timeoutsFired, timeoutsPending)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]model.TimeoutEntry
}

// Registry holds one TimeoutEntry per suspended node execution. Entries are
// sharded by node execution id so unrelated plans do not contend on one lock.
type Registry struct {
	shards   [shardCount]*shard
	interval time.Duration
	now      func() time.Time
	out      chan model.TimeoutEntry
	started  atomic.Bool
	logger   *slog.Logger
}

// NewRegistry creates a registry that sweeps for expired entries every interval.
func NewRegistry(interval time.Duration, logger *slog.Logger) *Registry {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	r := &Registry{
		interval: interval,
		now:      time.Now,
		out:      make(chan model.TimeoutEntry, 64),
		logger:   logger,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]model.TimeoutEntry)}
	}
	return r
}

func (r *Registry) shardFor(nodeExecutionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(nodeExecutionID))
	return r.shards[h.Sum32()%shardCount]
}

// Register records a deadline for nodeExecutionID, replacing any previous
// entry for it, and returns the new entry with a fresh callback token.
func (r *Registry) Register(planExecutionID, nodeExecutionID string, deadline time.Time) model.TimeoutEntry {
	entry := model.TimeoutEntry{
		NodeExecutionID: nodeExecutionID,
		PlanExecutionID: planExecutionID,
		Deadline:        deadline,
		CallbackToken:   uuid.NewString(),
	}
	s := r.shardFor(nodeExecutionID)
	s.mu.Lock()
	if _, ok := s.entries[nodeExecutionID]; !ok {
		timeoutsPending.Inc()
	}
	s.entries[nodeExecutionID] = entry
	s.mu.Unlock()
	return entry
}

// Cancel removes the entry for nodeExecutionID. It reports whether an entry
// was present.
func (r *Registry) Cancel(nodeExecutionID string) bool {
	s := r.shardFor(nodeExecutionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[nodeExecutionID]; !ok {
		return false
	}
	delete(s.entries, nodeExecutionID)
	timeoutsPending.Dec()
	return true
}

// CancelIf removes the entry for nodeExecutionID only if it still carries
// token. It reports whether an entry was removed.
func (r *Registry) CancelIf(nodeExecutionID, token string) bool {
	s := r.shardFor(nodeExecutionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nodeExecutionID]
	if !ok || e.CallbackToken != token {
		return false
	}
	delete(s.entries, nodeExecutionID)
	timeoutsPending.Dec()
	return true
}

// Lookup returns the current entry for nodeExecutionID.
func (r *Registry) Lookup(nodeExecutionID string) (model.TimeoutEntry, bool) {
	s := r.shardFor(nodeExecutionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nodeExecutionID]
	return e, ok
}

// Pending returns the number of registered entries.
func (r *Registry) Pending() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes and returns every entry whose deadline is not after now.
// An entry is returned by at most one sweep.
func (r *Registry) Sweep(now time.Time) []model.TimeoutEntry {
	var fired []model.TimeoutEntry
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.Deadline.After(now) {
				continue
			}
			delete(s.entries, id)
			fired = append(fired, e)
		}
		s.mu.Unlock()
	}
	if len(fired) > 0 {
		timeoutsFired.Add(float64(len(fired)))
		timeoutsPending.Sub(float64(len(fired)))
	}
	return fired
}

// Expired returns the channel on which fired entries are delivered while Run
// is active. It is closed when Run returns.
func (r *Registry) Expired() <-chan model.TimeoutEntry {
	return r.out
}

// Run sweeps every interval until ctx is cancelled. It may only be called once.
func (r *Registry) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.out)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, e := range r.Sweep(r.now()) {
			r.logger.Debug("timeout fired",
				"plan_execution_id", e.PlanExecutionID,
				"node_execution_id", e.NodeExecutionID,
			)
			select {
			case r.out <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
