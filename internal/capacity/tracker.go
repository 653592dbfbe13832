// Package capacity tracks per-executor load and selects an executor for a
// task reservation.
package capacity

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// ErrUnknownExecutor is returned when releasing against an executor the
// tracker does not know.
var ErrUnknownExecutor = errors.New("unknown executor")

// NoCapacityError reports that no candidate executor can admit a reservation.
// It is recoverable: callers retry later or escalate.
type NoCapacityError struct {
	Category   string
	Required   int
	Candidates []string
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no capacity for %d unit(s) of %q among [%s]",
		e.Required, e.Category, strings.Join(e.Candidates, ", "))
}

var reservedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "orchestrator_capacity_reserved",
	Help: "Reserved capacity per executor and task category.",
}, []string{"executor", "category"})

func init() {
	prometheus.MustRegister(reservedGauge)
}

// executor holds the capacity records of one executor. Its mutex is the only
// lock taken while testing admission or mutating reservations.
type executor struct {
	mu       sync.Mutex
	id       string
	total    map[string]int
	reserved map[string]int
}

func (e *executor) record(category string) model.CapacityRecord {
	return model.CapacityRecord{
		ExecutorID:       e.id,
		Category:         category,
		TotalCapacity:    e.total[category],
		ReservedCapacity: e.reserved[category],
	}
}

// Tracker tracks capacity records for a pool of executors shared by all plans.
type Tracker struct {
	mu        sync.RWMutex // guards the executors map, not the records
	executors map[string]*executor
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{executors: make(map[string]*executor)}
}

func (t *Tracker) get(id string) *executor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.executors[id]
}

// SetCapacity sets the total capacity of executorID for category, creating the
// executor if needed. Existing reservations are kept.
func (t *Tracker) SetCapacity(executorID, category string, total int) {
	t.mu.Lock()
	e, ok := t.executors[executorID]
	if !ok {
		e = &executor{id: executorID, total: make(map[string]int), reserved: make(map[string]int)}
		t.executors[executorID] = e
	}
	t.mu.Unlock()

	e.mu.Lock()
	e.total[category] = total
	e.mu.Unlock()
}

// RemoveExecutor forgets executorID. Outstanding reservations are dropped.
func (t *Tracker) RemoveExecutor(executorID string) {
	t.mu.Lock()
	e, ok := t.executors[executorID]
	delete(t.executors, executorID)
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	for category := range e.reserved {
		reservedGauge.DeleteLabelValues(executorID, category)
	}
	e.mu.Unlock()
}

// Reserve admits requiredCapacity units of category on one of candidates. Among
// candidates that can admit it, the one with the lowest utilization ratio is
// chosen, ties broken by executor id. It returns *NoCapacityError when none can.
func (t *Tracker) Reserve(candidates []string, category string, requiredCapacity int) (string, error) {
	type option struct {
		e           *executor
		utilization float64
	}
	var options []option
	for _, id := range candidates {
		e := t.get(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		rec := e.record(category)
		e.mu.Unlock()
		if rec.ReservedCapacity+requiredCapacity > rec.TotalCapacity {
			continue
		}
		options = append(options, option{e: e, utilization: rec.Utilization()})
	}
	sort.Slice(options, func(i, j int) bool {
		if options[i].utilization != options[j].utilization {
			return options[i].utilization < options[j].utilization
		}
		return options[i].e.id < options[j].e.id
	})

	// Admission is re-checked under the executor lock: another plan may have
	// reserved between the snapshot and here.
	for _, o := range options {
		o.e.mu.Lock()
		if o.e.reserved[category]+requiredCapacity <= o.e.total[category] {
			o.e.reserved[category] += requiredCapacity
			reservedGauge.WithLabelValues(o.e.id, category).Set(float64(o.e.reserved[category]))
			o.e.mu.Unlock()
			return o.e.id, nil
		}
		o.e.mu.Unlock()
	}
	return "", &NoCapacityError{Category: category, Required: requiredCapacity, Candidates: slices.Clone(candidates)}
}

// ReserveOn unconditionally reserves capacity on executorID. It is used to
// restore reservations of tasks already in flight.
func (t *Tracker) ReserveOn(executorID, category string, requiredCapacity int) error {
	e := t.get(executorID)
	if e == nil {
		return fmt.Errorf("reserve on %s: %w", executorID, ErrUnknownExecutor)
	}
	e.mu.Lock()
	e.reserved[category] += requiredCapacity
	reservedGauge.WithLabelValues(executorID, category).Set(float64(e.reserved[category]))
	e.mu.Unlock()
	return nil
}

// Release returns requiredCapacity units of category to executorID.
func (t *Tracker) Release(executorID, category string, requiredCapacity int) error {
	e := t.get(executorID)
	if e == nil {
		return fmt.Errorf("release on %s: %w", executorID, ErrUnknownExecutor)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved[category] -= requiredCapacity
	if e.reserved[category] < 0 {
		e.reserved[category] = 0
	}
	reservedGauge.WithLabelValues(executorID, category).Set(float64(e.reserved[category]))
	return nil
}

// Record returns the capacity record of executorID for category.
func (t *Tracker) Record(executorID, category string) (model.CapacityRecord, bool) {
	e := t.get(executorID)
	if e == nil {
		return model.CapacityRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(category), true
}

// Snapshot returns every capacity record, sorted by executor id then category.
func (t *Tracker) Snapshot() []model.CapacityRecord {
	t.mu.RLock()
	executors := make([]*executor, 0, len(t.executors))
	for _, e := range t.executors {
		executors = append(executors, e)
	}
	t.mu.RUnlock()

	var records []model.CapacityRecord
	for _, e := range executors {
		e.mu.Lock()
		for category := range e.total {
			records = append(records, e.record(category))
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ExecutorID != records[j].ExecutorID {
			return records[i].ExecutorID < records[j].ExecutorID
		}
		return records[i].Category < records[j].Category
	})
	return records
}
