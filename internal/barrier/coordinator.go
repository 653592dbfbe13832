// Package barrier synchronizes the participants of a fan-out so they proceed
// only once every expected sibling has arrived.
package barrier

import (
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// State is the result of an arrival.
type State string

// Arrival results.
const (
	StateWaiting  State = "WAITING"
	StateReleased State = "RELEASED"
	StateAborted  State = "ABORTED"
)

var (
	barrierReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_barrier_releases_total",
		Help: "Barrier waves released.",
	})
	barrierAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_barrier_aborts_total",
		Help: "Barriers aborted before release.",
	})
)

func init() {
	prometheus.MustRegister(barrierReleases, barrierAborts)
}

// Participant is one arrived fan-out participant.
type Participant struct {
	ParticipantID   string   `json:"participant_id"`
	NodeExecutionID string   `json:"node_execution_id"`
	OutcomeRefs     []string `json:"outcome_refs,omitempty"`
	// Terminal participants count towards release but have nothing to resume.
	Terminal bool `json:"terminal,omitempty"`
}

// Arrival describes a participant reaching a barrier.
type Arrival struct {
	BarrierID           string
	PlanExecutionID     string
	StrategyExecutionID string
	Expected            int
	MaxConcurrency      int
	Participant         Participant
}

// Result is returned to the arriving participant. On release, Released holds
// every participant of the wave, including the caller.
type Result struct {
	State    State
	Released []Participant
	Reason   string
}

type instance struct {
	mu       sync.Mutex
	info     model.BarrierInstance
	waiting  []Participant
	released map[string]bool
	done     bool
}

// Coordinator holds the live barrier instances. Each instance is mutated under
// its own mutex; the coordinator lock only guards the index.
type Coordinator struct {
	mu        sync.Mutex
	instances map[string]*instance
	aborted   map[string]string // barrier id -> reason
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		instances: make(map[string]*instance),
		aborted:   make(map[string]string),
	}
}

// instanceFor returns the live instance for a, creating it on first arrival.
// It returns a non-empty reason when the barrier was aborted.
func (c *Coordinator) instanceFor(a Arrival) (*instance, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason, ok := c.aborted[a.BarrierID]; ok {
		return nil, reason
	}
	inst, ok := c.instances[a.BarrierID]
	if !ok {
		inst = &instance{
			info: model.BarrierInstance{
				BarrierID:           a.BarrierID,
				PlanExecutionID:     a.PlanExecutionID,
				StrategyExecutionID: a.StrategyExecutionID,
				Expected:            a.Expected,
				MaxConcurrency:      a.MaxConcurrency,
			},
			released: make(map[string]bool),
		}
		c.instances[a.BarrierID] = inst
	}
	return inst, ""
}

func (c *Coordinator) remove(barrierID string, inst *instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instances[barrierID] == inst {
		delete(c.instances, barrierID)
	}
}

// waveSize is the number of arrivals that releases the current wave.
func (i *instance) waveSize() int {
	remaining := i.info.Expected - i.info.Released
	if i.info.MaxConcurrency > 0 && i.info.MaxConcurrency < remaining {
		return i.info.MaxConcurrency
	}
	return remaining
}

// Arrive records a participant at its barrier. The arrival that completes a
// wave receives RELEASED with every participant of that wave; all other
// arrivals receive WAITING. Arrivals at an aborted barrier receive ABORTED.
// Re-arrival of a participant already waiting replaces its record.
func (c *Coordinator) Arrive(a Arrival) Result {
	for {
		inst, reason := c.instanceFor(a)
		if inst == nil {
			return Result{State: StateAborted, Reason: reason}
		}

		inst.mu.Lock()
		if inst.done {
			// Lost a race with release of the final wave or an abort.
			inst.mu.Unlock()
			continue
		}
		if inst.released[a.Participant.ParticipantID] {
			inst.mu.Unlock()
			return Result{State: StateReleased}
		}

		idx := slices.IndexFunc(inst.waiting, func(p Participant) bool {
			return p.ParticipantID == a.Participant.ParticipantID
		})
		if idx >= 0 {
			inst.waiting[idx] = a.Participant
		} else {
			inst.waiting = append(inst.waiting, a.Participant)
			inst.info.Arrived = append(inst.info.Arrived, a.Participant.ParticipantID)
		}

		if len(inst.waiting) < inst.waveSize() {
			inst.mu.Unlock()
			return Result{State: StateWaiting}
		}

		wave := inst.waiting
		inst.waiting = nil
		for _, p := range wave {
			inst.released[p.ParticipantID] = true
		}
		inst.info.Released += len(wave)
		finished := inst.info.Released >= inst.info.Expected
		if finished {
			inst.done = true
		}
		inst.mu.Unlock()

		if finished {
			c.remove(a.BarrierID, inst)
		}
		barrierReleases.Inc()
		return Result{State: StateReleased, Released: wave}
	}
}

// Abort discards the barrier and returns the participants that were waiting
// on it. Later arrivals receive ABORTED until Discard is called. Aborting an
// already aborted barrier returns nothing.
func (c *Coordinator) Abort(barrierID, reason string) []Participant {
	c.mu.Lock()
	if _, ok := c.aborted[barrierID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.aborted[barrierID] = reason
	inst := c.instances[barrierID]
	delete(c.instances, barrierID)
	c.mu.Unlock()

	barrierAborts.Inc()
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.done = true
	waiting := inst.waiting
	inst.waiting = nil
	return waiting
}

// Fail aborts the barrier because participantID terminated without arriving
// and never will. It returns the waiting participants to notify; they and
// later arrivals get a reason naming the failed participant.
func (c *Coordinator) Fail(barrierID, participantID, reason string) []Participant {
	return c.Abort(barrierID, fmt.Sprintf("participant %s failed: %s", participantID, reason))
}

// Discard forgets everything about a barrier, including an abort tombstone.
func (c *Coordinator) Discard(barrierID string) {
	c.mu.Lock()
	inst := c.instances[barrierID]
	delete(c.instances, barrierID)
	delete(c.aborted, barrierID)
	c.mu.Unlock()
	if inst != nil {
		inst.mu.Lock()
		inst.done = true
		inst.mu.Unlock()
	}
}

// Get returns a snapshot of a live barrier instance.
func (c *Coordinator) Get(barrierID string) (model.BarrierInstance, bool) {
	c.mu.Lock()
	inst, ok := c.instances[barrierID]
	c.mu.Unlock()
	if !ok {
		return model.BarrierInstance{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	info := inst.info
	info.Arrived = slices.Clone(inst.info.Arrived)
	return info, true
}

// Live returns the number of live barrier instances.
func (c *Coordinator) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}
