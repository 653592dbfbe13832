package model

// Status is the lifecycle status of a NodeExecution.
type Status string

// Node execution status constants.
const (
	StatusQueued         Status = "QUEUED"
	StatusRunning        Status = "RUNNING"
	StatusTaskWaiting    Status = "TASK_WAITING"
	StatusBarrierWaiting Status = "BARRIER_WAITING"
	StatusResumed        Status = "RESUMED"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusFailed         Status = "FAILED"
	StatusExpired        Status = "EXPIRED"
	StatusAborted        Status = "ABORTED"
	StatusDiscarded      Status = "DISCARDED"
)

// validTransitions maps each status to the set of statuses it may transition to.
// DISCARDED is reachable from every non-terminal status and is handled in
// ValidTransition.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusTaskWaiting:    true,
		StatusBarrierWaiting: true,
		StatusSucceeded:      true,
		StatusFailed:         true,
	},
	StatusTaskWaiting: {
		StatusResumed: true,
		StatusExpired: true,
	},
	StatusBarrierWaiting: {
		StatusResumed: true,
		StatusAborted: true,
	},
	StatusResumed: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusDiscarded {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a terminal status. Terminal statuses are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusAborted, StatusDiscarded:
		return true
	}
	return false
}

// Suspended reports whether s is a status in which the execution waits on
// something outside the plan driver.
func (s Status) Suspended() bool {
	return s == StatusTaskWaiting || s == StatusBarrierWaiting
}

// severity orders terminal statuses for plan status aggregation.
var severity = map[Status]int{
	StatusSucceeded: 0,
	StatusDiscarded: 1,
	StatusAborted:   2,
	StatusExpired:   3,
	StatusFailed:    4,
}

// Worse reports whether a is a worse outcome than b.
func Worse(a, b Status) bool {
	return severity[a] > severity[b]
}

// PlanStatus is the lifecycle status of a plan execution.
type PlanStatus string

// Plan execution status constants.
const (
	PlanRunning             PlanStatus = "RUNNING"
	PlanInterventionWaiting PlanStatus = "INTERVENTION_WAITING"
	PlanSucceeded           PlanStatus = "SUCCEEDED"
	PlanFailed              PlanStatus = "FAILED"
	PlanExpired             PlanStatus = "EXPIRED"
	PlanAborted             PlanStatus = "ABORTED"
)

// Terminal reports whether the plan has finished.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanExpired, PlanAborted:
		return true
	}
	return false
}

// PlanStatusFor maps the worst unresolved node status to the plan status it implies.
func PlanStatusFor(s Status) PlanStatus {
	switch s {
	case StatusFailed:
		return PlanFailed
	case StatusExpired:
		return PlanExpired
	case StatusAborted, StatusDiscarded:
		return PlanAborted
	default:
		return PlanSucceeded
	}
}
