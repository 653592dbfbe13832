package model

// Action is a control decision returned by the adviser for a failed node.
type Action string

// Adviser actions.
const (
	ActionProceed                        Action = "PROCEED"
	ActionRetry                          Action = "RETRY"
	ActionRetryWithRollback              Action = "RETRY_WITH_ROLLBACK"
	ActionManualInterventionWithRollback Action = "MANUAL_INTERVENTION_WITH_ROLLBACK"
	ActionOnFailRollback                 Action = "ON_FAIL_ROLLBACK"
	ActionOnFailPipelineRollback         Action = "ON_FAIL_PIPELINE_ROLLBACK"
	ActionAbort                          Action = "ABORT"
)

var knownActions = map[Action]bool{
	ActionProceed:                        true,
	ActionRetry:                          true,
	ActionRetryWithRollback:              true,
	ActionManualInterventionWithRollback: true,
	ActionOnFailRollback:                 true,
	ActionOnFailPipelineRollback:         true,
	ActionAbort:                          true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return knownActions[a]
}

// FanOut describes a parallel expansion of a node into several participants
// that synchronize on a barrier before the node's children run.
type FanOut struct {
	Parallelism    int    `json:"parallelism" yaml:"parallelism"`
	StrategyID     string `json:"strategy_id,omitempty" yaml:"strategy_id,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// AdviserPolicy configures how failures of a node are handled.
type AdviserPolicy struct {
	MaxRetries   int      `json:"max_retries" yaml:"max_retries"`
	RetryAction  Action   `json:"retry_action,omitempty" yaml:"retry_action,omitempty"`
	RetryWaitMS  []int    `json:"retry_wait_ms,omitempty" yaml:"retry_wait_ms,omitempty"`
	AfterRetries Action   `json:"after_retries,omitempty" yaml:"after_retries,omitempty"`
	OnFailure    Action   `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	FailureKinds []string `json:"failure_kinds,omitempty" yaml:"failure_kinds,omitempty"`
}

// PlanNode is the immutable definition of a graph vertex.
type PlanNode struct {
	ID              string         `json:"id" yaml:"id"`
	StepType        string         `json:"step_type" yaml:"step_type"`
	Params          map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Children        []string       `json:"children,omitempty" yaml:"children,omitempty"`
	FanOut          *FanOut        `json:"fan_out,omitempty" yaml:"fan_out,omitempty"`
	Adviser         *AdviserPolicy `json:"adviser,omitempty" yaml:"adviser,omitempty"`
	TimeoutMS       int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RollbackNodeIDs []string       `json:"rollback_node_ids,omitempty" yaml:"rollback_node_ids,omitempty"`
	When            string         `json:"when,omitempty" yaml:"when,omitempty"`
}

// Parallelism returns the number of participants the node expands to.
func (n *PlanNode) Parallelism() int {
	if n.FanOut == nil || n.FanOut.Parallelism < 1 {
		return 1
	}
	return n.FanOut.Parallelism
}

// Concurrency returns how many participants may run at once.
func (n *PlanNode) Concurrency() int {
	p := n.Parallelism()
	if n.FanOut == nil || n.FanOut.MaxConcurrency <= 0 || n.FanOut.MaxConcurrency > p {
		return p
	}
	return n.FanOut.MaxConcurrency
}
