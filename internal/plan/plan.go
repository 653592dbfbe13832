// Package plan holds the compiled execution graph consumed by the engine and
// the sources it is loaded from.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/adviser"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// ErrMalformedPlan is returned for graphs the engine cannot drive. It is fatal
// for the plan execution.
var ErrMalformedPlan = errors.New("malformed plan")

// Plan is an immutable compiled graph for one pipeline run. Nodes listed in
// RollbackNodeIDs, and every node reachable from them or from a node's own
// RollbackNodeIDs, form rollback subgraphs that only run on failure.
type Plan struct {
	ID              string            `json:"id,omitempty" yaml:"id,omitempty"`
	Nodes           []*model.PlanNode `json:"nodes" yaml:"nodes"`
	RollbackNodeIDs []string          `json:"rollback_node_ids,omitempty" yaml:"rollback_node_ids,omitempty"`

	once     sync.Once
	index    map[string]*model.PlanNode
	parents  map[string][]string
	rollback map[string]bool
}

func (p *Plan) build() {
	p.once.Do(func() {
		p.index = make(map[string]*model.PlanNode, len(p.Nodes))
		p.parents = make(map[string][]string)
		for _, n := range p.Nodes {
			p.index[n.ID] = n
		}
		for _, n := range p.Nodes {
			for _, c := range n.Children {
				p.parents[c] = append(p.parents[c], n.ID)
			}
		}
		var roots []string
		roots = append(roots, p.RollbackNodeIDs...)
		for _, n := range p.Nodes {
			roots = append(roots, n.RollbackNodeIDs...)
		}
		p.rollback = make(map[string]bool)
		for _, id := range p.reach(roots) {
			p.rollback[id] = true
		}
	})
}

// reach returns the ids reachable from roots through children, in breadth
// first order. Missing nodes are skipped.
func (p *Plan) reach(roots []string) []string {
	seen := make(map[string]bool)
	var out []string
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := p.index[id]
		if !ok {
			continue
		}
		out = append(out, id)
		queue = append(queue, n.Children...)
	}
	return out
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (*model.PlanNode, bool) {
	p.build()
	n, ok := p.index[id]
	return n, ok
}

// Parents returns the ids of the nodes listing id as a child.
func (p *Plan) Parents(id string) []string {
	p.build()
	return p.parents[id]
}

// IsRollback reports whether id belongs to a rollback subgraph.
func (p *Plan) IsRollback(id string) bool {
	p.build()
	return p.rollback[id]
}

// Roots returns the forward nodes without parents in declaration order.
func (p *Plan) Roots() []string {
	p.build()
	var roots []string
	for _, n := range p.Nodes {
		if len(p.parents[n.ID]) == 0 && !p.rollback[n.ID] {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Subgraph returns every node reachable from roots, roots included.
func (p *Plan) Subgraph(roots []string) []string {
	p.build()
	return p.reach(roots)
}

// Validate checks that the graph is well formed. knownStep, when non-nil,
// reports whether a step type is registered.
func Validate(p *Plan, knownStep func(string) bool) error {
	if p == nil || len(p.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrMalformedPlan)
	}
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrMalformedPlan)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node %q", ErrMalformedPlan, n.ID)
		}
		seen[n.ID] = true
	}
	for _, n := range p.Nodes {
		if err := validateNode(n, seen, knownStep); err != nil {
			return err
		}
	}
	for _, id := range p.RollbackNodeIDs {
		if !seen[id] {
			return fmt.Errorf("%w: plan rollback references missing node %q", ErrMalformedPlan, id)
		}
	}
	if err := checkAcyclic(p); err != nil {
		return err
	}

	p.build()
	roots := p.Roots()
	if len(roots) == 0 {
		return fmt.Errorf("%w: no root node", ErrMalformedPlan)
	}
	for _, id := range p.reach(roots) {
		if p.rollback[id] {
			return fmt.Errorf("%w: node %q is both a forward and a rollback node", ErrMalformedPlan, id)
		}
	}
	return nil
}

func validateNode(n *model.PlanNode, exists map[string]bool, knownStep func(string) bool) error {
	if n.StepType == "" {
		return fmt.Errorf("%w: node %q has no step type", ErrMalformedPlan, n.ID)
	}
	if knownStep != nil && !knownStep(n.StepType) {
		return fmt.Errorf("%w: node %q has unknown step type %q", ErrMalformedPlan, n.ID, n.StepType)
	}
	for _, c := range n.Children {
		if !exists[c] {
			return fmt.Errorf("%w: node %q references missing child %q", ErrMalformedPlan, n.ID, c)
		}
	}
	for _, r := range n.RollbackNodeIDs {
		if !exists[r] {
			return fmt.Errorf("%w: node %q references missing rollback node %q", ErrMalformedPlan, n.ID, r)
		}
	}
	if n.FanOut != nil {
		if n.FanOut.Parallelism < 1 {
			return fmt.Errorf("%w: node %q fan-out parallelism must be at least 1", ErrMalformedPlan, n.ID)
		}
		if n.FanOut.MaxConcurrency < 0 {
			return fmt.Errorf("%w: node %q fan-out max_concurrency must not be negative", ErrMalformedPlan, n.ID)
		}
	}
	if n.TimeoutMS < 0 {
		return fmt.Errorf("%w: node %q timeout must not be negative", ErrMalformedPlan, n.ID)
	}
	if err := adviser.ValidatePolicy(n.Adviser); err != nil {
		return fmt.Errorf("%w: node %q: %v", ErrMalformedPlan, n.ID, err)
	}
	return nil
}

// checkAcyclic rejects graphs where a node can reach itself through children.
func checkAcyclic(p *Plan) error {
	const (
		unvisited = iota
		visiting
		done
	)
	index := make(map[string]*model.PlanNode, len(p.Nodes))
	for _, n := range p.Nodes {
		index[n.ID] = n
	}
	state := make(map[string]int, len(p.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: cycle through node %q", ErrMalformedPlan, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, c := range index[id].Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, n := range p.Nodes {
		if state[n.ID] == unvisited {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
