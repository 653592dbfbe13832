package plan_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
)

func linear(ids ...string) *plan.Plan {
	p := &plan.Plan{}
	for i, id := range ids {
		n := &model.PlanNode{ID: id, StepType: "Noop"}
		if i+1 < len(ids) {
			n.Children = []string{ids[i+1]}
		}
		p.Nodes = append(p.Nodes, n)
	}
	return p
}

func TestLoadFile(t *testing.T) {
	p, err := plan.LoadFile(filepath.Join("testdata", "deploy.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if err := plan.Validate(p, nil); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if got := p.Roots(); !slices.Equal(got, []string{"build"}) {
		t.Errorf("Roots() = %v, want [build]", got)
	}
	test, ok := p.Node("test")
	if !ok {
		t.Fatal("Node(test) not found")
	}
	if test.Parallelism() != 4 || test.Concurrency() != 2 {
		t.Errorf("fan-out = %+v", test.FanOut)
	}
	if test.Adviser.AfterRetries != model.ActionOnFailPipelineRollback {
		t.Errorf("AfterRetries = %s", test.Adviser.AfterRetries)
	}
	build, _ := p.Node("build")
	payload, ok := build.Params["payload"].(map[string]any)
	if !ok || payload["command"] != "make build" {
		t.Errorf("build params = %#v", build.Params)
	}
	if !p.IsRollback("revert") || !p.IsRollback("restore") {
		t.Error("rollback nodes not detected")
	}
	if p.IsRollback("release") {
		t.Error("release wrongly marked as rollback")
	}
	if got := p.Parents("release"); !slices.Equal(got, []string{"test"}) {
		t.Errorf("Parents(release) = %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func() *plan.Plan
	}{
		{"empty", func() *plan.Plan { return &plan.Plan{} }},
		{"missing child", func() *plan.Plan {
			p := linear("a")
			p.Nodes[0].Children = []string{"ghost"}
			return p
		}},
		{"duplicate id", func() *plan.Plan { return linear("a", "a") }},
		{"cycle", func() *plan.Plan {
			p := linear("a", "b", "c")
			p.Nodes[2].Children = []string{"b"}
			return p
		}},
		{"no step type", func() *plan.Plan {
			p := linear("a")
			p.Nodes[0].StepType = ""
			return p
		}},
		{"bad fan-out", func() *plan.Plan {
			p := linear("a")
			p.Nodes[0].FanOut = &model.FanOut{Parallelism: 0}
			return p
		}},
		{"missing rollback node", func() *plan.Plan {
			p := linear("a")
			p.RollbackNodeIDs = []string{"ghost"}
			return p
		}},
		{"bad adviser", func() *plan.Plan {
			p := linear("a")
			p.Nodes[0].Adviser = &model.AdviserPolicy{OnFailure: "NOPE"}
			return p
		}},
		{"forward node used as rollback", func() *plan.Plan {
			p := linear("a", "b")
			p.Nodes[0].RollbackNodeIDs = []string{"b"}
			return p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := plan.Validate(tt.build(), nil)
			if !errors.Is(err, plan.ErrMalformedPlan) {
				t.Errorf("Validate() error = %v, want ErrMalformedPlan", err)
			}
		})
	}
}

func TestValidateUnknownStep(t *testing.T) {
	p := linear("a")
	known := func(s string) bool { return s == "DelegateTask" }
	if err := plan.Validate(p, known); !errors.Is(err, plan.ErrMalformedPlan) {
		t.Errorf("Validate() error = %v, want ErrMalformedPlan", err)
	}
}

func TestSubgraph(t *testing.T) {
	p := linear("a", "b", "c")
	if got := p.Subgraph([]string{"b"}); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("Subgraph(b) = %v, want [b c]", got)
	}
}

func TestSources(t *testing.T) {
	mem := plan.NewMemorySource()
	mem.Put("exec-1", linear("a"))
	files := plan.FileSource{Dir: "testdata"}
	chain := plan.Chain{mem, files}

	if _, err := chain.Get(context.Background(), "exec-1"); err != nil {
		t.Errorf("Get(exec-1) error: %v", err)
	}
	p, err := chain.Get(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("Get(deploy) error: %v", err)
	}
	if p.ID != "deploy" {
		t.Errorf("ID = %q, want deploy", p.ID)
	}
	if _, err := chain.Get(context.Background(), "missing"); !errors.Is(err, plan.ErrPlanNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrPlanNotFound", err)
	}
	if _, err := files.Get(context.Background(), "../deploy"); !errors.Is(err, plan.ErrPlanNotFound) {
		t.Errorf("Get(../deploy) error = %v, want ErrPlanNotFound", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := plan.Parse([]byte("nodes: [")); !errors.Is(err, plan.ErrMalformedPlan) {
		t.Errorf("Parse() error = %v, want ErrMalformedPlan", err)
	}
}
