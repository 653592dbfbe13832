package plan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrPlanNotFound is returned when no plan exists for a plan execution id.
var ErrPlanNotFound = errors.New("plan not found")

// Source supplies the compiled graph for a plan execution.
type Source interface {
	Get(ctx context.Context, planExecutionID string) (*Plan, error)
}

// MemorySource holds plans submitted at runtime.
type MemorySource struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{plans: make(map[string]*Plan)}
}

// Put stores p for planExecutionID.
func (m *MemorySource) Put(planExecutionID string, p *Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[planExecutionID] = p
}

// Get returns the plan stored for planExecutionID.
func (m *MemorySource) Get(_ context.Context, planExecutionID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[planExecutionID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planExecutionID, ErrPlanNotFound)
	}
	return p, nil
}

// FileSource loads plans from <Dir>/<planExecutionID>.yaml.
type FileSource struct {
	Dir string
}

// Get loads and parses the plan file for planExecutionID.
func (f FileSource) Get(_ context.Context, planExecutionID string) (*Plan, error) {
	if planExecutionID == "" || filepath.Base(planExecutionID) != planExecutionID {
		return nil, fmt.Errorf("plan %q: %w", planExecutionID, ErrPlanNotFound)
	}
	p, err := LoadFile(filepath.Join(f.Dir, planExecutionID+".yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("plan %s: %w", planExecutionID, ErrPlanNotFound)
	}
	return p, err
}

// Chain tries each source in order and returns the first plan found.
type Chain []Source

// Get returns the first plan any source in the chain has.
func (c Chain) Get(ctx context.Context, planExecutionID string) (*Plan, error) {
	for _, s := range c {
		p, err := s.Get(ctx, planExecutionID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("plan %s: %w", planExecutionID, ErrPlanNotFound)
}

// LoadFile reads and parses a YAML plan file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML plan document.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return &p, nil
}
