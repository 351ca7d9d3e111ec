// Package stage runs the pipeline stages in their fixed order and records
// every run in the stage log.
package stage

import (
	"context"

	"github.com/rotisserie/eris"
)

// Stage names in pipeline order.
const (
	CompaniesImport = "ch_import"
	TitlesImport    = "lr_import"
	Match           = "match"
	History         = "history"
)

// Order is the fixed pipeline order.
var Order = []string{CompaniesImport, TitlesImport, Match, History}

// Stage is one independently runnable, idempotent step of the pipeline.
type Stage interface {
	// Name returns the stage log name.
	Name() string

	// Run executes the stage. Schema preconditions are checked first and
	// fail the stage before any row is written.
	Run(ctx context.Context) (*Result, error)
}

// Result is what a stage reports back to the engine.
type Result struct {
	Rows     int64          `json:"rows" yaml:"rows"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Warnings carries non-fatal findings such as invariant violation
	// counts. They are logged at WARN and copied into the run report.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Registry maps stage names to implementations and keeps them in
// pipeline order.
type Registry struct {
	stages map[string]Stage
	order  []string
}

// NewEmptyRegistry creates a registry with no stages.
func NewEmptyRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds a stage. Stages run in registration order.
func (r *Registry) Register(s Stage) {
	name := s.Name()
	if _, ok := r.stages[name]; !ok {
		r.order = append(r.order, name)
	}
	r.stages[name] = s
}

// Get returns a stage by name.
func (r *Registry) Get(name string) (Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return nil, eris.Errorf("stage: unknown stage %q", name)
	}
	return s, nil
}

// Select returns the named stages in registration order, or every stage
// when names is empty. Unknown names are an error.
func (r *Registry) Select(names []string) ([]Stage, error) {
	if len(names) == 0 {
		out := make([]Stage, 0, len(r.order))
		for _, n := range r.order {
			out = append(out, r.stages[n])
		}
		return out, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.stages[n]; !ok {
			return nil, eris.Errorf("stage: unknown stage %q", n)
		}
		want[n] = true
	}
	var out []Stage
	for _, n := range r.order {
		if want[n] {
			out = append(out, r.stages[n])
		}
	}
	return out, nil
}

// AllNames returns every registered stage name in order.
func (r *Registry) AllNames() []string {
	return append([]string(nil), r.order...)
}
