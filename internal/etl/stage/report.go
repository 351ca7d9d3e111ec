package stage

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Report summarises one engine run.
type Report struct {
	RunID     uuid.UUID     `json:"run_id" yaml:"run_id"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Stages    []StageReport `json:"stages" yaml:"stages"`
}

// StageReport is the outcome of one stage.
type StageReport struct {
	Name     string         `json:"name" yaml:"name"`
	Status   string         `json:"status" yaml:"status"`
	Rows     int64          `json:"rows" yaml:"rows"`
	Duration time.Duration  `json:"duration" yaml:"duration"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	Warnings []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Failed reports whether any stage failed.
func (r *Report) Failed() bool {
	for _, s := range r.Stages {
		if s.Status != etl.StatusComplete {
			return true
		}
	}
	return false
}

// Warnings returns every stage finding, prefixed with its stage name.
func (r *Report) Warnings() []string {
	var out []string
	for _, s := range r.Stages {
		for _, w := range s.Warnings {
			out = append(out, s.Name+": "+w)
		}
	}
	return out
}

// YAML renders the report.
func (r *Report) YAML() ([]byte, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal report")
	}
	return b, nil
}

// WriteFile writes the report as YAML to path.
func (r *Report) WriteFile(path string) error {
	b, err := r.YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return eris.Wrapf(err, "stage: write report %s", path)
	}
	return nil
}
