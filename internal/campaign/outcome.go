package campaign

import (
	"time"

	"github.com/imishinist/knobsweep/internal/models"
)

// Outcome is the result of one campaign run. ArtifactsDir is where the
// campaign left its files; the runner does not interpret them.
type Outcome struct {
	Kind         models.OutcomeKind
	ArtifactsDir string
	ExitCode     int
	Duration     time.Duration
	Diagnostics  *Diagnostics
}

func (o *Outcome) Succeeded() bool {
	return o.Kind == models.OutcomeSuccess
}

// Reason summarizes a non-successful outcome for the state file.
func (o *Outcome) Reason() string {
	if o.Diagnostics != nil && o.Diagnostics.Reason != "" {
		return o.Diagnostics.Reason
	}
	return string(o.Kind)
}

// Invocation records everything needed to reproduce a campaign run.
type Invocation struct {
	Label         string         `json:"label"`
	Knobs         map[string]int `json:"knobs"`
	Command       string         `json:"command"`
	Args          []string       `json:"args"`
	Env           []string       `json:"env"`
	Dir           string         `json:"dir,omitempty"`
	WorkDir       string         `json:"work_dir"`
	BudgetSeconds int64          `json:"budget_seconds"`
	GraceSeconds  int64          `json:"grace_seconds"`
	StartedAt     time.Time      `json:"started_at"`
}
