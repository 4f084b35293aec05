// Package pipeline loads YAML pipeline definitions and provides a
// read-optimized registry keyed by source classification.
package pipeline

import (
	"time"
)

// Definition describes one pipeline: which source classification it serves
// and the ordered stage sequence.
type Definition struct {
	ID     string  `yaml:"id"`
	Source string  `yaml:"source"`
	Stages []Stage `yaml:"stages"`

	// Checksum is the SHA-256 of the raw definition file. Populated by the
	// loader, not present in YAML.
	Checksum string `yaml:"-"`
	// SourceFile is the path the definition was loaded from.
	SourceFile string `yaml:"-"`
}

// Stage describes one pipeline stage and its SLA budgets.
type Stage struct {
	Name string `yaml:"name"`
	// Executor names the stage executor registered for this stage. Defaults
	// to the stage name when empty.
	Executor string `yaml:"executor"`
	// NonBlocking stages run even after an upstream failure and their errors
	// do not fail the pipeline.
	NonBlocking bool `yaml:"non_blocking"`
	// SoftBudget is the processing-time budget after which the monitor emits
	// an escalation while the stage is still in progress.
	SoftBudget time.Duration `yaml:"soft_budget"`
	// HardCeiling is the processing-time limit after which the monitor
	// finalizes the whole instance as failed. Zero means no ceiling.
	HardCeiling time.Duration `yaml:"hard_ceiling"`
}

// ExecutorName returns the executor name for a stage, defaulting to the
// stage name.
func (s Stage) ExecutorName() string {
	if s.Executor != "" {
		return s.Executor
	}
	return s.Name
}

// StageNames returns the stage names in execution order.
func (d Definition) StageNames() []string {
	names := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		names[i] = s.Name
	}
	return names
}

// StageByName returns the stage definition for a name, or false.
func (d Definition) StageByName(name string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}
