package controller

import (
	"fmt"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/session"
)

// StageSpec is the capability list and sub-agent template of one stage.
type StageSpec struct {
	Tools    []string
	Template string
}

// StageTable maps active stages to their StageSpec. It is built once and
// never mutated; Lookup returns copies.
type StageTable struct {
	specs map[session.Stage]StageSpec
}

// NewStageTable converts the configured stages, keyed by stage name, into a
// table keyed by stage number. Unknown stage names are rejected.
func NewStageTable(stages map[string]config.StageConfig) (StageTable, error) {
	specs := make(map[session.Stage]StageSpec, len(stages))
	for name, sc := range stages {
		stage, err := session.ParseStage(name)
		if err != nil {
			return StageTable{}, err
		}
		if !stage.IsActive() {
			return StageTable{}, fmt.Errorf("stage %q cannot be configured", name)
		}
		specs[stage] = StageSpec{
			Tools:    append([]string(nil), sc.Tools...),
			Template: sc.Template,
		}
	}
	return StageTable{specs: specs}, nil
}

// Lookup returns the spec for stage. Unconfigured stages get no tools and
// no template.
func (t StageTable) Lookup(stage session.Stage) StageSpec {
	spec := t.specs[stage]
	spec.Tools = append([]string(nil), spec.Tools...)
	return spec
}

// Templates returns every template name referenced by the table.
func (t StageTable) Templates() []string {
	var out []string
	for _, spec := range t.specs {
		if spec.Template != "" {
			out = append(out, spec.Template)
		}
	}
	return out
}
