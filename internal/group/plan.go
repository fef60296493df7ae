package group

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ccorch/internal/atomicfile"
	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/model"
)

// PlanVersion is the plan file format version written by ExportPlan.
const PlanVersion = "1"

// Plan is the on-disk YAML form of a group definition.
//
//	version: "1"
//	name: billing migration
//	# Keys left out inherit the configured defaults.
//	config:
//	  maxBudgetUsd: 20
//	  maxConcurrentSessions: 2
//	sessions:
//	  - id: schema
//	    projectPath: ./billing
//	    prompt: add the invoices table
//	  - id: api
//	    projectPath: ./api
//	    template: review
//	    dependsOn: [schema]
type Plan struct {
	Version     string `yaml:"version,omitempty"`
	CreateInput `yaml:",inline"`
}

// LoadPlan reads a plan file. Unknown keys are rejected.
func LoadPlan(path string) (CreateInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CreateInput{}, errors.NewNotFoundError("plan", path).WithCause(err)
		}
		return CreateInput{}, errors.NewPersistenceError("read", path, err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes plan YAML.
func ParsePlan(data []byte) (CreateInput, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return CreateInput{}, errors.NewValidationError("invalid plan file").WithCause(err)
	}
	if p.Version != "" && p.Version != PlanVersion {
		return CreateInput{}, errors.NewValidationError("unsupported plan version").WithField("version").WithValue(p.Version)
	}
	return p.CreateInput, nil
}

// PlanFromGroup converts a group back into its definition. Runtime state
// is dropped.
func PlanFromGroup(g *model.SessionGroup) Plan {
	p := Plan{
		Version: PlanVersion,
		CreateInput: CreateInput{
			Name:        g.Name,
			Description: g.Description,
			Config:      FullConfig(g.Config),
			Sessions:    make([]SessionInput, 0, len(g.Sessions)),
		},
	}
	for _, s := range g.Sessions {
		p.Sessions = append(p.Sessions, SessionInput{
			ID:          s.ID,
			ProjectPath: s.ProjectPath,
			Prompt:      s.Prompt,
			Template:    s.Template,
			DependsOn:   append([]string(nil), s.DependsOn...),
		})
	}
	return p
}

// ExportPlan writes g's definition to path as YAML.
func ExportPlan(g *model.SessionGroup, path string) error {
	return atomicfile.WriteYAML(path, PlanFromGroup(g))
}
