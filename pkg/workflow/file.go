package workflow

import (
	"fmt"
	"os"

	"github.com/loomworks/loom/pkg/types"
	"gopkg.in/yaml.v3"
)

// definition is the YAML shape of a workflow file
type definition struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Owner    string `yaml:"owner,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
	Stages   []struct {
		ID                string            `yaml:"id"`
		Kind              string            `yaml:"kind"`
		Payload           string            `yaml:"payload"`
		Metadata          map[string]string `yaml:"metadata,omitempty"`
		Priority          int               `yaml:"priority,omitempty"`
		ContinueOnFailure bool              `yaml:"continue_on_failure,omitempty"`
	} `yaml:"stages"`
	Edges []struct {
		From      string `yaml:"from"`
		To        string `yaml:"to"`
		Condition string `yaml:"condition,omitempty"`
	} `yaml:"edges,omitempty"`
}

// LoadFile reads a workflow definition from a YAML file. The returned
// workflow is not yet compiled; pass it to Compile to validate the DAG.
func LoadFile(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("workflow file %s: id is required", path)
	}

	wf := &types.Workflow{
		ID:       def.ID,
		Name:     def.Name,
		OwnerID:  def.Owner,
		Schedule: def.Schedule,
		Timezone: def.Timezone,
	}
	for _, s := range def.Stages {
		wf.Stages = append(wf.Stages, types.TaskTemplate{
			StageID:           s.ID,
			Kind:              s.Kind,
			Payload:           s.Payload,
			Metadata:          s.Metadata,
			Priority:          s.Priority,
			ContinueOnFailure: s.ContinueOnFailure,
		})
	}
	for _, e := range def.Edges {
		wf.Edges = append(wf.Edges, types.Edge{From: e.From, To: e.To, Condition: e.Condition})
	}
	return wf, nil
}
