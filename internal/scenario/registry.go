// Package scenario maps (scenario, pipeline version) pairs to concrete
// workflow definitions.
package scenario

import (
	"strings"

	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

// Definition names the workflow to start for a scenario.
type Definition struct {
	WorkflowName string
	TaskQueue    string
	QueryName    string
}

type registryKey struct {
	Scenario        string
	PipelineVersion string
}

// Registry resolves scenarios. The content is static; unknown keys fail.
type Registry struct {
	entries map[registryKey]Definition
}

// NewRegistry creates the registry with the built-in scenario set.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[registryKey]Definition{
			{Scenario: "ingest", PipelineVersion: "1"}: {
				WorkflowName: "ingest-1",
				TaskQueue:    "point-cloud-task-queue",
				QueryName:    "progress",
			},
		},
	}
}

// Resolve returns the definition for the scenario, case-insensitive on
// the scenario name.
func (r *Registry) Resolve(scenario, pipelineVersion string) (Definition, error) {
	key := registryKey{Scenario: strings.ToLower(scenario), PipelineVersion: pipelineVersion}
	def, ok := r.entries[key]
	if !ok {
		return Definition{}, apperrors.Validation(
			"unsupported scenario %q pipeline_version %q", scenario, pipelineVersion)
	}
	return def, nil
}
