package task

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StageDefinition describes one pipeline stage as it appears in a pipeline
// definition file.
type StageDefinition struct {
	Name       string      `json:"name" yaml:"name"`
	Capability string      `json:"capability,omitempty" yaml:"capability,omitempty"`
	Inputs     []string    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs    []string    `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Retry      RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// PipelineDefinition is an ordered list of stages loaded from YAML. The
// struct mirrors the on-disk schema; the runtime only ever sees the ordered
// Task list it produces.
type PipelineDefinition struct {
	Name   string            `json:"name" yaml:"name"`
	Stages []StageDefinition `json:"stages" yaml:"stages"`
}

// ParsePipelineYAML decodes and validates a single pipeline definition
// payload.
func ParsePipelineYAML(data []byte) (PipelineDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return PipelineDefinition{}, fmt.Errorf("pipeline: definition payload is empty")
	}
	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return PipelineDefinition{}, fmt.Errorf("pipeline: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return PipelineDefinition{}, err
	}
	return def.Normalized(), nil
}

// LoadPipelineFile reads a YAML file from disk and returns the parsed
// pipeline definition.
func LoadPipelineFile(path string) (PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineDefinition{}, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	def, err := ParsePipelineYAML(data)
	if err != nil {
		return PipelineDefinition{}, fmt.Errorf("pipeline: %s: %w", path, err)
	}
	return def, nil
}

// Validate checks the definition for structural problems before it is wired
// into the runtime.
func (def PipelineDefinition) Validate() error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("pipeline %s: at least one stage is required", def.Name)
	}
	seen := make(map[string]bool, len(def.Stages))
	for i, stage := range def.Stages {
		name := strings.TrimSpace(stage.Name)
		if name == "" {
			return fmt.Errorf("pipeline %s: stage %d has no name", def.Name, i)
		}
		if seen[name] {
			return fmt.Errorf("pipeline %s: duplicate stage %q", def.Name, name)
		}
		seen[name] = true
		if stage.Retry.MaxRetries < 0 {
			return fmt.Errorf("pipeline %s: stage %q: negative max_retries", def.Name, name)
		}
	}
	return nil
}

// Normalized returns a trimmed copy of the definition. A stage without an
// explicit capability name uses its own name.
func (def PipelineDefinition) Normalized() PipelineDefinition {
	clone := PipelineDefinition{
		Name:   strings.TrimSpace(def.Name),
		Stages: make([]StageDefinition, len(def.Stages)),
	}
	for i, stage := range def.Stages {
		normalized := StageDefinition{
			Name:       strings.TrimSpace(stage.Name),
			Capability: strings.TrimSpace(stage.Capability),
			Retry:      stage.Retry,
		}
		if normalized.Capability == "" {
			normalized.Capability = normalized.Name
		}
		for _, in := range stage.Inputs {
			if trimmed := strings.TrimSpace(in); trimmed != "" {
				normalized.Inputs = append(normalized.Inputs, trimmed)
			}
		}
		for _, out := range stage.Outputs {
			if trimmed := strings.TrimSpace(out); trimmed != "" {
				normalized.Outputs = append(normalized.Outputs, trimmed)
			}
		}
		clone.Stages[i] = normalized
	}
	return clone
}

// Tasks converts the definition into the ordered stage descriptors the
// engine runs.
func (def PipelineDefinition) Tasks() []Task {
	tasks := make([]Task, len(def.Stages))
	for i, stage := range def.Stages {
		tasks[i] = Task{
			Name:           stage.Name,
			InputKeys:      stage.Inputs,
			OutputKeys:     stage.Outputs,
			CapabilityName: stage.Capability,
			Retry:          stage.Retry,
		}
	}
	return tasks
}

// DefaultBootstrapPipeline is the stock bootstrap pass: scan every source
// page to build project-wide memory, then persist it.
func DefaultBootstrapPipeline() PipelineDefinition {
	return PipelineDefinition{
		Name: "bootstrap",
		Stages: []StageDefinition{
			{Name: "project_scanner", Capability: "project_scanner", Inputs: []string{"pages"}, Outputs: []string{"project_memory"}},
			{Name: "memory_persistor", Capability: "memory_persistor", Inputs: []string{"project_memory"}, Outputs: []string{"memory_saved"}},
		},
	}.Normalized()
}

// DefaultMigrationPipeline is the stock per-page pipeline: extract logic and
// visual structure, map to the target framework, emit code, score the result.
func DefaultMigrationPipeline() PipelineDefinition {
	return PipelineDefinition{
		Name: "migration",
		Stages: []StageDefinition{
			{Name: "logic_extractor", Inputs: []string{"file_path", "project_memory"}, Outputs: []string{"logic_report"}},
			{Name: "visual_extractor", Inputs: []string{"file_path", "project_memory"}, Outputs: []string{"visual_report"}},
			{Name: "architect", Inputs: []string{"project_memory", "logic_report", "visual_report"}, Outputs: []string{"migration_blueprint"}},
			{Name: "codegen", Inputs: []string{"migration_blueprint"}, Outputs: []string{"generated_files"}},
			{Name: "evaluator", Inputs: []string{"migration_blueprint", "generated_files", "project_memory"}, Outputs: []string{"evaluation_report"}},
		},
	}.Normalized()
}
