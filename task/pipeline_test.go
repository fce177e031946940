package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePipelineYAML(t *testing.T) {
	payload := []byte(`
name: migration
stages:
  - name: logic_extractor
    inputs: [file_path, project_memory]
    outputs: [logic_report]
  - name: codegen
    capability: angular_codegen
    retry:
      max_retries: 2
`)

	def, err := ParsePipelineYAML(payload)
	require.NoError(t, err)

	assert.Equal(t, "migration", def.Name)
	require.Len(t, def.Stages, 2)
	// Capability defaults to the stage name.
	assert.Equal(t, "logic_extractor", def.Stages[0].Capability)
	assert.Equal(t, "angular_codegen", def.Stages[1].Capability)
	assert.Equal(t, 2, def.Stages[1].Retry.MaxRetries)
}

func TestParsePipelineYAML_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", "   \n"},
		{"no name", "stages: [{name: a}]"},
		{"no stages", "name: p"},
		{"unnamed stage", "name: p\nstages: [{capability: c}]"},
		{"duplicate stage", "name: p\nstages: [{name: a}, {name: a}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipelineYAML([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestLoadPipelineFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: p\nstages: [{name: only}]"), 0644))

	def, err := LoadPipelineFile(path)
	require.NoError(t, err)
	assert.Equal(t, "p", def.Name)

	_, err = LoadPipelineFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultPipelines(t *testing.T) {
	bootstrap := DefaultBootstrapPipeline()
	require.NoError(t, bootstrap.Validate())
	require.Len(t, bootstrap.Stages, 2)
	assert.Equal(t, "project_scanner", bootstrap.Stages[0].Name)

	migration := DefaultMigrationPipeline()
	require.NoError(t, migration.Validate())
	require.Len(t, migration.Stages, 5)
	assert.Equal(t, "evaluator", migration.Stages[len(migration.Stages)-1].Name)

	tasks := migration.Tasks()
	require.Len(t, tasks, 5)
	assert.Equal(t, "logic_extractor", tasks[0].CapabilityName)
}

func TestWorkItemTerminalStatusSticks(t *testing.T) {
	item := NewWorkItem("page.xhtml", "page.xhtml")
	assert.Equal(t, StatusPending, item.Status())

	item.SetStatus(StatusRunning)
	item.SetStatus(StatusSucceeded)
	item.SetStatus(StatusFailed)
	assert.Equal(t, StatusSucceeded, item.Status())
}

func TestWorkItemExecutionLog(t *testing.T) {
	item := NewWorkItem("page.xhtml", "page.xhtml")
	item.AppendExecution(Execution{TaskName: "a", Attempt: 1, Outcome: OutcomeSuccess.String()})
	item.AppendExecution(Execution{TaskName: "b", Attempt: 1, Outcome: OutcomeTransientFailure.String()})
	item.AppendExecution(Execution{TaskName: "b", Attempt: 2, Outcome: OutcomeSuccess.String()})

	assert.Len(t, item.Executions(), 3)
	assert.Len(t, item.ExecutionsFor("b"), 2)
	assert.Empty(t, item.ExecutionsFor("missing"))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("scanner", CapabilityFunc(func(_ context.Context, in Payload) (Payload, error) { return in, nil }))

	_, err := reg.Resolve("scanner")
	require.NoError(t, err)

	_, err = reg.Resolve("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"scanner"}, reg.Names())
}
