package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aescanero/handoff/internal/application/graph"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipeline = `
nodes:
  - id: design
    agent: architect
    priority: P0
  - id: api
    agent: backend
    depends_on: [design]
  - id: ui
    agent: frontend
    depends_on: [design]
`

func writeGraph(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRunPrintsPlan(t *testing.T) {
	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{writeGraph(t, "graph.yaml", pipeline)})
	require.NoError(t, err)

	var got output
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Validation.Valid)
	require.NotNil(t, got.Plan)
	require.Len(t, got.Plan.Waves, 2)
	assert.Equal(t, []string{"design"}, got.Plan.Waves[0].NodeIDs)
	assert.Equal(t, []string{"api", "ui"}, got.Plan.Waves[1].NodeIDs)
	assert.Len(t, got.Plan.SchedulePlanHash, 64)
	assert.Nil(t, got.Run)
}

func TestRunDryRun(t *testing.T) {
	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-run", "-task", "release", writeGraph(t, "graph.yaml", pipeline)})
	require.NoError(t, err)

	var got output
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.NotNil(t, got.Run)
	assert.Equal(t, "release", got.Run.TaskID)
	assert.Equal(t, domain.RunStatusCompleted, got.Run.Status)
	assert.Equal(t, 3, got.Run.Summary.Succeeded)
}

func TestRunInvalidGraph(t *testing.T) {
	cyclic := `
nodes:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`
	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{writeGraph(t, "graph.yaml", cyclic)})
	require.ErrorIs(t, err, graph.ErrInvalidGraph)

	var got output
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.False(t, got.Validation.Valid)
	assert.Nil(t, got.Plan)
}

func TestRunUsage(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), out, []string{"-h"}))
	assert.Contains(t, out.String(), "Usage:")

	require.ErrorIs(t, run(context.Background(), &bytes.Buffer{}, nil), errUsage)
}
