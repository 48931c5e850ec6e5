package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/session"
)

func TestNewStageTable(t *testing.T) {
	t.Parallel()

	table, err := NewStageTable(map[string]config.StageConfig{
		"planning": {Tools: []string{"Read"}, Template: "planner"},
		"4":        {Tools: []string{"Bash"}},
	})
	require.NoError(t, err)

	spec := table.Lookup(session.StagePlanning)
	assert.Equal(t, []string{"Read"}, spec.Tools)
	assert.Equal(t, "planner", spec.Template)
	assert.Equal(t, []string{"Bash"}, table.Lookup(session.StageDelivery).Tools)
	assert.Empty(t, table.Lookup(session.StageReview).Tools)
	assert.Equal(t, []string{"planner"}, table.Templates())
}

func TestStageTable_LookupReturnsCopy(t *testing.T) {
	t.Parallel()

	table, err := NewStageTable(config.DefaultStages())
	require.NoError(t, err)

	spec := table.Lookup(session.StageImplementing)
	require.NotEmpty(t, spec.Tools)
	spec.Tools[0] = "Mutated"
	assert.NotEqual(t, "Mutated", table.Lookup(session.StageImplementing).Tools[0])
}

func TestNewStageTable_Rejects(t *testing.T) {
	t.Parallel()

	_, err := NewStageTable(map[string]config.StageConfig{"shipping": {}})
	assert.Error(t, err)

	_, err = NewStageTable(map[string]config.StageConfig{"completed": {}})
	assert.Error(t, err)
}

func TestDefaultStageTemplatesExist(t *testing.T) {
	t.Parallel()

	p, err := NewPrompts()
	require.NoError(t, err)
	table, err := NewStageTable(config.DefaultStages())
	require.NoError(t, err)
	for _, name := range table.Templates() {
		assert.True(t, p.HasAgent(name), name)
		text, err := p.Agent(name)
		require.NoError(t, err)
		assert.NotEmpty(t, text)
	}
}
