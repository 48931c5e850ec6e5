package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamEvent(t *testing.T) {
	t.Parallel()

	e, err := ParseStreamEvent("   ")
	assert.NoError(t, err)
	assert.Nil(t, e)

	_, err = ParseStreamEvent("not json")
	assert.Error(t, err)
	_, err = ParseStreamEvent("{invalid")
	assert.Error(t, err)
	_, err = ParseStreamEvent(`{"foo":1}`)
	assert.Error(t, err)

	e, err = ParseStreamEvent(`{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}},{"type":"text","text":"b"}]}}`)
	require.NoError(t, err)
	assert.Equal(t, "ab", e.Text())
	require.Len(t, e.ToolUses(), 1)
	assert.Equal(t, "Bash", e.ToolUses()[0].Name)

	e, err = ParseStreamEvent(`{"type":"result","subtype":"error_max_turns","is_error":false,"cost_usd":0.5}`)
	require.NoError(t, err)
	assert.True(t, e.Failed())
	assert.Equal(t, 0.5, e.Cost())
}

func TestCollector(t *testing.T) {
	t.Parallel()

	var c Collector
	c.Add(`{"type":"system","subtype":"init","session_id":"one"}`)
	c.Add(`{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}`)
	c.Add(`garbage`)
	c.Add(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t","content":"x"}]}}`)
	c.Add(`{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}`)

	assert.False(t, c.Decoded())
	assert.Equal(t, "first\nsecond", c.FinalText())
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 1, c.Turns)
	assert.Contains(t, c.Raw(), "garbage\n")

	c.Add(`{"type":"result","subtype":"success","result":"final","session_id":"two","num_turns":7}`)
	assert.True(t, c.Decoded())
	assert.Equal(t, "final", c.FinalText())
	assert.Equal(t, "two", c.SessionID)
	assert.Equal(t, 7, c.Turns)
}
