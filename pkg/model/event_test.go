package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev := NewEvent("ITEM-ABCD1234", EventItemCreated, map[string]any{"name": "x"})
	assert.NoError(t, ev.Validate())
	assert.NotEmpty(t, ev.ID)
	assert.Empty(t, ev.AgentID)

	agentEv := NewAgentEvent("ITEM-ABCD1234", "agent-planner--abc123", EventAgentStarted, nil)
	assert.NoError(t, agentEv.Validate())
	assert.Equal(t, "agent-planner--abc123", agentEv.AgentID)
}

func TestEventValidate_MissingFields(t *testing.T) {
	ev := NewEvent("ITEM-ABCD1234", EventError, nil)
	ev.ItemID = ""
	assert.Error(t, ev.Validate())
}

// PayloadInt must accept both the in-process int and the float64 a JSON
// round-trip produces.
func TestPayloadInt_JSONRoundTrip(t *testing.T) {
	ev := NewAgentEvent("ITEM-ABCD1234", "agent-back--api--abc123", EventAgentExited, map[string]any{"exitCode": 2})
	assert.Equal(t, 2, ev.PayloadInt("exitCode"))

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded.PayloadInt("exitCode"))
	assert.Equal(t, 0, decoded.PayloadInt("missing"))
}

func TestPayloadHelpers_AbsentFields(t *testing.T) {
	ev := NewEvent("ITEM-ABCD1234", EventError, nil)
	assert.Equal(t, "", ev.PayloadString("message"))
	assert.False(t, ev.PayloadBool("success"))
	assert.Equal(t, 0, ev.PayloadInt("count"))
}
