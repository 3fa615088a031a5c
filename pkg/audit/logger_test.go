package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_WritesPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(context.Background(), EventDenial, "acme", "alice", "deploy", "dec-0001",
		map[string]any{"detail": "policy denied"})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	require.True(t, strings.HasSuffix(line, "\n"))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	assert.Equal(t, EventDenial, event.Type)
	assert.Equal(t, "acme", event.TenantID)
	assert.Equal(t, "alice", event.ActorID)
	assert.Equal(t, "deploy", event.Action)
	assert.Equal(t, "dec-0001", event.Resource)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestRecord_DefaultsEmptyIdentitiesToSystem(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Record(context.Background(), EventSystem, "", "", "startup", "", nil))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &event))
	assert.Equal(t, "system", event.TenantID)
	assert.Equal(t, "system", event.ActorID)
}

func TestNop_Discards(t *testing.T) {
	assert.NoError(t, Nop().Record(context.Background(), EventDecision, "t", "a", "x", "r", nil))
}
