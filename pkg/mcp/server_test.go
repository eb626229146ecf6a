package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewYardServer(t *testing.T) {
	s := NewYardServer(YardServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewYardServer(YardServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 10)

	expectedTools := []string{
		"railyard.run",
		"railyard.status",
		"railyard.cancel",
		"railyard.pending",
		"railyard.resolve",
		"railyard.mutate",
		"railyard.checkpoint",
		"railyard.restore",
		"railyard.schedule",
		"railyard.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "railyard.run", "Start a graph program run"},
		{"status", "railyard.status", "Get run status, paths, and terminal output"},
		{"cancel", "railyard.cancel", "Cancel a live run and all of its paths"},
		{"pending", "railyard.pending", "List delegated decisions waiting for an agent"},
		{"resolve", "railyard.resolve", "Answer a delegated decision"},
		{"mutate", "railyard.mutate", "Reshape a running graph, or decide a staged proposal"},
		{"checkpoint", "railyard.checkpoint", "Snapshot a live run for later restore"},
		{"restore", "railyard.restore", "Resume a run from a checkpoint"},
		{"schedule", "railyard.schedule", "Manage recurring runs of a stored graph definition"},
		{"query", "railyard.query", "Query runs, paths, events, requests, checkpoints, tools, mutation proposals, scheduled jobs, or the live graph definition"},
	}

	s := NewYardServer(YardServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestOracleNotifierWiredAtConstruction(t *testing.T) {
	oracle := NewAgentOracle(nil, nil)
	s := NewYardServer(YardServerDeps{Oracle: oracle})

	require.NotNil(t, s.notifier)
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	assert.Equal(t, s.notifier, oracle.notifier)
}
