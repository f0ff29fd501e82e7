package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"frobnicate"}))
	assert.Equal(t, exitUsage, run(nil))
}

func TestJudgeRequiresRuleset(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"judge"}))
}

func TestJudgeRejectsMalformedInput(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"judge", "--ruleset", "escalate", "--input", "not json"}))
}

func TestReplayRequiresInstance(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"replay"}))
}

func TestTuneRequiresTemplate(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"tune"}))
}

func TestModelFromEnvWithoutCredentials(t *testing.T) {
	t.Setenv("TRIFLOW_ANTHROPIC_API_KEY", "")
	t.Setenv("TRIFLOW_OPENAI_API_KEY", "")
	client, err := modelFromEnv(context.Background(), 60000)
	require.NoError(t, err)
	assert.Nil(t, client, "rule-side policies work without a model client")
}

func TestModelFromEnvWrapsAnthropicClient(t *testing.T) {
	t.Setenv("TRIFLOW_ANTHROPIC_API_KEY", "test-key")
	t.Setenv("TRIFLOW_OPENAI_API_KEY", "")
	client, err := modelFromEnv(context.Background(), 60000)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "claude-sonnet-4-20250514", client.Name(), "the limiter middleware delegates Name")
}
