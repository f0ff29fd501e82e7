package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/runtime/errs"
)

const validYAML = `
name: defect-triage
version: 1
trigger:
  type: event
  required_input: [lot_id]
timeout: 10m
nodes:
  - id: fetch
    type: DATA
    config:
      query: "SELECT * FROM lots WHERE id = :lot_id"
      connector_id: floor-db
      params:
        lot_id: $.input.lot_id
    next: [judge]
  - id: judge
    type: JUDGMENT
    config:
      ruleset_id: rs-defects
      policy: hybrid_gate
      threshold: 0.8
    next: [route]
  - id: route
    type: IF_ELSE
    config:
      expression: "$.nodes.judge.result.decision == 'defect'"
    next: [alert, done]
  - id: alert
    type: ACTION
    config:
      action_type: notify
      parameters:
        channel: quality
    retry_policy:
      max_attempts: 3
      backoff: exponential
      initial_delay: 1s
  - id: done
    type: CODE
    config:
      code: "return {ok: true}"
`

func TestParseDocumentYAML(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "defect-triage", doc.Name)
	assert.Equal(t, 1, doc.Version)
	require.NotNil(t, doc.Trigger)
	assert.Equal(t, []string{"lot_id"}, doc.Trigger.RequiredInput)
	assert.Equal(t, 10*time.Minute, doc.Timeout.Std())
	require.Len(t, doc.Nodes, 5)
	assert.Equal(t, NodeData, doc.Nodes[0].Type)
	require.NotNil(t, doc.Nodes[3].RetryPolicy)
	assert.Equal(t, 3, doc.Nodes[3].RetryPolicy.MaxAttempts)
	assert.Equal(t, time.Second, doc.Nodes[3].RetryPolicy.InitialDelay.Std())
}

func TestParseDocumentJSON(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(`{
		"name": "minimal",
		"version": 2,
		"nodes": [{"id": "only", "type": "CODE", "config": {"code": "return 1"}}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
}

func TestDigestStableAcrossSyntax(t *testing.T) {
	t.Parallel()

	fromYAML, err := ParseDocument([]byte("name: same\nversion: 1\nnodes:\n  - id: a\n    type: CODE\n    config: {code: \"return 1\"}\n"))
	require.NoError(t, err)
	fromJSON, err := ParseDocument([]byte(`{"name":"same","version":1,"nodes":[{"id":"a","type":"CODE","config":{"code":"return 1"}}]}`))
	require.NoError(t, err)

	d1, err := Digest(fromYAML)
	require.NoError(t, err)
	d2, err := Digest(fromJSON)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	code := func(id string, next ...string) Node {
		return Node{ID: id, Type: NodeCode, Config: map[string]any{"code": "return 1"}, Next: next}
	}

	cases := []struct {
		name string
		doc  Document
		want string
	}{
		{
			name: "missing name",
			doc:  Document{Version: 1, Nodes: []Node{code("a")}},
			want: "name is required",
		},
		{
			name: "no nodes",
			doc:  Document{Name: "w", Version: 1},
			want: "at least one node",
		},
		{
			name: "duplicate id",
			doc:  Document{Name: "w", Version: 1, Nodes: []Node{code("a"), code("a")}},
			want: "duplicate node id",
		},
		{
			name: "unknown type",
			doc:  Document{Name: "w", Version: 1, Nodes: []Node{{ID: "a", Type: "MYSTERY"}}},
			want: "unknown type",
		},
		{
			name: "dangling next",
			doc:  Document{Name: "w", Version: 1, Nodes: []Node{code("a", "ghost")}},
			want: "does not exist",
		},
		{
			name: "if_else arity",
			doc: Document{Name: "w", Version: 1, Nodes: []Node{
				{ID: "cond", Type: NodeIfElse, Config: map[string]any{"expression": "$.vars.x"}, Next: []string{"a"}},
				code("a"),
			}},
			want: "exactly two branches",
		},
		{
			name: "unknown config key",
			doc: Document{Name: "w", Version: 1, Nodes: []Node{
				{ID: "a", Type: NodeCode, Config: map[string]any{"code": "return 1", "surprise": true}},
			}},
			want: "invalid CODE config",
		},
		{
			name: "data missing connector",
			doc: Document{Name: "w", Version: 1, Nodes: []Node{
				{ID: "a", Type: NodeData, Config: map[string]any{"query": "SELECT 1"}},
			}},
			want: "invalid DATA config",
		},
		{
			name: "loop missing bound",
			doc: Document{Name: "w", Version: 1, Nodes: []Node{
				{ID: "l", Type: NodeLoop, Config: map[string]any{"items": "$.vars.items", "body": []any{"b"}}},
				code("b"),
			}},
			want: "invalid LOOP config",
		},
		{
			name: "cycle without loop",
			doc:  Document{Name: "w", Version: 1, Nodes: []Node{code("a", "b"), code("b", "a")}},
			want: "only permitted via LOOP",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.doc)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindInvalidInput), "kind = %v", errs.KindOf(err))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestValidateAllowsLoopCycle(t *testing.T) {
	t.Parallel()

	doc := Document{
		Name:    "w",
		Version: 1,
		Nodes: []Node{
			{ID: "loop", Type: NodeLoop, Config: map[string]any{
				"items":          "$.input.items",
				"body":           []any{"step"},
				"max_iterations": 10,
			}},
			{ID: "step", Type: NodeCode, Config: map[string]any{"code": "return 1"}, Next: []string{"loop"}},
		},
	}
	require.NoError(t, Validate(doc))
}

func TestValidateParallelConfig(t *testing.T) {
	t.Parallel()

	doc := Document{
		Name:    "w",
		Version: 1,
		Nodes: []Node{
			{ID: "fan", Type: NodeParallel, Config: map[string]any{
				"branches": []any{"b1", "b2"},
				"join":     "quorum",
				"quorum":   2,
			}, Next: []string{"after"}},
			{ID: "b1", Type: NodeCode, Config: map[string]any{"code": "return 1"}},
			{ID: "b2", Type: NodeCode, Config: map[string]any{"code": "return 2"}},
			{ID: "after", Type: NodeCode, Config: map[string]any{"code": "return 3"}},
		},
	}
	require.NoError(t, Validate(doc))

	doc.Nodes[0].Config["join"] = "most"
	err := Validate(doc)
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid PARALLEL config")
}
