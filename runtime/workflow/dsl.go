package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/mugoori/triflow/runtime/errs"
)

type (
	// Document is the declarative workflow definition: a named, versioned
	// node graph. Documents parse from YAML or JSON and are validated before
	// the engine accepts them.
	Document struct {
		// Name is the workflow name. Required.
		Name string `json:"name" yaml:"name"`
		// Version is the document version declared by the author. Required,
		// >= 1.
		Version int `json:"version" yaml:"version"`
		// Trigger optionally declares how instances are created and which
		// input variables are required at start.
		Trigger *Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty"`
		// Nodes is the ordered node list. Required, non-empty. The first
		// node is the entry point.
		Nodes []Node `json:"nodes" yaml:"nodes"`
		// RetryPolicy is the workflow-level default retry policy. Node-level
		// policies override it.
		RetryPolicy *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
		// Timeout bounds total instance execution. Zero means no limit.
		Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	}

	// Trigger declares instance creation requirements.
	Trigger struct {
		// Type names the trigger source (manual, schedule, event). Free-form.
		Type string `json:"type,omitempty" yaml:"type,omitempty"`
		// RequiredInput lists input variable names that must be present in
		// the trigger payload. Start fails with InvalidInput otherwise.
		RequiredInput []string `json:"required_input,omitempty" yaml:"required_input,omitempty"`
	}

	// Node is a typed step in the workflow graph.
	Node struct {
		// ID uniquely identifies the node within the document. Required.
		ID string `json:"id" yaml:"id"`
		// Type selects the dispatcher. Required.
		Type NodeType `json:"type" yaml:"type"`
		// Config carries the per-type configuration. Unknown keys are
		// rejected at validation time.
		Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
		// Next lists successor node ids in declaration order. For SWITCH and
		// IF_ELSE the ordering encodes branch selection.
		Next []string `json:"next,omitempty" yaml:"next,omitempty"`
		// RetryPolicy overrides the workflow-level policy for this node.
		RetryPolicy *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
		// Timeout bounds this node's dispatch. Zero means the engine default.
		Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// Compensation optionally declares the compensator invoked when a
		// COMPENSATION node or a failure path targets this node.
		Compensation *Compensation `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	}

	// Compensation declares how to undo a completed node.
	Compensation struct {
		// ActionType names the compensating action delivered through the
		// action sink.
		ActionType string `json:"action_type" yaml:"action_type"`
		// Parameters carries compensator arguments. Values may reference the
		// runtime context.
		Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	}

	// NodeType enumerates the supported node kinds.
	NodeType string

	// RetryPolicy controls retry behavior for transient node failures.
	RetryPolicy struct {
		// MaxAttempts caps total attempts including the first. Values <= 1
		// mean no retries.
		MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
		// Backoff is "fixed" or "exponential". Defaults to exponential.
		Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
		// InitialDelay is the delay before the first retry.
		InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
		// MaxDelay caps the backoff growth.
		MaxDelay Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
		// RetryOn restricts retried error kinds. Empty means the default
		// retryable set (transient, timeout).
		RetryOn []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	}

	// Duration is a time.Duration that marshals as a duration string
	// ("30s", "5m") in both JSON and YAML.
	Duration time.Duration
)

const (
	NodeData         NodeType = "DATA"
	NodeJudgment     NodeType = "JUDGMENT"
	NodeCode         NodeType = "CODE"
	NodeSwitch       NodeType = "SWITCH"
	NodeIfElse       NodeType = "IF_ELSE"
	NodeLoop         NodeType = "LOOP"
	NodeParallel     NodeType = "PARALLEL"
	NodeCondition    NodeType = "CONDITION"
	NodeAction       NodeType = "ACTION"
	NodeBI           NodeType = "BI"
	NodeMCP          NodeType = "MCP"
	NodeTrigger      NodeType = "TRIGGER"
	NodeWait         NodeType = "WAIT"
	NodeApproval     NodeType = "APPROVAL"
	NodeCompensation NodeType = "COMPENSATION"
	NodeDeploy       NodeType = "DEPLOY"
	NodeRollback     NodeType = "ROLLBACK"
	NodeSimulate     NodeType = "SIMULATE"
)

// nodeTypes is the closed set of valid node types.
var nodeTypes = map[NodeType]struct{}{
	NodeData: {}, NodeJudgment: {}, NodeCode: {}, NodeSwitch: {},
	NodeIfElse: {}, NodeLoop: {}, NodeParallel: {}, NodeCondition: {},
	NodeAction: {}, NodeBI: {}, NodeMCP: {}, NodeTrigger: {},
	NodeWait: {}, NodeApproval: {}, NodeCompensation: {}, NodeDeploy: {},
	NodeRollback: {}, NodeSimulate: {},
}

// ParseDocument decodes a workflow document from YAML or JSON and validates
// it. The returned document has been round-tripped through JSON so config
// values use plain JSON types regardless of the source syntax.
func ParseDocument(data []byte) (Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, errs.Wrap(errs.KindInvalidInput, "parse workflow document", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return Document{}, errs.Wrap(errs.KindInvalidInput, "normalize workflow document", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, errs.Wrap(errs.KindInvalidInput, "decode workflow document", err)
	}
	if err := Validate(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Validate checks structural and per-type constraints on the document:
// required top-level keys, unique node ids, resolvable next references,
// branch arity, per-type config schemas (unknown keys rejected) and the
// cycles-only-through-LOOP rule.
func Validate(doc Document) error {
	if doc.Name == "" {
		return errs.New(errs.KindInvalidInput, "workflow name is required")
	}
	if doc.Version < 1 {
		return errs.New(errs.KindInvalidInput, "workflow version must be >= 1")
	}
	if len(doc.Nodes) == 0 {
		return errs.New(errs.KindInvalidInput, "workflow requires at least one node")
	}

	byID := make(map[string]Node, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" {
			return errs.New(errs.KindInvalidInput, "node id is required")
		}
		if _, dup := byID[n.ID]; dup {
			return errs.Newf(errs.KindInvalidInput, "duplicate node id %q", n.ID)
		}
		if _, ok := nodeTypes[n.Type]; !ok {
			return errs.Newf(errs.KindInvalidInput, "node %q: unknown type %q", n.ID, n.Type)
		}
		byID[n.ID] = n
	}

	for _, n := range doc.Nodes {
		for _, next := range n.Next {
			if _, ok := byID[next]; !ok {
				return errs.Newf(errs.KindInvalidInput, "node %q: next reference %q does not exist", n.ID, next)
			}
		}
		if err := validateArity(n); err != nil {
			return err
		}
		if err := validateConfig(n); err != nil {
			return err
		}
	}

	return validateCycles(doc, byID)
}

// validateArity enforces branch count rules tied to next ordering.
func validateArity(n Node) error {
	switch n.Type {
	case NodeSwitch:
		if len(n.Next) == 0 {
			return errs.Newf(errs.KindInvalidInput, "node %q: SWITCH requires at least one branch", n.ID)
		}
	case NodeIfElse:
		if len(n.Next) != 2 {
			return errs.Newf(errs.KindInvalidInput, "node %q: IF_ELSE requires exactly two branches (then, else)", n.ID)
		}
	}
	return nil
}

// validateConfig checks the node config against the per-type schema. Unknown
// keys are rejected.
func validateConfig(n Node) error {
	schema, err := configSchema(n.Type)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	cfg := n.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := schema.Validate(toJSONValue(cfg)); err != nil {
		return errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("node %q: invalid %s config", n.ID, n.Type), err)
	}
	return nil
}

// validateCycles rejects cycles that do not pass through a LOOP node. The
// graph includes next edges plus PARALLEL branch and LOOP body containment
// edges.
func validateCycles(doc Document, byID map[string]Node) error {
	adj := make(map[string][]string, len(byID))
	for _, n := range doc.Nodes {
		adj[n.ID] = append(adj[n.ID], n.Next...)
		switch n.Type {
		case NodeParallel:
			for _, b := range stringSlice(n.Config["branches"]) {
				adj[n.ID] = append(adj[n.ID], b)
			}
		case NodeLoop:
			for _, b := range stringSlice(n.Config["body"]) {
				adj[n.ID] = append(adj[n.ID], b)
			}
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(byID))
	stack := make([]string, 0, len(byID))

	var visit func(id string) error
	visit = func(id string) error {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			case inStack:
				if !cycleHasLoop(stack, next, byID) {
					return errs.Newf(errs.KindInvalidInput, "cycle through node %q is only permitted via LOOP", next)
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}
	for _, n := range doc.Nodes {
		if state[n.ID] == unvisited {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// cycleHasLoop reports whether the cycle closed by the back edge to head
// contains a LOOP node.
func cycleHasLoop(stack []string, head string, byID map[string]Node) bool {
	start := -1
	for i, id := range stack {
		if id == head {
			start = i
			break
		}
	}
	if start < 0 {
		return false
	}
	for _, id := range stack[start:] {
		if byID[id].Type == NodeLoop {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toJSONValue round-trips v through encoding/json so jsonschema validates
// plain JSON types (float64 numbers) regardless of how the config was built.
func toJSONValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// MarshalJSON renders the duration as a string such as "30s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", strings.TrimSpace(string(data)))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// configSchemas maps node types to their config JSON schemas. Each schema
// closes the property set so unknown keys are rejected.
var configSchemaSources = map[NodeType]string{
	NodeData: `{
		"type": "object",
		"required": ["query", "connector_id"],
		"additionalProperties": false,
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"connector_id": {"type": "string", "minLength": 1},
			"params": {"type": "object"}
		}
	}`,
	NodeJudgment: `{
		"type": "object",
		"required": ["ruleset_id"],
		"additionalProperties": false,
		"properties": {
			"ruleset_id": {"type": "string", "minLength": 1},
			"policy": {"type": "string", "enum": ["rule_only", "llm_only", "escalate", "rule_fallback", "hybrid_gate", "hybrid_weighted"]},
			"input": {"type": "object"},
			"threshold": {"type": "number", "minimum": 0, "maximum": 1},
			"alpha": {"type": "number", "minimum": 0, "maximum": 1},
			"prompt_template_id": {"type": "string"},
			"need_explanation": {"type": "boolean"}
		}
	}`,
	NodeCode: `{
		"type": "object",
		"required": ["code"],
		"additionalProperties": false,
		"properties": {
			"code": {"type": "string", "minLength": 1},
			"bindings": {"type": "object"},
			"returns": {"type": "string"}
		}
	}`,
	NodeSwitch: `{
		"type": "object",
		"required": ["expression", "cases"],
		"additionalProperties": false,
		"properties": {
			"expression": {"type": "string", "minLength": 1},
			"cases": {"type": "array", "minItems": 1}
		}
	}`,
	NodeIfElse: `{
		"type": "object",
		"required": ["expression"],
		"additionalProperties": false,
		"properties": {
			"expression": {"type": "string", "minLength": 1}
		}
	}`,
	NodeLoop: `{
		"type": "object",
		"required": ["items", "body", "max_iterations"],
		"additionalProperties": false,
		"properties": {
			"items": {"type": "string", "minLength": 1},
			"body": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"max_iterations": {"type": "integer", "minimum": 1},
			"collect": {"type": "string"}
		}
	}`,
	NodeParallel: `{
		"type": "object",
		"required": ["branches"],
		"additionalProperties": false,
		"properties": {
			"branches": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"join": {"type": "string", "enum": ["all", "any", "quorum"]},
			"quorum": {"type": "integer", "minimum": 1}
		}
	}`,
	NodeCondition: `{
		"type": "object",
		"required": ["expression"],
		"additionalProperties": false,
		"properties": {
			"expression": {"type": "string", "minLength": 1}
		}
	}`,
	NodeAction: `{
		"type": "object",
		"required": ["action_type"],
		"additionalProperties": false,
		"properties": {
			"action_type": {"type": "string", "minLength": 1},
			"parameters": {"type": "object"},
			"target": {"type": "string"},
			"idempotency_key": {"type": "string"}
		}
	}`,
	NodeBI: `{
		"type": "object",
		"required": ["query_plan"],
		"additionalProperties": false,
		"properties": {
			"query_plan": {"type": "object"},
			"chart": {"type": "object"}
		}
	}`,
	NodeMCP: `{
		"type": "object",
		"required": ["provider_id", "tool"],
		"additionalProperties": false,
		"properties": {
			"provider_id": {"type": "string", "minLength": 1},
			"tool": {"type": "string", "minLength": 1},
			"args": {"type": "object"}
		}
	}`,
	NodeTrigger: `{
		"type": "object",
		"required": ["workflow_id"],
		"additionalProperties": false,
		"properties": {
			"workflow_id": {"type": "string", "minLength": 1},
			"input": {"type": "object"}
		}
	}`,
	NodeWait: `{
		"type": "object",
		"additionalProperties": false,
		"minProperties": 1,
		"properties": {
			"duration": {"type": "string"},
			"event": {"type": "object"}
		}
	}`,
	NodeApproval: `{
		"type": "object",
		"required": ["approvers"],
		"additionalProperties": false,
		"properties": {
			"approvers": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"timeout": {"type": "string"}
		}
	}`,
	NodeCompensation: `{
		"type": "object",
		"required": ["targets"],
		"additionalProperties": false,
		"properties": {
			"targets": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`,
	NodeDeploy: `{
		"type": "object",
		"required": ["ruleset_id", "version"],
		"additionalProperties": false,
		"properties": {
			"ruleset_id": {"type": "string", "minLength": 1},
			"version": {"type": "integer", "minimum": 1},
			"canary": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"fraction": {"type": "number", "minimum": 0, "maximum": 1},
					"target_filter": {"type": "object"}
				}
			}
		}
	}`,
	NodeRollback: `{
		"type": "object",
		"required": ["ruleset_id", "to_version"],
		"additionalProperties": false,
		"properties": {
			"ruleset_id": {"type": "string", "minLength": 1},
			"to_version": {"type": "integer", "minimum": 1}
		}
	}`,
	NodeSimulate: `{
		"type": "object",
		"required": ["mode"],
		"additionalProperties": false,
		"properties": {
			"mode": {"type": "string", "enum": ["scenario", "parameter_sweep", "monte_carlo"]},
			"parameters": {"type": "object"},
			"samples": {"type": "integer", "minimum": 1}
		}
	}`,
}

var (
	schemaOnce     sync.Once
	schemaCompiled map[NodeType]*jsonschema.Schema
	schemaErr      error
)

// configSchema returns the compiled schema for the node type, compiling all
// schemas on first use.
func configSchema(t NodeType) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled := make(map[NodeType]*jsonschema.Schema, len(configSchemaSources))
		for nt, src := range configSchemaSources {
			compiler := jsonschema.NewCompiler()
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemaErr = fmt.Errorf("decode %s config schema: %w", nt, err)
				return
			}
			url := fmt.Sprintf("triflow://schemas/%s.json", strings.ToLower(string(nt)))
			if err := compiler.AddResource(url, doc); err != nil {
				schemaErr = fmt.Errorf("register %s config schema: %w", nt, err)
				return
			}
			sch, err := compiler.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s config schema: %w", nt, err)
				return
			}
			compiled[nt] = sch
		}
		schemaCompiled = compiled
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return schemaCompiled[t], nil
}
