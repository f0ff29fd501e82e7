package engine

import (
	"context"

	"github.com/mugoori/triflow/runtime/judgment"
	"github.com/mugoori/triflow/runtime/rules"
)

type (
	// DataConnector executes templated queries against registered external
	// data sources for DATA nodes.
	DataConnector interface {
		// Query runs the query with resolved parameters and returns the
		// result rows. Transport failures are classified with errs kinds.
		Query(ctx context.Context, connectorID, query string, params map[string]any) ([]map[string]any, error)
	}

	// CodeRunner executes CODE node bodies in a sandbox the engine does not
	// specify. The returned value becomes the node result verbatim.
	CodeRunner interface {
		Run(ctx context.Context, code string, bindings map[string]any) (any, error)
	}

	// Action is one delivery through the action sink.
	Action struct {
		// Type names the action, e.g. "notify" or "stop_line".
		Type string
		// Target optionally addresses the action.
		Target string
		// Parameters carries the resolved action payload.
		Parameters map[string]any
		// IdempotencyKey dedupes redeliveries. Delivery is at-least-once;
		// sinks must treat the key as the dedup boundary.
		IdempotencyKey string
	}

	// ActionSink delivers ACTION node payloads to the outside world.
	ActionSink interface {
		Deliver(ctx context.Context, a Action) error
	}

	// Judge executes hybrid judgments. *judgment.Core implements it.
	Judge interface {
		Execute(ctx context.Context, req judgment.Request) (judgment.Execution, error)
	}

	// ToolCaller mediates MCP node calls. *toolhub.Hub implements it.
	ToolCaller interface {
		Call(ctx context.Context, providerID, tool string, args map[string]any) (map[string]any, error)
	}

	// RulesetOps covers the deployment operations DEPLOY and ROLLBACK nodes
	// need. *rules.Hub implements it.
	RulesetOps interface {
		Publish(ctx context.Context, tenantID, rulesetID string, version int, canary *rules.CanaryParams) (string, error)
		Rollback(ctx context.Context, tenantID, rulesetID string, toVersion int) error
	}

	// BIAnalyzer executes BI node query plans and returns the analysis
	// result plus chart configuration.
	BIAnalyzer interface {
		Analyze(ctx context.Context, queryPlan, chart map[string]any) (map[string]any, error)
	}

	// Simulator runs SIMULATE nodes: synthetic what-if evaluation with no
	// external side effects.
	Simulator interface {
		Simulate(ctx context.Context, mode string, parameters map[string]any, samples int) (map[string]any, error)
	}
)
