// Package rules manages ruleset versions and deployments: draft/publish
// lifecycle, canary admission with deterministic per-trace routing, fast
// rollback and static conflict detection. The hub also serves as the
// deterministic evaluation source for the judgment core.
package rules

import (
	"context"
	"time"
)

type (
	// Ruleset is the tenant-scoped ruleset record. Versions form a
	// monotonically increasing integer stream owned by the ruleset.
	Ruleset struct {
		ID            string    `json:"id" bson:"_id"`
		TenantID      string    `json:"tenant_id" bson:"tenant_id"`
		Name          string    `json:"name" bson:"name"`
		LatestVersion int       `json:"latest_version" bson:"latest_version"`
		CreatedAt     time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Script is one immutable version of a ruleset's source.
	Script struct {
		RulesetID     string        `json:"ruleset_id" bson:"ruleset_id"`
		Version       int           `json:"version" bson:"version"`
		Source        string        `json:"source" bson:"source"`
		Digest        string        `json:"digest" bson:"digest"`
		CompileStatus CompileStatus `json:"compile_status" bson:"compile_status"`
		CompileError  string        `json:"compile_error,omitempty" bson:"compile_error,omitempty"`
		State         ScriptState   `json:"state" bson:"state"`
		Changelog     string        `json:"changelog,omitempty" bson:"changelog,omitempty"`
		CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
	}

	// CompileStatus records the last compile outcome for a script.
	CompileStatus string

	// ScriptState is the deployment lifecycle state of a script version.
	ScriptState string

	// Deployment pins a script version to live traffic, either as the sole
	// active version or as a canary slice.
	Deployment struct {
		ID           string            `json:"id" bson:"_id"`
		RulesetID    string            `json:"ruleset_id" bson:"ruleset_id"`
		Version      int               `json:"version" bson:"version"`
		Canary       bool              `json:"canary" bson:"canary"`
		Fraction     float64           `json:"fraction,omitempty" bson:"fraction,omitempty"`
		TargetFilter map[string]string `json:"target_filter,omitempty" bson:"target_filter,omitempty"`
		Superseded   bool              `json:"superseded" bson:"superseded"`
		CreatedAt    time.Time         `json:"created_at" bson:"created_at"`
	}

	// CanaryParams requests a canary publish.
	CanaryParams struct {
		// Fraction of traffic routed to the canary, in [0,1].
		Fraction float64
		// TargetFilter optionally restricts the canary to matching
		// instances (e.g. a production line). It also salts the selection
		// key so distinct canaries sample independently.
		TargetFilter map[string]string
	}

	// Conflict flags a rule pair whose conditions overlap heavily while
	// their results disagree.
	Conflict struct {
		RuleA   string  `json:"rule_a"`
		RuleB   string  `json:"rule_b"`
		Overlap float64 `json:"overlap"`
		ResultA string  `json:"result_a"`
		ResultB string  `json:"result_b"`
	}

	// Store is the persistence seam for rulesets, scripts and deployments.
	Store interface {
		// PutRuleset creates or replaces a ruleset record.
		PutRuleset(ctx context.Context, rs Ruleset) error
		// GetRuleset returns a ruleset or NotFound.
		GetRuleset(ctx context.Context, tenantID, id string) (Ruleset, error)
		// PutScript stores a script version.
		PutScript(ctx context.Context, tenantID string, s Script) error
		// GetScript returns one version or VersionNotFound.
		GetScript(ctx context.Context, tenantID, rulesetID string, version int) (Script, error)
		// ListScripts returns a ruleset's versions in ascending order.
		ListScripts(ctx context.Context, tenantID, rulesetID string) ([]Script, error)
		// PutDeployment stores a deployment record.
		PutDeployment(ctx context.Context, tenantID string, d Deployment) error
		// ActiveDeployments returns the non-superseded deployments for a
		// ruleset in creation order.
		ActiveDeployments(ctx context.Context, tenantID, rulesetID string) ([]Deployment, error)
		// SupersedeDeployments marks all of a ruleset's deployments
		// superseded.
		SupersedeDeployments(ctx context.Context, tenantID, rulesetID string) error
	}
)

const (
	CompilePending CompileStatus = "pending"
	CompileOK      CompileStatus = "compiled"
	CompileFailed  CompileStatus = "failed"
)

const (
	ScriptDraft      ScriptState = "draft"
	ScriptActive     ScriptState = "active"
	ScriptDeprecated ScriptState = "deprecated"
	ScriptArchived   ScriptState = "archived"
)
