package toolhub

import (
	"fmt"

	"github.com/mugoori/triflow/runtime/errs"
)

type (
	// DataSourceBinding declares an external system (MES, ERP, historian)
	// whose entities are exposed as synthesized tools.
	DataSourceBinding struct {
		// System names the bound system, e.g. "mes".
		System string
		// Entities lists the exposed entities.
		Entities []EntityBinding
	}

	// EntityBinding is one queryable entity of the bound system.
	EntityBinding struct {
		// Name is the entity name, used in synthesized tool names.
		Name string
		// Description documents the entity.
		Description string
		// Fields maps field names to JSON schema types ("string",
		// "number", "integer", "boolean").
		Fields map[string]string
		// Operations selects the synthesized operations: "query" and/or
		// "get". Empty means both.
		Operations []string
	}
)

// SynthesizeTools turns a data-source binding into a tool catalog. Each
// entity yields a query_<entity> tool (filtered list) and a get_<entity>
// tool (single record by id), per its declared operations. The hub treats
// synthesized tools identically to fetched ones.
func SynthesizeTools(b DataSourceBinding) ([]Tool, error) {
	if b.System == "" {
		return nil, errs.New(errs.KindInvalidInput, "data-source binding requires a system name")
	}
	if len(b.Entities) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "data-source binding requires at least one entity")
	}

	var tools []Tool
	for _, e := range b.Entities {
		if e.Name == "" {
			return nil, errs.New(errs.KindInvalidInput, "entity name is required")
		}
		record := recordSchema(e)
		ops := e.Operations
		if len(ops) == 0 {
			ops = []string{"query", "get"}
		}
		for _, op := range ops {
			switch op {
			case "query":
				tools = append(tools, Tool{
					Name:        "query_" + e.Name,
					Description: fmt.Sprintf("Query %s records from %s", e.Name, b.System),
					InputSchema: map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"properties": map[string]any{
							"filters": map[string]any{"type": "object"},
							"limit":   map[string]any{"type": "integer", "minimum": 1},
						},
					},
					OutputSchema: map[string]any{
						"type":     "object",
						"required": []any{"rows"},
						"properties": map[string]any{
							"rows": map[string]any{"type": "array", "items": record},
						},
					},
				})
			case "get":
				tools = append(tools, Tool{
					Name:        "get_" + e.Name,
					Description: fmt.Sprintf("Fetch one %s record from %s by id", e.Name, b.System),
					InputSchema: map[string]any{
						"type":                 "object",
						"required":             []any{"id"},
						"additionalProperties": false,
						"properties": map[string]any{
							"id": map[string]any{"type": "string", "minLength": 1},
						},
					},
					OutputSchema: map[string]any{
						"type":     "object",
						"required": []any{"record"},
						"properties": map[string]any{
							"record": record,
						},
					},
				})
			default:
				return nil, errs.Newf(errs.KindInvalidInput, "entity %q: unknown operation %q", e.Name, op)
			}
		}
	}
	return tools, nil
}

func recordSchema(e EntityBinding) map[string]any {
	props := make(map[string]any, len(e.Fields))
	for name, typ := range e.Fields {
		props[name] = map[string]any{"type": typ}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}
