package workflow

import (
	"strconv"
	"strings"
	"sync"

	"github.com/mugoori/triflow/runtime/errs"
)

type (
	// RuntimeContext is the per-instance variable space visible to node
	// configs and expressions. It exposes four scopes:
	//
	//   $.input.<name>                  trigger payload, read-only
	//   $.global.<name>                 tenant-level constants, read-only
	//   $.nodes.<id>.result[.<path>]    completed node outputs, write-once
	//   $.vars.<name>                   instance-scoped mutable variables
	//
	// All methods are safe for concurrent use; PARALLEL branches read and
	// write through the same context.
	RuntimeContext struct {
		mu     sync.RWMutex
		input  map[string]any
		global map[string]any
		nodes  map[string]any
		vars   map[string]any
	}

	// ContextSnapshot is the serializable image of a RuntimeContext as stored
	// in checkpoints.
	ContextSnapshot struct {
		Input  map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		Global map[string]any `json:"global,omitempty" bson:"global,omitempty"`
		Nodes  map[string]any `json:"nodes,omitempty" bson:"nodes,omitempty"`
		Vars   map[string]any `json:"vars,omitempty" bson:"vars,omitempty"`
	}
)

// NewRuntimeContext builds a context from the trigger payload and the tenant
// global constants. Both maps are copied.
func NewRuntimeContext(input, global map[string]any) *RuntimeContext {
	return &RuntimeContext{
		input:  copyMap(input),
		global: copyMap(global),
		nodes:  map[string]any{},
		vars:   map[string]any{},
	}
}

// RestoreRuntimeContext rebuilds a context from a checkpoint snapshot.
func RestoreRuntimeContext(snap ContextSnapshot) *RuntimeContext {
	ctx := NewRuntimeContext(snap.Input, snap.Global)
	ctx.nodes = copyMap(snap.Nodes)
	ctx.vars = copyMap(snap.Vars)
	return ctx
}

// Snapshot returns a serializable copy of the context.
func (c *RuntimeContext) Snapshot() ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ContextSnapshot{
		Input:  copyMap(c.input),
		Global: copyMap(c.global),
		Nodes:  copyMap(c.nodes),
		Vars:   copyMap(c.vars),
	}
}

// SetResult records a node result. Results are write-once: recording a second
// result for the same node returns Conflict. The engine relies on this to
// keep replay and PARALLEL joins deterministic.
func (c *RuntimeContext) SetResult(nodeID string, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.nodes[nodeID]; exists {
		return errs.Newf(errs.KindConflict, "node %q result already recorded", nodeID)
	}
	c.nodes[nodeID] = result
	return nil
}

// Result returns a node's recorded result.
func (c *RuntimeContext) Result(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.nodes[nodeID]
	return v, ok
}

// SetVar sets an instance variable. Variables are mutable.
func (c *RuntimeContext) SetVar(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// Resolve evaluates a context reference such as "$.input.lot_id",
// "$.nodes.inspect.result.defect_rate" or "$.vars.attempts". Unknown scopes
// and missing paths return InvalidInput.
func (c *RuntimeContext) Resolve(ref string) (any, error) {
	segs, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch segs[0] {
	case "input":
		return walkPath(c.input, segs[1:], ref)
	case "global":
		return walkPath(c.global, segs[1:], ref)
	case "vars":
		return walkPath(c.vars, segs[1:], ref)
	case "nodes":
		// $.nodes.<id>.result[.<path>]
		if len(segs) < 3 || segs[2] != "result" {
			return nil, errs.Newf(errs.KindInvalidInput, "reference %q: node paths have the form $.nodes.<id>.result", ref)
		}
		result, ok := c.nodes[segs[1]]
		if !ok {
			return nil, errs.Newf(errs.KindInvalidInput, "reference %q: node %q has no result", ref, segs[1])
		}
		return walkValue(result, segs[3:], ref)
	default:
		return nil, errs.Newf(errs.KindInvalidInput, "reference %q: unknown scope %q", ref, segs[0])
	}
}

// ResolveValue resolves v if it is a context reference string, and otherwise
// returns it unchanged. Maps and slices are resolved recursively, so node
// configs can nest references at any depth.
func (c *RuntimeContext) ResolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if IsRef(val) {
			return c.Resolve(val)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := c.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := c.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// IsRef reports whether s looks like a context reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "$.")
}

func splitRef(ref string) ([]string, error) {
	if !IsRef(ref) {
		return nil, errs.Newf(errs.KindInvalidInput, "reference %q must start with \"$.\"", ref)
	}
	segs := strings.Split(ref[2:], ".")
	if len(segs) < 2 && !(len(segs) == 1 && segs[0] != "") {
		return nil, errs.Newf(errs.KindInvalidInput, "reference %q is incomplete", ref)
	}
	for _, s := range segs {
		if s == "" {
			return nil, errs.Newf(errs.KindInvalidInput, "reference %q has an empty path segment", ref)
		}
	}
	return segs, nil
}

func walkPath(scope map[string]any, segs []string, ref string) (any, error) {
	if len(segs) == 0 {
		return nil, errs.Newf(errs.KindInvalidInput, "reference %q names a scope, not a value", ref)
	}
	v, ok := scope[segs[0]]
	if !ok {
		return nil, errs.Newf(errs.KindInvalidInput, "reference %q: %q not found", ref, segs[0])
	}
	return walkValue(v, segs[1:], ref)
}

// walkValue descends map keys and numeric slice indices.
func walkValue(v any, segs []string, ref string) (any, error) {
	for _, seg := range segs {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[seg]
			if !ok {
				return nil, errs.Newf(errs.KindInvalidInput, "reference %q: %q not found", ref, seg)
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, errs.Newf(errs.KindInvalidInput, "reference %q: index %q out of range", ref, seg)
			}
			v = cur[idx]
		default:
			return nil, errs.Newf(errs.KindInvalidInput, "reference %q: cannot descend into %T at %q", ref, v, seg)
		}
	}
	return v, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
