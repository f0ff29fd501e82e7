package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/expr"
	"github.com/mugoori/triflow/runtime/judgment"
	"github.com/mugoori/triflow/runtime/rules"
	"github.com/mugoori/triflow/runtime/workflow"
)

// dispatch executes one node and returns its result and successor node ids.
// Branching types pick successors from next ordering; everything else
// forwards n.Next unchanged.
func (o *owner) dispatch(ctx context.Context, n workflow.Node) (any, []string, error) {
	switch n.Type {
	case workflow.NodeData:
		return o.dispatchData(ctx, n)
	case workflow.NodeJudgment:
		return o.dispatchJudgment(ctx, n)
	case workflow.NodeCode:
		return o.dispatchCode(ctx, n)
	case workflow.NodeSwitch:
		return o.dispatchSwitch(n)
	case workflow.NodeIfElse:
		return o.dispatchIfElse(n)
	case workflow.NodeCondition:
		return o.dispatchCondition(n)
	case workflow.NodeLoop:
		return o.dispatchLoop(ctx, n)
	case workflow.NodeParallel:
		return o.dispatchParallel(ctx, n)
	case workflow.NodeAction:
		return o.dispatchAction(ctx, n)
	case workflow.NodeBI:
		return o.dispatchBI(ctx, n)
	case workflow.NodeMCP:
		return o.dispatchMCP(ctx, n)
	case workflow.NodeTrigger:
		return o.dispatchTrigger(ctx, n)
	case workflow.NodeCompensation:
		return o.dispatchCompensation(ctx, n)
	case workflow.NodeDeploy:
		return o.dispatchDeploy(ctx, n)
	case workflow.NodeRollback:
		return o.dispatchRollback(ctx, n)
	case workflow.NodeSimulate:
		return o.dispatchSimulate(ctx, n)
	default:
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no dispatcher for type %s", n.ID, n.Type)
	}
}

func (o *owner) dispatchData(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.data == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no data connector configured", n.ID)
	}
	query, _ := n.Config["query"].(string)
	connectorID, _ := n.Config["connector_id"].(string)
	params, err := o.resolveMap(n.Config["params"])
	if err != nil {
		return nil, nil, err
	}
	rows, err := o.eng.data.Query(ctx, connectorID, query, params)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"rows": rows, "count": len(rows)}, n.Next, nil
}

func (o *owner) dispatchJudgment(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.judge == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no judgment core configured", n.ID)
	}
	input, err := o.resolveMap(n.Config["input"])
	if err != nil {
		return nil, nil, err
	}
	if input == nil {
		input = o.rc.Snapshot().Input
	}
	req := judgment.Request{
		TenantID:  o.inst.TenantID,
		TraceID:   o.inst.TraceID,
		RulesetID: n.Config["ruleset_id"].(string),
		Input:     input,
	}
	if p, ok := n.Config["policy"].(string); ok {
		req.Policy = judgment.Policy(p)
	}
	if v, ok := n.Config["threshold"].(float64); ok {
		req.Threshold = &v
	}
	if v, ok := n.Config["alpha"].(float64); ok {
		req.Alpha = &v
	}
	if v, ok := n.Config["need_explanation"].(bool); ok {
		req.NeedExplanation = v
	}
	ex, err := o.eng.judge.Execute(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	result := map[string]any{
		"execution_id": ex.ID,
		"result":       string(ex.Result),
		"confidence":   ex.Confidence,
		"method":       string(ex.Method),
		"source":       ex.Source,
		"cached":       ex.Cached,
	}
	if ex.Explanation != "" {
		result["explanation"] = ex.Explanation
	}
	if len(ex.RecommendedActions) > 0 {
		result["recommended_actions"] = ex.RecommendedActions
	}
	return result, n.Next, nil
}

func (o *owner) dispatchCode(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.code == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no code runner configured", n.ID)
	}
	bindings, err := o.resolveMap(n.Config["bindings"])
	if err != nil {
		return nil, nil, err
	}
	out, err := o.eng.code.Run(ctx, n.Config["code"].(string), bindings)
	if err != nil {
		return nil, nil, err
	}
	return out, n.Next, nil
}

// dispatchSwitch matches the expression value against the case list. Case i
// selects next[i]; a trailing next entry beyond the cases acts as the
// default branch. No match and no default ends the path.
func (o *owner) dispatchSwitch(n workflow.Node) (any, []string, error) {
	value, err := o.evalExpr(n, n.Config["expression"].(string))
	if err != nil {
		return nil, nil, err
	}
	cases, _ := n.Config["cases"].([]any)
	for i, c := range cases {
		if i >= len(n.Next) {
			break
		}
		if caseValue(c) == fmt.Sprintf("%v", value) {
			return map[string]any{"value": value, "branch": n.Next[i]}, []string{n.Next[i]}, nil
		}
	}
	if len(n.Next) > len(cases) {
		def := n.Next[len(cases)]
		return map[string]any{"value": value, "branch": def}, []string{def}, nil
	}
	return map[string]any{"value": value}, nil, nil
}

func (o *owner) dispatchIfElse(n workflow.Node) (any, []string, error) {
	ok, err := o.evalBool(n, n.Config["expression"].(string))
	if err != nil {
		return nil, nil, err
	}
	branch := n.Next[1]
	if ok {
		branch = n.Next[0]
	}
	return map[string]any{"condition": ok, "branch": branch}, []string{branch}, nil
}

// dispatchCondition gates the path: a false condition ends it without
// failing the instance.
func (o *owner) dispatchCondition(n workflow.Node) (any, []string, error) {
	ok, err := o.evalBool(n, n.Config["expression"].(string))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return map[string]any{"condition": false}, nil, nil
	}
	return map[string]any{"condition": true}, n.Next, nil
}

// dispatchLoop iterates the body chain over the resolved item list, bounded
// by max_iterations. Body node results live in the vars scope so repeated
// iterations do not violate the write-once nodes scope.
func (o *owner) dispatchLoop(ctx context.Context, n workflow.Node) (any, []string, error) {
	itemsRef, _ := n.Config["items"].(string)
	resolved, err := o.rc.ResolveValue(itemsRef)
	if err != nil {
		return nil, nil, err
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, nil, errs.Newf(errs.KindInvalidInput, "node %q: items %q did not resolve to a list", n.ID, itemsRef)
	}
	maxIter := intValue(n.Config["max_iterations"])
	if len(items) > maxIter {
		items = items[:maxIter]
	}
	body := stringValues(n.Config["body"])

	results := make([]any, 0, len(items))
	for i, item := range items {
		o.rc.SetVar("item", item)
		o.rc.SetVar("index", i)
		var last any
		for _, id := range body {
			bn, ok := o.nodes[id]
			if !ok {
				return nil, nil, errs.Newf(errs.KindInternal, "node %q: body references unknown node %q", n.ID, id)
			}
			if last, _, err = o.runBranchNode(ctx, bn, false); err != nil {
				return nil, nil, err
			}
		}
		results = append(results, last)
	}
	if collect, ok := n.Config["collect"].(string); ok && collect != "" {
		o.rc.SetVar(collect, results)
	}
	return map[string]any{"iterations": len(items), "results": results}, n.Next, nil
}

// dispatchParallel runs the branch chains concurrently and joins per the
// configured policy. Branch results surface in declared branch order;
// stragglers are cancelled once the join is satisfied.
func (o *owner) dispatchParallel(ctx context.Context, n workflow.Node) (any, []string, error) {
	branches := stringValues(n.Config["branches"])
	join, _ := n.Config["join"].(string)
	if join == "" {
		join = "all"
	}
	need := len(branches)
	switch join {
	case "any":
		need = 1
	case "quorum":
		need = intValue(n.Config["quorum"])
		if need <= 0 || need > len(branches) {
			return nil, nil, errs.Newf(errs.KindInvalidInput, "node %q: quorum %d out of range for %d branches", n.ID, need, len(branches))
		}
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchDone struct {
		index  int
		result any
		err    error
	}
	done := make(chan branchDone, len(branches))
	for i, head := range branches {
		go func(index int, head string) {
			result, err := o.runChain(bctx, head)
			done <- branchDone{index: index, result: result, err: err}
		}(i, head)
	}

	results := make([]any, len(branches))
	succeeded := 0
	var firstErr error
	for range branches {
		b := <-done
		if b.err != nil {
			if firstErr == nil && b.err != errCancelRequested && bctx.Err() == nil {
				firstErr = b.err
			}
			if join == "all" {
				cancel()
			}
			continue
		}
		results[b.index] = b.result
		succeeded++
		if succeeded >= need {
			// Join satisfied: remaining branches are stragglers.
			cancel()
		}
	}

	if ctx.Err() != nil {
		return nil, nil, errs.Wrap(errs.KindTimeout, fmt.Sprintf("node %q interrupted", n.ID), ctx.Err())
	}
	if succeeded < need {
		if firstErr == nil {
			firstErr = errs.Newf(errs.KindInternal, "node %q: %d of %d branches succeeded, need %d", n.ID, succeeded, len(branches), need)
		}
		return nil, nil, firstErr
	}
	return map[string]any{"join": join, "results": results, "succeeded": succeeded}, n.Next, nil
}

func (o *owner) dispatchAction(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.actions == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no action sink configured", n.ID)
	}
	params, err := o.resolveMap(n.Config["parameters"])
	if err != nil {
		return nil, nil, err
	}
	a := Action{
		Type:           n.Config["action_type"].(string),
		Parameters:     params,
		IdempotencyKey: o.inst.ID + ":" + n.ID,
	}
	if t, ok := n.Config["target"].(string); ok {
		a.Target = t
	}
	if k, ok := n.Config["idempotency_key"].(string); ok && k != "" {
		resolved, err := o.rc.ResolveValue(k)
		if err != nil {
			return nil, nil, err
		}
		a.IdempotencyKey = fmt.Sprintf("%v", resolved)
	}
	if err := o.eng.actions.Deliver(ctx, a); err != nil {
		return nil, nil, err
	}
	return map[string]any{"delivered": true, "action_type": a.Type, "idempotency_key": a.IdempotencyKey}, n.Next, nil
}

func (o *owner) dispatchBI(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.bi == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no BI analyzer configured", n.ID)
	}
	plan, err := o.resolveMap(n.Config["query_plan"])
	if err != nil {
		return nil, nil, err
	}
	chart, err := o.resolveMap(n.Config["chart"])
	if err != nil {
		return nil, nil, err
	}
	out, err := o.eng.bi.Analyze(ctx, plan, chart)
	if err != nil {
		return nil, nil, err
	}
	return out, n.Next, nil
}

func (o *owner) dispatchMCP(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.tools == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no tool hub configured", n.ID)
	}
	args, err := o.resolveMap(n.Config["args"])
	if err != nil {
		return nil, nil, err
	}
	out, err := o.eng.tools.Call(ctx, n.Config["provider_id"].(string), n.Config["tool"].(string), args)
	if err != nil {
		return nil, nil, err
	}
	return out, n.Next, nil
}

// dispatchTrigger starts a child instance. The parent does not wait for the
// child; only admission errors propagate.
func (o *owner) dispatchTrigger(ctx context.Context, n workflow.Node) (any, []string, error) {
	input, err := o.resolveMap(n.Config["input"])
	if err != nil {
		return nil, nil, err
	}
	childID, err := o.eng.Start(ctx, o.inst.TenantID, n.Config["workflow_id"].(string), input, o.inst.TraceID)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"instance_id": childID}, n.Next, nil
}

// dispatchCompensation explicitly compensates the targeted nodes, most
// recently completed first.
func (o *owner) dispatchCompensation(ctx context.Context, n workflow.Node) (any, []string, error) {
	targets := stringValues(n.Config["targets"])
	o.mu.Lock()
	order := make([]string, len(o.completed))
	copy(order, o.completed)
	o.mu.Unlock()

	compensated := make([]string, 0, len(targets))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !contains(targets, id) {
			continue
		}
		t := o.nodes[id]
		if t.Compensation == nil {
			return nil, nil, errs.Newf(errs.KindInvalidInput, "node %q: target %q declares no compensation", n.ID, id)
		}
		if err := o.deliverCompensation(ctx, t); err != nil {
			return nil, nil, err
		}
		compensated = append(compensated, id)
	}
	return map[string]any{"compensated": compensated}, n.Next, nil
}

func (o *owner) dispatchDeploy(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.rules == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no ruleset ops configured", n.ID)
	}
	var canary *rules.CanaryParams
	if c, ok := n.Config["canary"].(map[string]any); ok {
		canary = &rules.CanaryParams{}
		if f, ok := c["fraction"].(float64); ok {
			canary.Fraction = f
		}
		if tf, ok := c["target_filter"].(map[string]any); ok {
			filter := make(map[string]string, len(tf))
			for k, v := range tf {
				filter[k] = fmt.Sprintf("%v", v)
			}
			canary.TargetFilter = filter
		}
	}
	version := intValue(n.Config["version"])
	deploymentID, err := o.eng.rules.Publish(ctx, o.inst.TenantID, n.Config["ruleset_id"].(string), version, canary)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"deployment_id": deploymentID, "version": version}, n.Next, nil
}

func (o *owner) dispatchRollback(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.rules == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no ruleset ops configured", n.ID)
	}
	toVersion := intValue(n.Config["to_version"])
	if err := o.eng.rules.Rollback(ctx, o.inst.TenantID, n.Config["ruleset_id"].(string), toVersion); err != nil {
		return nil, nil, err
	}
	return map[string]any{"rolled_back_to": toVersion}, n.Next, nil
}

func (o *owner) dispatchSimulate(ctx context.Context, n workflow.Node) (any, []string, error) {
	if o.eng.sim == nil {
		return nil, nil, errs.Newf(errs.KindInternal, "node %q: no simulator configured", n.ID)
	}
	params, err := o.resolveMap(n.Config["parameters"])
	if err != nil {
		return nil, nil, err
	}
	out, err := o.eng.sim.Simulate(ctx, n.Config["mode"].(string), params, intValue(n.Config["samples"]))
	if err != nil {
		return nil, nil, err
	}
	return out, n.Next, nil
}

// runChain executes a PARALLEL branch: the head node and its successors
// until the chain ends. Results are recorded in the write-once nodes scope.
func (o *owner) runChain(ctx context.Context, head string) (any, error) {
	var last any
	queue := []string{head}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return nil, errCancelRequested
		}
		id := queue[0]
		queue = queue[1:]
		n, ok := o.nodes[id]
		if !ok {
			return nil, errs.Newf(errs.KindInternal, "branch references unknown node %q", id)
		}
		result, successors, err := o.runBranchNode(ctx, n, true)
		if err != nil {
			return nil, err
		}
		last = result
		queue = append(queue, successors...)
	}
	return last, nil
}

// runBranchNode executes one node inside a PARALLEL branch or LOOP body.
// record selects the nodes scope (branches) versus the vars scope (loop
// bodies, which re-run nodes per iteration).
func (o *owner) runBranchNode(ctx context.Context, n workflow.Node, record bool) (any, []string, error) {
	switch n.Type {
	case workflow.NodeApproval:
		return nil, nil, errs.Newf(errs.KindInvalidInput, "node %q: APPROVAL cannot run inside PARALLEL or LOOP", n.ID)
	case workflow.NodeWait:
		// Duration waits inside branches sleep without a state change.
		if s, ok := n.Config["duration"].(string); ok && s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, nil, errs.Wrap(errs.KindInvalidInput, "wait duration", err)
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, nil, errCancelRequested
			}
			result := map[string]any{"released_by": "timer"}
			o.recordBranchResult(n.ID, result, record)
			return result, n.Next, nil
		}
		return nil, nil, errs.Newf(errs.KindInvalidInput, "node %q: event WAIT cannot run inside PARALLEL or LOOP", n.ID)
	}

	result, successors, err := o.attempt(ctx, n, false)
	if err != nil {
		return nil, nil, err
	}
	o.recordBranchResult(n.ID, result, record)
	return result, successors, nil
}

func (o *owner) recordBranchResult(nodeID string, result any, record bool) {
	if record {
		o.recordCompletion(nodeID, result)
		return
	}
	o.rc.SetVar(nodeID, result)
}

// resolveMap resolves context references in a config map.
func (o *owner) resolveMap(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil
	}
	resolved, err := o.rc.ResolveValue(m)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

// lookup binds expression identifiers to the runtime context: "$."-prefixed
// names resolve as full references, bare names resolve against the input
// scope.
func (o *owner) lookup(name string) (any, error) {
	if workflow.IsRef(name) {
		return o.rc.Resolve(name)
	}
	return o.rc.Resolve("$.input." + name)
}

func (o *owner) evalExpr(n workflow.Node, source string) (any, error) {
	compiled, err := expr.Parse(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("node %q: expression", n.ID), err)
	}
	v, err := compiled.Eval(o.lookup)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("node %q: evaluate %q", n.ID, source), err)
	}
	return v, nil
}

func (o *owner) evalBool(n workflow.Node, source string) (bool, error) {
	v, err := o.evalExpr(n, source)
	if err != nil {
		return false, err
	}
	return expr.Truthy(v), nil
}

// caseValue renders a SWITCH case entry for comparison. Entries may be
// scalars or {"value": ...} objects.
func caseValue(c any) string {
	if m, ok := c.(map[string]any); ok {
		return fmt.Sprintf("%v", m["value"])
	}
	return fmt.Sprintf("%v", c)
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
