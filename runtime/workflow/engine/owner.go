package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/telemetry"
	"github.com/mugoori/triflow/runtime/workflow"
)

type (
	cmdKind int

	// command is one control request delivered through the owner mailbox.
	// Exactly one owner goroutine consumes the mailbox, so commands observe
	// a consistent instance state and racing Cancel/Resume calls resolve to
	// a single winner.
	command struct {
		kind     cmdKind
		approver string
		approved bool
		comment  string
		reply    chan error
	}

	// owner executes one instance. All state transitions, checkpoints and
	// frontier bookkeeping happen on the owner goroutine; PARALLEL branches
	// run on child goroutines but report back through channels.
	owner struct {
		eng      *Engine
		inst     workflow.Instance
		doc      workflow.Document
		nodes    map[string]workflow.Node
		rc       *workflow.RuntimeContext
		mailbox  chan command
		draining chan struct{}
		done     chan struct{}
		drainOne sync.Once

		mu        sync.Mutex
		attempts  map[string]int
		completed []string

		frontier     []string
		seq          int
		pausePending bool
	}
)

const (
	cmdCancel cmdKind = iota + 1
	cmdResume
	cmdPause
	cmdApprove
)

// Sentinel failures that select owner control paths instead of the normal
// node failure path.
var (
	errCancelRequested = errs.New(errs.KindConflict, "cancel requested")
	errInstanceExpired = errs.New(errs.KindTimeout, "instance deadline exceeded")
)

func newOwner(e *Engine, inst workflow.Instance, doc workflow.Document, rc *workflow.RuntimeContext, cp *workflow.Checkpoint) *owner {
	o := &owner{
		eng:      e,
		inst:     inst,
		doc:      doc,
		nodes:    make(map[string]workflow.Node, len(doc.Nodes)),
		rc:       rc,
		mailbox:  make(chan command),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
		attempts: map[string]int{},
	}
	for _, n := range doc.Nodes {
		o.nodes[n.ID] = n
	}
	if cp != nil {
		o.seq = cp.Seq
		o.frontier = append(o.frontier, cp.Frontier...)
		for id, n := range cp.Attempts {
			o.attempts[id] = n
		}
		// Completion order is not checkpointed; reconstruct it in
		// declaration order from recorded results.
		for _, n := range doc.Nodes {
			if _, ok := rc.Result(n.ID); ok {
				o.completed = append(o.completed, n.ID)
			}
		}
	} else if len(doc.Nodes) > 0 {
		o.frontier = []string{doc.Nodes[0].ID}
	}
	return o
}

// send delivers a command to the owner and waits for its acceptance.
func (o *owner) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case o.mailbox <- cmd:
	case <-o.done:
		return errs.Newf(errs.KindConflict, "instance %s is no longer running", o.inst.ID)
	case <-o.draining:
		return errs.New(errs.KindNotActive, "engine is shutting down")
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, "deliver command", ctx.Err())
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, "await command result", ctx.Err())
	}
}

// drain asks the owner to park at its next checkpoint boundary.
func (o *owner) drain() {
	o.drainOne.Do(func() { close(o.draining) })
}

func (o *owner) drainRequested() bool {
	select {
	case <-o.draining:
		return true
	default:
		return false
	}
}

// run is the owner goroutine.
func (o *owner) run() {
	e := o.eng
	ctx := context.Background()
	defer e.release(o)
	defer close(o.done)

	if o.inst.State == workflow.StateCreated {
		if err := o.transitionTo(ctx, workflow.StateQueued, "admitted"); err != nil {
			return
		}
	}

	// Acquire an execution slot; only cancellation is honored while queued.
	select {
	case e.sem <- struct{}{}:
	case cmd := <-o.mailbox:
		if cmd.kind != cmdCancel {
			cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is queued", o.inst.ID)
			return
		}
		_ = o.transitionTo(ctx, workflow.StateCancelled, "cancelled while queued")
		cmd.reply <- nil
		return
	case <-o.draining:
		return
	}
	defer func() { <-e.sem }()

	if o.inst.StartedAt.IsZero() {
		o.inst.StartedAt = e.now().UTC()
	}
	if err := o.transitionTo(ctx, workflow.StateRunning, ""); err != nil {
		return
	}

	instCtx := ctx
	if o.doc.Timeout > 0 {
		var cancel context.CancelFunc
		instCtx, cancel = context.WithTimeout(ctx, o.doc.Timeout.Std())
		defer cancel()
	}

	started := e.now()
	for len(o.frontier) > 0 {
		id := o.frontier[0]
		o.frontier = o.frontier[1:]
		n, ok := o.nodes[id]
		if !ok {
			o.fail(ctx, errs.Newf(errs.KindInternal, "frontier references unknown node %q", id))
			return
		}
		if _, done := o.rc.Result(id); done {
			continue
		}
		o.inst.CurrentNode = id
		o.persist(ctx)

		result, successors, err := o.runNode(instCtx, n)
		switch {
		case err == nil:
		case err == errCancelRequested:
			o.cancelled(ctx)
			return
		case err == errInstanceExpired || instCtx.Err() == context.DeadlineExceeded:
			o.timedOut(ctx)
			return
		default:
			// Restored instances retry the failed node from its checkpoint.
			o.frontier = append([]string{id}, o.frontier...)
			o.fail(ctx, err)
			return
		}

		o.recordCompletion(n.ID, result)
		o.frontier = append(o.frontier, successors...)
		o.checkpoint(ctx, n.ID)

		if o.pausePending || o.drainRequested() {
			o.pausePending = false
			if !o.paused(ctx) {
				return
			}
		}
	}

	o.inst.Output = o.rc.Snapshot().Nodes
	o.inst.CurrentNode = ""
	_ = o.transitionTo(ctx, workflow.StateCompleted, "")
	o.checkpoint(ctx, "")
	e.metrics.RecordTimer(telemetry.MetricInstanceDuration, e.now().Sub(started), "workflow_id", o.inst.WorkflowID)
}

// runNode executes one node on the main path: WAIT and APPROVAL park the
// instance in their waiting states, everything else dispatches with the
// node's retry policy.
func (o *owner) runNode(ctx context.Context, n workflow.Node) (any, []string, error) {
	switch n.Type {
	case workflow.NodeWait, workflow.NodeApproval:
		o.nodeEvent(ctx, event.TypeNodeStarted, n, 0, nil, nil)
		start := o.eng.now()
		var (
			result     any
			successors []string
			err        error
		)
		if n.Type == workflow.NodeWait {
			result, successors, err = o.runWait(ctx, n)
		} else {
			result, successors, err = o.runApproval(ctx, n)
		}
		elapsed := o.eng.now().Sub(start)
		if err == nil {
			o.nodeEvent(ctx, event.TypeNodeCompleted, n, elapsed, result, nil)
		} else if err != errCancelRequested && err != errInstanceExpired {
			o.nodeEvent(ctx, event.TypeNodeFailed, n, elapsed, nil, err)
		}
		return result, successors, err
	}
	return o.attempt(ctx, n, true)
}

// attempt dispatches n with retries. onMainPath selects whether retry
// backoffs surface as RETRYING state transitions; branch-level retries do
// not flip the instance state.
func (o *owner) attempt(ctx context.Context, n workflow.Node, onMainPath bool) (any, []string, error) {
	e := o.eng
	policy := o.retryPolicy(n)
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	for {
		o.mu.Lock()
		o.attempts[n.ID]++
		attempt := o.attempts[n.ID]
		o.mu.Unlock()

		o.nodeEvent(ctx, event.TypeNodeStarted, n, 0, nil, nil)
		start := e.now()
		result, successors, err := o.dispatchGuarded(ctx, n, onMainPath)
		elapsed := e.now().Sub(start)
		e.metrics.RecordTimer(telemetry.MetricNodeDuration, elapsed, "node_type", string(n.Type))

		if err == nil {
			o.nodeEvent(ctx, event.TypeNodeCompleted, n, elapsed, result, nil)
			return result, successors, nil
		}
		if err == errCancelRequested || ctx.Err() != nil {
			return nil, nil, err
		}
		if attempt >= maxAttempts || !o.shouldRetry(policy, err) {
			o.nodeEvent(ctx, event.TypeNodeFailed, n, elapsed, nil, err)
			return nil, nil, err
		}

		delay := backoffDelay(policy, attempt)
		if onMainPath {
			_ = o.transitionTo(ctx, workflow.StateRetrying, err.Error())
		}
		if werr := o.sleep(ctx, delay, onMainPath); werr != nil {
			return nil, nil, werr
		}
		if onMainPath {
			_ = o.transitionTo(ctx, workflow.StateRunning, "retry")
		}
	}
}

// dispatchGuarded runs the dispatcher on a child goroutine so the owner can
// keep servicing its mailbox. Only the main path listens to the mailbox;
// branch dispatches inherit cancellation through ctx.
func (o *owner) dispatchGuarded(ctx context.Context, n workflow.Node, onMainPath bool) (any, []string, error) {
	dctx := ctx
	var cancel context.CancelFunc
	timeout := n.Timeout.Std()
	if timeout == 0 {
		timeout = o.eng.nodeTimeout
	}
	dctx, cancel = context.WithTimeout(dctx, timeout)
	defer cancel()

	if !onMainPath {
		result, successors, err := o.dispatch(dctx, n)
		if err != nil && dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = errs.Newf(errs.KindTimeout, "node %q exceeded its %s timeout", n.ID, timeout)
		}
		return result, successors, err
	}

	type outcome struct {
		result     any
		successors []string
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		r, s, err := o.dispatch(dctx, n)
		done <- outcome{r, s, err}
	}()
	for {
		select {
		case out := <-done:
			if out.err != nil && dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				out.err = errs.Newf(errs.KindTimeout, "node %q exceeded its %s timeout", n.ID, timeout)
			}
			return out.result, out.successors, out.err
		case cmd := <-o.mailbox:
			switch cmd.kind {
			case cmdCancel:
				cancel()
				<-done
				cmd.reply <- nil
				return nil, nil, errCancelRequested
			case cmdPause:
				o.pausePending = true
				cmd.reply <- nil
			case cmdResume:
				cmd.reply <- errs.Newf(errs.KindNotResumable, "instance %s is running", o.inst.ID)
			case cmdApprove:
				cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is not awaiting approval", o.inst.ID)
			}
		}
	}
}

// runWait parks the instance in WAITING for a duration or an external
// resume. Resume releases event waits; duration waits also release on their
// timer.
func (o *owner) runWait(ctx context.Context, n workflow.Node) (any, []string, error) {
	if err := o.transitionTo(ctx, workflow.StateWaiting, "wait node "+n.ID); err != nil {
		return nil, nil, err
	}
	o.checkpoint(ctx, n.ID)

	var timer <-chan time.Time
	if s, ok := n.Config["duration"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindInvalidInput, "wait duration", err)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case <-timer:
			if err := o.transitionTo(ctx, workflow.StateRunning, "wait elapsed"); err != nil {
				return nil, nil, err
			}
			return map[string]any{"released_by": "timer"}, n.Next, nil
		case <-ctx.Done():
			return nil, nil, errInstanceExpired
		case <-o.draining:
			return nil, nil, errCancelRequested
		case cmd := <-o.mailbox:
			switch cmd.kind {
			case cmdResume:
				cmd.reply <- nil
				if err := o.transitionTo(ctx, workflow.StateRunning, "resumed"); err != nil {
					return nil, nil, err
				}
				return map[string]any{"released_by": "resume"}, n.Next, nil
			case cmdCancel:
				cmd.reply <- nil
				return nil, nil, errCancelRequested
			case cmdPause:
				cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is waiting", o.inst.ID)
			case cmdApprove:
				cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is not awaiting approval", o.inst.ID)
			}
		}
	}
}

// runApproval parks the instance in WAITING_APPROVAL until an authorized
// approver decides or the approval times out. Rejection fails the node;
// expiry times out the instance.
func (o *owner) runApproval(ctx context.Context, n workflow.Node) (any, []string, error) {
	e := o.eng
	approvers := stringValues(n.Config["approvers"])
	timeout := e.approvalTimeout
	if s, ok := n.Config["timeout"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindInvalidInput, "approval timeout", err)
		}
		timeout = d
	}

	if err := o.transitionTo(ctx, workflow.StateWaitingApproval, "approval node "+n.ID); err != nil {
		return nil, nil, err
	}
	o.checkpoint(ctx, n.ID)

	expires := e.now().UTC().Add(timeout)
	ev := o.baseEvent(event.TypeApprovalRequested)
	ev.NodeID = n.ID
	ev.NodeType = string(n.Type)
	ev.Approvers = approvers
	ev.ExpiresAt = &expires
	_ = e.pub.Publish(ctx, ev)

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return nil, nil, errInstanceExpired
		case <-ctx.Done():
			return nil, nil, errInstanceExpired
		case <-o.draining:
			return nil, nil, errCancelRequested
		case cmd := <-o.mailbox:
			switch cmd.kind {
			case cmdApprove:
				if !contains(approvers, cmd.approver) {
					cmd.reply <- errs.Newf(errs.KindAuthError, "%q is not an approver for node %q", cmd.approver, n.ID)
					continue
				}
				cmd.reply <- nil
				if !cmd.approved {
					return nil, nil, errs.Newf(errs.KindConflict, "approval rejected by %q: %s", cmd.approver, cmd.comment)
				}
				if err := o.transitionTo(ctx, workflow.StateRunning, "approved by "+cmd.approver); err != nil {
					return nil, nil, err
				}
				result := map[string]any{"approved": true, "approver": cmd.approver}
				if cmd.comment != "" {
					result["comment"] = cmd.comment
				}
				return result, n.Next, nil
			case cmdCancel:
				cmd.reply <- nil
				return nil, nil, errCancelRequested
			case cmdResume:
				cmd.reply <- errs.Newf(errs.KindNotResumable, "instance %s requires approval, not resume", o.inst.ID)
			case cmdPause:
				cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is awaiting approval", o.inst.ID)
			}
		}
	}
}

// paused parks the instance in PAUSED until resumed or cancelled. Returns
// false when the owner must stop.
func (o *owner) paused(ctx context.Context) bool {
	if err := o.transitionTo(ctx, workflow.StatePaused, "paused"); err != nil {
		return false
	}
	o.checkpoint(ctx, "")
	if o.drainRequested() {
		// Engine shutdown: the checkpoint is durable, a later Resume
		// restores from it.
		return false
	}
	for {
		select {
		case <-o.draining:
			return false
		case cmd := <-o.mailbox:
			switch cmd.kind {
			case cmdResume:
				cmd.reply <- nil
				return o.transitionTo(ctx, workflow.StateRunning, "resumed") == nil
			case cmdCancel:
				cmd.reply <- nil
				o.cancelled(ctx)
				return false
			case cmdPause:
				cmd.reply <- nil
			case cmdApprove:
				cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is not awaiting approval", o.inst.ID)
			}
		}
	}
}

// cancelled runs the CANCELLING path: compensate completed nodes in reverse
// completion order, then land in CANCELLED.
func (o *owner) cancelled(ctx context.Context) {
	_ = o.transitionTo(ctx, workflow.StateCancelling, "cancel requested")
	o.compensate(ctx)
	_ = o.transitionTo(ctx, workflow.StateCancelled, "")
	o.checkpoint(ctx, "")
}

// timedOut lands the instance in TIMEOUT, then compensates best-effort.
func (o *owner) timedOut(ctx context.Context) {
	o.inst.Error = "instance deadline exceeded"
	o.inst.ErrorKind = string(errs.KindTimeout)
	_ = o.transitionTo(ctx, workflow.StateTimeout, o.inst.Error)
	o.checkpoint(ctx, "")
	o.compensate(ctx)
}

// fail runs the failure path: compensate when any completed node declares a
// compensator, otherwise land in FAILED directly.
func (o *owner) fail(ctx context.Context, cause error) {
	o.inst.Error = cause.Error()
	o.inst.ErrorKind = string(errs.KindOf(cause))
	o.checkpoint(ctx, "")

	if o.hasCompensators() {
		if err := o.transitionTo(ctx, workflow.StateCompensating, o.inst.Error); err == nil {
			if o.compensate(ctx) {
				_ = o.transitionTo(ctx, workflow.StateCompensated, "")
			} else {
				_ = o.transitionTo(ctx, workflow.StateFailed, "compensation failed")
			}
			o.checkpoint(ctx, "")
			return
		}
	}
	_ = o.transitionTo(ctx, workflow.StateFailed, o.inst.Error)
	o.checkpoint(ctx, "")
}

func (o *owner) hasCompensators() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range o.completed {
		if o.nodes[id].Compensation != nil {
			return true
		}
	}
	return false
}

// compensate delivers compensators for completed nodes in reverse completion
// order. Reports whether every compensator succeeded.
func (o *owner) compensate(ctx context.Context) bool {
	o.mu.Lock()
	order := make([]string, len(o.completed))
	copy(order, o.completed)
	o.mu.Unlock()

	// Compensators must run even when the instance context expired.
	cctx := context.WithoutCancel(ctx)
	ok := true
	for i := len(order) - 1; i >= 0; i-- {
		n := o.nodes[order[i]]
		if n.Compensation == nil {
			continue
		}
		if err := o.deliverCompensation(cctx, n); err != nil {
			ok = false
			o.eng.logger.Error(cctx, "compensation failed",
				"instance_id", o.inst.ID, "node_id", n.ID, "error", err)
		}
	}
	return ok
}

func (o *owner) deliverCompensation(ctx context.Context, n workflow.Node) error {
	if o.eng.actions == nil {
		return errs.New(errs.KindInternal, "no action sink configured")
	}
	params, err := o.rc.ResolveValue(n.Compensation.Parameters)
	if err != nil {
		return err
	}
	paramMap, _ := params.(map[string]any)
	return o.eng.actions.Deliver(ctx, Action{
		Type:           n.Compensation.ActionType,
		Parameters:     paramMap,
		IdempotencyKey: o.inst.ID + ":compensate:" + n.ID,
	})
}

func (o *owner) recordCompletion(nodeID string, result any) {
	if err := o.rc.SetResult(nodeID, result); err != nil {
		// Write-once violation: a restored frontier re-ran a node whose
		// result survived. Keep the original.
		o.eng.logger.Warn(context.Background(), "node result already recorded",
			"instance_id", o.inst.ID, "node_id", nodeID)
		return
	}
	o.mu.Lock()
	o.completed = append(o.completed, nodeID)
	o.mu.Unlock()
}

// checkpoint persists a durable snapshot. Checkpoint failures are logged,
// not fatal; the previous checkpoint remains the recovery point.
func (o *owner) checkpoint(ctx context.Context, nodeID string) {
	o.seq++
	o.mu.Lock()
	attempts := make(map[string]int, len(o.attempts))
	for k, v := range o.attempts {
		attempts[k] = v
	}
	o.mu.Unlock()
	frontier := make([]string, len(o.frontier))
	copy(frontier, o.frontier)

	cp := workflow.Checkpoint{
		InstanceID: o.inst.ID,
		Seq:        o.seq,
		State:      o.inst.State,
		NodeID:     nodeID,
		Frontier:   frontier,
		Context:    o.rc.Snapshot(),
		Attempts:   attempts,
		CreatedAt:  o.eng.now().UTC(),
	}
	if err := o.eng.store.AppendCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		o.eng.logger.Error(ctx, "checkpoint append failed",
			"instance_id", o.inst.ID, "seq", o.seq, "error", err)
	}
}

// transitionTo advances the instance state machine, persists the instance
// and publishes the transition event.
func (o *owner) transitionTo(ctx context.Context, to workflow.State, reason string) error {
	from := o.inst.State
	if err := o.inst.Transition(to, o.eng.now().UTC()); err != nil {
		o.eng.logger.Error(ctx, "illegal state transition",
			"instance_id", o.inst.ID, "from", string(from), "to", string(to), "error", err)
		return err
	}
	o.persist(ctx)
	ev := o.baseEvent(event.TypeWorkflowStateChanged)
	ev.FromState = string(from)
	ev.ToState = string(to)
	ev.Reason = reason
	_ = o.eng.pub.Publish(context.WithoutCancel(ctx), ev)
	return nil
}

func (o *owner) persist(ctx context.Context) {
	if err := o.eng.store.UpdateInstance(context.WithoutCancel(ctx), o.inst); err != nil {
		o.eng.logger.Error(ctx, "instance update failed",
			"instance_id", o.inst.ID, "error", err)
	}
}

func (o *owner) baseEvent(t event.Type) event.Event {
	return event.Event{
		Type:       t,
		InstanceID: o.inst.ID,
		WorkflowID: o.inst.WorkflowID,
		TraceID:    o.inst.TraceID,
		Timestamp:  o.eng.now().UTC(),
	}
}

func (o *owner) nodeEvent(ctx context.Context, t event.Type, n workflow.Node, elapsed time.Duration, output any, cause error) {
	ev := o.baseEvent(t)
	ev.NodeID = n.ID
	ev.NodeType = string(n.Type)
	ev.DurationMS = elapsed.Milliseconds()
	ev.Output = output
	if cause != nil {
		ev.Error = cause.Error()
	}
	_ = o.eng.pub.Publish(context.WithoutCancel(ctx), ev)
}

// retryPolicy returns the effective policy for n: node-level overrides the
// workflow default.
func (o *owner) retryPolicy(n workflow.Node) *workflow.RetryPolicy {
	if n.RetryPolicy != nil {
		return n.RetryPolicy
	}
	return o.doc.RetryPolicy
}

// shouldRetry applies the policy's retry_on set, defaulting to the globally
// retryable kinds.
func (o *owner) shouldRetry(policy *workflow.RetryPolicy, err error) bool {
	if policy == nil || errs.Fatal(err) {
		return false
	}
	if len(policy.RetryOn) == 0 {
		return errs.Retryable(err)
	}
	kind := string(errs.KindOf(err))
	for _, k := range policy.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// sleep waits out a retry backoff, staying responsive to cancellation. On
// the main path the mailbox keeps being serviced.
func (o *owner) sleep(ctx context.Context, d time.Duration, onMainPath bool) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		if !onMainPath {
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return errs.Wrap(errs.KindTimeout, "retry backoff", ctx.Err())
			}
		}
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return errInstanceExpired
		case cmd := <-o.mailbox:
			switch cmd.kind {
			case cmdCancel:
				cmd.reply <- nil
				return errCancelRequested
			case cmdPause:
				o.pausePending = true
				cmd.reply <- nil
			case cmdResume:
				cmd.reply <- errs.Newf(errs.KindNotResumable, "instance %s is retrying", o.inst.ID)
			case cmdApprove:
				cmd.reply <- errs.Newf(errs.KindConflict, "instance %s is not awaiting approval", o.inst.ID)
			}
		}
	}
}

// backoffDelay computes the delay before the next attempt. attempt is the
// 1-based attempt that just failed.
func backoffDelay(policy *workflow.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay.Std()
	if initial <= 0 {
		initial = time.Second
	}
	delay := initial
	if policy.Backoff != "fixed" {
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	}
	if max := policy.MaxDelay.Std(); max > 0 && delay > max {
		delay = max
	}
	return delay
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func stringValues(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
