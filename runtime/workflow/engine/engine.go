// Package engine drives workflow instances: it admits starts against a
// concurrency budget, walks the node graph through per-type dispatchers,
// advances the instance state machine, persists checkpoints and emits
// progress events. Each running instance is owned by a single task with a
// mailbox; control operations (cancel, resume, approve, pause) are delivered
// as mailbox commands so transitions stay serialized per instance.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/telemetry"
	"github.com/mugoori/triflow/runtime/workflow"
)

type (
	// Options configures the engine.
	Options struct {
		// Store is the persistence backend. Required.
		Store workflow.Store
		// Bus carries live events to subscribers. Required.
		Bus event.Bus
		// Judge executes JUDGMENT nodes. Required when workflows use them.
		Judge Judge
		// Data executes DATA node queries.
		Data DataConnector
		// Code executes CODE nodes.
		Code CodeRunner
		// Actions delivers ACTION node payloads and compensators.
		Actions ActionSink
		// Tools mediates MCP node calls.
		Tools ToolCaller
		// Rules serves DEPLOY and ROLLBACK nodes.
		Rules RulesetOps
		// BI executes BI node query plans.
		BI BIAnalyzer
		// Sim executes SIMULATE nodes.
		Sim Simulator
		// Globals supplies tenant-level constants for new runtime contexts.
		Globals func(ctx context.Context, tenantID string) (map[string]any, error)
		// MaxConcurrent caps concurrently running instances; further starts
		// wait in QUEUED. Defaults to 64.
		MaxConcurrent int
		// NodeTimeout is the default per-node dispatch timeout. Defaults to
		// 30s.
		NodeTimeout time.Duration
		// ApprovalTimeout is the default APPROVAL node timeout. Defaults to
		// 24h.
		ApprovalTimeout time.Duration
		// NewID mints instance ids. Defaults to uuid.NewString.
		NewID func() string
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Engine is the process-wide workflow engine singleton.
	Engine struct {
		store           workflow.Store
		bus             event.Bus
		pub             *event.Publisher
		judge           Judge
		data            DataConnector
		code            CodeRunner
		actions         ActionSink
		tools           ToolCaller
		rules           RulesetOps
		bi              BIAnalyzer
		sim             Simulator
		globals         func(ctx context.Context, tenantID string) (map[string]any, error)
		nodeTimeout     time.Duration
		approvalTimeout time.Duration
		newID           func() string
		now             func() time.Time
		logger          telemetry.Logger
		metrics         telemetry.Metrics
		tracer          telemetry.Tracer

		sem chan struct{}

		mu     sync.Mutex
		owners map[string]*owner
		closed bool
		wg     sync.WaitGroup
	}
)

// New validates the options and returns an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errs.New(errs.KindInvalidInput, "engine requires a store")
	}
	if opts.Bus == nil {
		return nil, errs.New(errs.KindInvalidInput, "engine requires an event bus")
	}
	e := &Engine{
		store:           opts.Store,
		bus:             opts.Bus,
		judge:           opts.Judge,
		data:            opts.Data,
		code:            opts.Code,
		actions:         opts.Actions,
		tools:           opts.Tools,
		rules:           opts.Rules,
		bi:              opts.BI,
		sim:             opts.Sim,
		globals:         opts.Globals,
		nodeTimeout:     opts.NodeTimeout,
		approvalTimeout: opts.ApprovalTimeout,
		newID:           opts.NewID,
		now:             opts.Now,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		owners:          map[string]*owner{},
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = 64
	}
	e.sem = make(chan struct{}, maxConcurrent)
	if e.nodeTimeout == 0 {
		e.nodeTimeout = 30 * time.Second
	}
	if e.approvalTimeout == 0 {
		e.approvalTimeout = 24 * time.Hour
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewNoopTracer()
	}
	pub, err := event.NewPublisher(event.PublisherOptions{
		Bus:     e.bus,
		Log:     e.store,
		Logger:  e.logger,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, err
	}
	e.pub = pub
	return e, nil
}

// Start creates and admits a new instance of the workflow's active version.
// It fails with NotActive when the workflow is disabled, deleted or has no
// active version, and with InvalidInput when required trigger variables are
// missing.
func (e *Engine) Start(ctx context.Context, tenantID, workflowID string, input map[string]any, traceID string) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return "", err
	}
	if wf.DeletedAt != nil || wf.Status == "disabled" {
		return "", errs.Newf(errs.KindNotActive, "workflow %q is not active", workflowID)
	}
	v, err := e.store.GetVersion(ctx, tenantID, workflowID, wf.Version)
	if err != nil {
		return "", errs.Wrap(errs.KindNotActive, "resolve active version", err)
	}
	if v.State != workflow.VersionActive {
		return "", errs.Newf(errs.KindNotActive, "workflow %q version %d is %s", workflowID, v.Number, v.State)
	}
	if trig := v.DSL.Trigger; trig != nil {
		for _, name := range trig.RequiredInput {
			if _, ok := input[name]; !ok {
				return "", errs.Newf(errs.KindInvalidInput, "required input variable %q missing", name)
			}
		}
	}
	if traceID == "" {
		traceID = e.newID()
	}

	now := e.now().UTC()
	inst := workflow.Instance{
		ID:         e.newID(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Version:    v.Number,
		TraceID:    traceID,
		State:      workflow.StateCreated,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}

	var globals map[string]any
	if e.globals != nil {
		if globals, err = e.globals(ctx, tenantID); err != nil {
			return "", err
		}
	}

	o := newOwner(e, inst, v.DSL, workflow.NewRuntimeContext(input, globals), nil)
	if err := e.adopt(o); err != nil {
		return "", err
	}
	e.metrics.IncCounter(telemetry.MetricInstancesStarted, 1, "workflow_id", workflowID)
	return inst.ID, nil
}

// Resume continues a suspended instance. Live PAUSED and WAITING instances
// resume through their owner's mailbox; ownerless instances (after a crash,
// or FAILED with a retryable error) are restored from their latest
// checkpoint. Anything else fails with NotResumable.
func (e *Engine) Resume(ctx context.Context, tenantID, instanceID string) error {
	if o := e.owner(instanceID); o != nil {
		return o.send(ctx, command{kind: cmdResume})
	}

	inst, err := e.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	switch {
	case inst.State.Resumable():
		// Owner lost (process restart); fall through to restore.
	case inst.State == workflow.StateFailed && errs.Kind(inst.ErrorKind).Retryable():
	default:
		return errs.Newf(errs.KindNotResumable, "instance %s in state %s cannot resume", instanceID, inst.State)
	}
	return e.restore(ctx, inst)
}

// Cancel cancels an instance: in-flight work receives cancellation signals,
// completed compensable nodes are compensated in reverse completion order
// and the instance lands in CANCELLED. Exactly one of two racing Cancel and
// Resume calls succeeds.
func (e *Engine) Cancel(ctx context.Context, tenantID, instanceID string) error {
	if o := e.owner(instanceID); o != nil {
		return o.send(ctx, command{kind: cmdCancel})
	}

	inst, err := e.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return errs.Newf(errs.KindConflict, "instance %s already %s", instanceID, inst.State)
	}
	// No owner: the instance is not executing, cancel directly.
	from := inst.State
	if terr := inst.Transition(workflow.StateCancelling, e.now().UTC()); terr != nil {
		return terr
	}
	if terr := inst.Transition(workflow.StateCancelled, e.now().UTC()); terr != nil {
		return terr
	}
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	return e.pub.Publish(ctx, event.Event{
		Type:       event.TypeWorkflowStateChanged,
		InstanceID: instanceID,
		TraceID:    inst.TraceID,
		FromState:  string(from),
		ToState:    string(workflow.StateCancelled),
		Reason:     "cancelled without a live owner",
	})
}

// Pause suspends a running instance after its current node completes.
func (e *Engine) Pause(ctx context.Context, _, instanceID string) error {
	o := e.owner(instanceID)
	if o == nil {
		return errs.Newf(errs.KindConflict, "instance %s is not running", instanceID)
	}
	return o.send(ctx, command{kind: cmdPause})
}

// Approve resolves a pending APPROVAL node. The approver must be in the
// node's approver set; approved=false fails the node.
func (e *Engine) Approve(ctx context.Context, _, instanceID, approver string, approved bool, comment string) error {
	o := e.owner(instanceID)
	if o == nil {
		return errs.Newf(errs.KindConflict, "instance %s is not awaiting approval", instanceID)
	}
	return o.send(ctx, command{kind: cmdApprove, approver: approver, approved: approved, comment: comment})
}

// Subscribe returns a live event subscription for the instance.
func (e *Engine) Subscribe(ctx context.Context, instanceID string) (event.Subscription, error) {
	return e.bus.Subscribe(ctx, instanceID)
}

// Replay returns the instance's durable event log in emission order with
// the replay marker set.
func (e *Engine) Replay(ctx context.Context, instanceID string) ([]event.Event, error) {
	events, err := e.store.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Replay = true
	}
	return events, nil
}

// Close stops admitting work and waits for running instances to reach their
// next checkpoint boundary or for ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	owners := make([]*owner, 0, len(e.owners))
	for _, o := range e.owners {
		owners = append(owners, o)
	}
	e.mu.Unlock()

	for _, o := range owners {
		o.drain()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, "engine drain", ctx.Err())
	}
}

func (e *Engine) adopt(o *owner) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errs.New(errs.KindNotActive, "engine is shutting down")
	}
	e.owners[o.inst.ID] = o
	e.wg.Add(1)
	go o.run()
	return nil
}

func (e *Engine) release(o *owner) {
	e.mu.Lock()
	delete(e.owners, o.inst.ID)
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Engine) owner(instanceID string) *owner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[instanceID]
}

// restore rebuilds an owner from the instance's latest checkpoint and
// re-admits it.
func (e *Engine) restore(ctx context.Context, inst workflow.Instance) error {
	v, err := e.store.GetVersion(ctx, inst.TenantID, inst.WorkflowID, inst.Version)
	if err != nil {
		return err
	}
	cp, err := e.store.LatestCheckpoint(ctx, inst.ID)
	if err != nil {
		return errs.Wrap(errs.KindNotResumable, "no checkpoint to resume from", err)
	}

	// Resume bypasses the transition table for FAILED-retryable: the
	// instance is re-admitted as if freshly dequeued.
	inst.State = workflow.StateCreated
	inst.Error = ""
	inst.ErrorKind = ""
	inst.FinishedAt = nil
	inst.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	o := newOwner(e, inst, v.DSL, workflow.RestoreRuntimeContext(cp.Context), &cp)
	return e.adopt(o)
}
