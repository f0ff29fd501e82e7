package toolhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/runtime/errs"
)

var echoTool = Tool{
	Name: "echo",
	InputSchema: map[string]any{
		"type":                 "object",
		"required":             []any{"message"},
		"additionalProperties": false,
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
	},
	OutputSchema: map[string]any{
		"type":     "object",
		"required": []any{"echoed"},
		"properties": map[string]any{
			"echoed": map[string]any{"type": "string"},
		},
	},
}

func TestRegisterAndListTools(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	hub := newTestHub(t, transport)

	id, err := hub.RegisterProvider(context.Background(), ProviderSpec{
		Name:     "inspector",
		Endpoint: "http://tools.local",
		Protocol: "http",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tools, err := hub.ListTools(id)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	_, err = hub.ListTools("ghost")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestCallValidatesArgsWithoutNetworkIO(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	hub := newTestHub(t, transport)
	id := register(t, hub)

	_, err := hub.Call(context.Background(), id, "echo", map[string]any{"unexpected": 1})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindSchemaMismatch))
	assert.Zero(t, transport.calls, "schema mismatch must not reach the provider")
}

func TestCallValidatesOutput(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.result = map[string]any{"wrong_key": "x"}
	hub := newTestHub(t, transport)
	id := register(t, hub)

	_, err := hub.Call(context.Background(), id, "echo", map[string]any{"message": "hi"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindSchemaMismatch))
	assert.Equal(t, 1, transport.calls, "output mismatch must not be retried")
}

func TestCallRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.failures = 2
	transport.failKind = errs.KindTransient
	hub := newTestHub(t, transport)
	id := register(t, hub)

	out, err := hub.Call(context.Background(), id, "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echoed"])
	assert.Equal(t, 3, transport.calls)
}

func TestCallNeverRetriesAuthErrors(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.failures = 10
	transport.failKind = errs.KindAuthError
	hub := newTestHub(t, transport)
	id := register(t, hub)

	_, err := hub.Call(context.Background(), id, "echo", map[string]any{"message": "hi"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAuthError))
	assert.Equal(t, 1, transport.calls)
}

// Five consecutive failures open the breaker; the next call fails with
// BreakerOpen before any network I/O; after the cooldown a single probe
// success closes it again.
func TestCallBreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	transport := newFakeTransport()
	transport.failures = 5
	transport.failKind = errs.KindTransient
	hub := newTestHub(t, transport, func(o *Options) {
		o.MaxRetries = 0
		o.Breaker = BreakerOptions{Now: clock.Now, Cooldown: time.Minute}
	})
	id := register(t, hub)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := hub.Call(ctx, id, "echo", map[string]any{"message": "hi"})
		require.Error(t, err)
	}
	state, err := hub.BreakerState(id)
	require.NoError(t, err)
	require.Equal(t, BreakerOpen, state)

	callsBefore := transport.calls
	_, err = hub.Call(ctx, id, "echo", map[string]any{"message": "hi"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBreakerOpen))
	assert.Equal(t, callsBefore, transport.calls, "open breaker must not reach the provider")

	clock.Advance(2 * time.Minute)
	out, err := hub.Call(ctx, id, "echo", map[string]any{"message": "probe"})
	require.NoError(t, err)
	assert.Equal(t, "probe", out["echoed"])
	state, err = hub.BreakerState(id)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, state)
}

func TestHalfOpenProbeIsNotRetried(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	transport := newFakeTransport()
	transport.failures = 6
	transport.failKind = errs.KindTransient
	hub := newTestHub(t, transport, func(o *Options) {
		o.MaxRetries = 0
		o.Breaker = BreakerOptions{Now: clock.Now, Cooldown: time.Minute}
	})
	id := register(t, hub)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = hub.Call(ctx, id, "echo", map[string]any{"message": "hi"})
	}
	clock.Advance(2 * time.Minute)

	callsBefore := transport.calls
	_, err := hub.Call(ctx, id, "echo", map[string]any{"message": "probe"})
	require.Error(t, err)
	assert.Equal(t, callsBefore+1, transport.calls, "probe gets exactly one attempt")
	state, err := hub.BreakerState(id)
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, state)
}

func TestRetriesStopWhenBreakerOpensMidSequence(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.failures = 10
	transport.failKind = errs.KindTransient
	hub := newTestHub(t, transport, func(o *Options) {
		o.MaxRetries = 5
		o.RetryBackoff = time.Millisecond
		o.Breaker = BreakerOptions{Threshold: 2}
	})
	id := register(t, hub)

	_, err := hub.Call(context.Background(), id, "echo", map[string]any{"message": "hi"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBreakerOpen))
	assert.Equal(t, 2, transport.calls, "retries must stop once the breaker opens")
}

func TestDataSourceProviderSynthesizesTools(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.result = map[string]any{"record": map[string]any{"id": "LOT-1", "status": "released"}}
	hub := newTestHub(t, transport)

	id, err := hub.RegisterProvider(context.Background(), ProviderSpec{
		Name:     "mes",
		Protocol: "datasource",
		Binding: &DataSourceBinding{
			System: "mes",
			Entities: []EntityBinding{{
				Name:   "lot",
				Fields: map[string]string{"id": "string", "status": "string"},
			}},
		},
	})
	require.NoError(t, err)

	tools, err := hub.ListTools(id)
	require.NoError(t, err)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"query_lot", "get_lot"}, names)

	out, err := hub.Call(context.Background(), id, "get_lot", map[string]any{"id": "LOT-1"})
	require.NoError(t, err)
	assert.Equal(t, "released", out["record"].(map[string]any)["status"])

	_, err = hub.Call(context.Background(), id, "get_lot", map[string]any{})
	assert.True(t, errs.IsKind(err, errs.KindSchemaMismatch))
}

func TestHealthRefreshesCatalog(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	hub := newTestHub(t, transport)
	id := register(t, hub)

	renamed := echoTool
	renamed.Name = "echo_v2"
	transport.setTools([]Tool{renamed})

	status, err := hub.Health(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, status.OK)

	tools, err := hub.ListTools(id)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo_v2", tools[0].Name)
}

func TestHealthReportsProviderDown(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.healthErr = errs.New(errs.KindTransient, "connection refused")
	hub := newTestHub(t, transport)
	id := register(t, hub)

	status, err := hub.Health(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, status.OK)
}

func TestSynthesizeToolsRejectsBadBindings(t *testing.T) {
	t.Parallel()

	_, err := SynthesizeTools(DataSourceBinding{})
	assert.True(t, errs.IsKind(err, errs.KindInvalidInput))

	_, err = SynthesizeTools(DataSourceBinding{System: "mes", Entities: []EntityBinding{{
		Name:       "lot",
		Operations: []string{"mutate"},
	}}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown operation")
}

func newTestHub(t *testing.T, transport Transport, mods ...func(*Options)) *Hub {
	t.Helper()
	opts := Options{Transport: transport, RetryBackoff: time.Millisecond}
	for _, mod := range mods {
		mod(&opts)
	}
	hub, err := New(opts)
	require.NoError(t, err)
	return hub
}

func register(t *testing.T, hub *Hub) string {
	t.Helper()
	id, err := hub.RegisterProvider(context.Background(), ProviderSpec{
		Name:     "test",
		Endpoint: "http://tools.local",
		Protocol: "http",
	})
	require.NoError(t, err)
	return id
}

type fakeTransport struct {
	mu        sync.Mutex
	tools     []Tool
	result    map[string]any
	failures  int
	failKind  errs.Kind
	healthErr error
	calls     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{tools: []Tool{echoTool}}
}

func (f *fakeTransport) setTools(tools []Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeTransport) ListTools(context.Context, ProviderSpec) ([]Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Tool(nil), f.tools...), nil
}

func (f *fakeTransport) Call(_ context.Context, _ ProviderSpec, _ string, args map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errs.New(f.failKind, "provider failure")
	}
	if f.result != nil {
		return f.result, nil
	}
	msg, _ := args["message"].(string)
	return map[string]any{"echoed": msg}, nil
}

func (f *fakeTransport) Health(context.Context, ProviderSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}
