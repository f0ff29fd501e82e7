package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/features/tools/mcp"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/toolhub"
)

type rpcCall struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	ID     uint64         `json:"id"`
}

func newRPCServer(t *testing.T, handle func(rpcCall) (any, *map[string]any)) (*httptest.Server, *[]string) {
	t.Helper()
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		methods = append(methods, call.Method)
		result, rpcErr := handle(call)
		resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = *rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	return srv, &methods
}

func TestCallInitializesOnceAndDecodesStructuredContent(t *testing.T) {
	t.Parallel()
	srv, methods := newRPCServer(t, func(call rpcCall) (any, *map[string]any) {
		switch call.Method {
		case "initialize":
			return map[string]any{}, nil
		case "tools/call":
			assert.Equal(t, "read_sensor", call.Params["name"])
			return map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": `{"value": 99.5}`},
				},
			}, nil
		default:
			t.Fatalf("unexpected method %s", call.Method)
			return nil, nil
		}
	})
	defer srv.Close()

	tr := mcp.New(mcp.Options{})
	spec := toolhub.ProviderSpec{Endpoint: srv.URL, Protocol: "mcp"}

	out, err := tr.Call(context.Background(), spec, "read_sensor", map[string]any{"sensor": "temp-3"})
	require.NoError(t, err)
	assert.Equal(t, 99.5, out["value"])

	_, err = tr.Call(context.Background(), spec, "read_sensor", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"initialize", "tools/call", "tools/call"}, *methods,
		"the handshake runs once per endpoint")
}

func TestListToolsMapsCatalog(t *testing.T) {
	t.Parallel()
	srv, _ := newRPCServer(t, func(call rpcCall) (any, *map[string]any) {
		switch call.Method {
		case "initialize":
			return map[string]any{}, nil
		case "tools/list":
			return map[string]any{"tools": []map[string]any{
				{
					"name":        "read_sensor",
					"description": "reads one sensor",
					"inputSchema": map[string]any{"type": "object"},
				},
			}}, nil
		default:
			return nil, nil
		}
	})
	defer srv.Close()

	tr := mcp.New(mcp.Options{})
	tools, err := tr.ListTools(context.Background(), toolhub.ProviderSpec{Endpoint: srv.URL})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_sensor", tools[0].Name)
	assert.Equal(t, map[string]any{"type": "object"}, tools[0].InputSchema)
}

func TestToolErrorsSurfaceAsInternal(t *testing.T) {
	t.Parallel()
	srv, _ := newRPCServer(t, func(call rpcCall) (any, *map[string]any) {
		switch call.Method {
		case "initialize":
			return map[string]any{}, nil
		default:
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": "sensor offline"}},
				"isError": true,
			}, nil
		}
	})
	defer srv.Close()

	tr := mcp.New(mcp.Options{})
	_, err := tr.Call(context.Background(), toolhub.ProviderSpec{Endpoint: srv.URL}, "read_sensor", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInternal))
	assert.Contains(t, err.Error(), "sensor offline")
}
