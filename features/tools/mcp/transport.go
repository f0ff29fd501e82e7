// Package mcp provides a toolhub.Transport speaking MCP JSON-RPC over HTTP.
// Each provider endpoint gets one initialize handshake; tool catalogs come
// from tools/list and calls go through tools/call with normalized content.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/toolhub"
)

// protocolVersion is the MCP protocol version sent during initialize.
const protocolVersion = "2024-11-05"

type (
	// Options configures the transport.
	Options struct {
		// Client is the HTTP client. Defaults to one with a 30s timeout.
		Client *http.Client
		// ClientName and ClientVersion identify this process during the
		// initialize handshake. Default to "triflow"/"dev".
		ClientName    string
		ClientVersion string
	}

	// Transport implements toolhub.Transport over MCP JSON-RPC.
	Transport struct {
		client  *http.Client
		name    string
		version string
		id      uint64

		mu          sync.Mutex
		initialized map[string]struct{}
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	toolsListResult struct {
		Tools []struct {
			Name         string         `json:"name"`
			Description  string         `json:"description"`
			InputSchema  map[string]any `json:"inputSchema"`
			OutputSchema map[string]any `json:"outputSchema"`
		} `json:"tools"`
	}

	toolsCallResult struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent map[string]any `json:"structuredContent"`
		IsError           bool           `json:"isError"`
	}
)

// New constructs the transport.
func New(opts Options) *Transport {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	name := opts.ClientName
	if name == "" {
		name = "triflow"
	}
	version := opts.ClientVersion
	if version == "" {
		version = "dev"
	}
	return &Transport{
		client:      client,
		name:        name,
		version:     version,
		initialized: map[string]struct{}{},
	}
}

// ListTools fetches the provider's tool catalog via tools/list.
func (t *Transport) ListTools(ctx context.Context, spec toolhub.ProviderSpec) ([]toolhub.Tool, error) {
	if err := t.ensureInitialized(ctx, spec); err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := t.call(ctx, spec, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	out := make([]toolhub.Tool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		out = append(out, toolhub.Tool{
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		})
	}
	return out, nil
}

// Call invokes one tool via tools/call. Text content that parses as JSON
// objects is returned structured; scalar content lands under "result".
func (t *Transport) Call(ctx context.Context, spec toolhub.ProviderSpec, tool string, args map[string]any) (map[string]any, error) {
	if err := t.ensureInitialized(ctx, spec); err != nil {
		return nil, err
	}
	var result toolsCallResult
	params := map[string]any{"name": tool, "arguments": args}
	if err := t.call(ctx, spec, "tools/call", params, &result); err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, errs.Newf(errs.KindInternal, "tool %q reported an error: %s", tool, firstText(result))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	text := firstText(result)
	if text == "" {
		return nil, errs.Newf(errs.KindSchemaMismatch, "tool %q returned no content", tool)
	}
	var structured map[string]any
	if err := json.Unmarshal([]byte(text), &structured); err == nil {
		return structured, nil
	}
	return map[string]any{"result": text}, nil
}

// Health pings the provider.
func (t *Transport) Health(ctx context.Context, spec toolhub.ProviderSpec) error {
	if err := t.ensureInitialized(ctx, spec); err != nil {
		return err
	}
	return t.call(ctx, spec, "ping", nil, nil)
}

func firstText(result toolsCallResult) string {
	for _, c := range result.Content {
		if c.Type == "text" {
			return c.Text
		}
	}
	return ""
}

func (t *Transport) ensureInitialized(ctx context.Context, spec toolhub.ProviderSpec) error {
	t.mu.Lock()
	_, done := t.initialized[spec.Endpoint]
	t.mu.Unlock()
	if done {
		return nil
	}
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": t.name, "version": t.version},
	}
	if err := t.call(ctx, spec, "initialize", params, nil); err != nil {
		return errs.Wrap(errs.KindOf(err), "mcp initialize", err)
	}
	t.mu.Lock()
	t.initialized[spec.Endpoint] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *Transport) call(ctx context.Context, spec toolhub.ProviderSpec, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      atomic.AddUint64(&t.id, 1),
		Params:  params,
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode rpc request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, spec.Auth)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindTimeout, fmt.Sprintf("mcp %s", method), err)
		}
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("mcp %s", method), err)
	}
	defer resp.Body.Close()

	if kind, bad := classifyStatus(resp.StatusCode); bad {
		return errs.Newf(kind, "mcp %s status %d", method, resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errs.Wrap(errs.KindInternal, fmt.Sprintf("decode mcp %s response", method), err)
	}
	if rpcResp.Error != nil {
		return errs.Newf(errs.KindInternal, "mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return errs.Wrap(errs.KindSchemaMismatch, fmt.Sprintf("decode mcp %s result", method), err)
		}
	}
	return nil
}

func applyAuth(req *http.Request, auth toolhub.AuthSpec) {
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.Header.Set("Authorization", "Basic "+auth.Token)
	}
}

func classifyStatus(status int) (errs.Kind, bool) {
	switch {
	case status == http.StatusOK:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.KindAuthError, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errs.KindTimeout, true
	case status >= 500 || status == http.StatusTooManyRequests:
		return errs.KindTransient, true
	default:
		return errs.KindInternal, true
	}
}
