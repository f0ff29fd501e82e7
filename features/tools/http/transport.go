// Package http provides a toolhub.Transport for plain REST tool providers.
// The provider contract is three routes under the endpoint base URL:
//
//	GET  /tools          catalog as {"tools": [...]}
//	POST /tools/{name}   invoke with a JSON argument object
//	GET  /health         liveness probe
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/toolhub"
)

type (
	// Options configures the transport.
	Options struct {
		// Client is the HTTP client. Defaults to one with a 30s timeout.
		Client *http.Client
	}

	// Transport implements toolhub.Transport over REST.
	Transport struct {
		client *http.Client
	}
)

// New constructs the transport.
func New(opts Options) *Transport {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Transport{client: client}
}

// ListTools fetches the provider's tool catalog.
func (t *Transport) ListTools(ctx context.Context, spec toolhub.ProviderSpec) ([]toolhub.Tool, error) {
	var result struct {
		Tools []toolhub.Tool `json:"tools"`
	}
	if err := t.do(ctx, spec, http.MethodGet, "/tools", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// Call invokes one tool.
func (t *Transport) Call(ctx context.Context, spec toolhub.ProviderSpec, tool string, args map[string]any) (map[string]any, error) {
	var result map[string]any
	if err := t.do(ctx, spec, http.MethodPost, "/tools/"+tool, args, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Health pings the provider.
func (t *Transport) Health(ctx context.Context, spec toolhub.ProviderSpec) error {
	return t.do(ctx, spec, http.MethodGet, "/health", nil, nil)
}

func (t *Transport) do(ctx context.Context, spec toolhub.ProviderSpec, method, path string, payload any, result any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "encode request", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	url := strings.TrimSuffix(spec.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch spec.Auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+spec.Auth.Token)
	case "basic":
		req.Header.Set("Authorization", "Basic "+spec.Auth.Token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindTimeout, fmt.Sprintf("%s %s", method, path), err)
		}
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Newf(errs.KindAuthError, "%s %s status %d", method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return errs.Newf(errs.KindTimeout, "%s %s status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errs.Newf(errs.KindTransient, "%s %s status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return errs.Newf(errs.KindInternal, "%s %s status %d", method, path, resp.StatusCode)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errs.Wrap(errs.KindSchemaMismatch, fmt.Sprintf("decode %s %s response", method, path), err)
		}
	}
	return nil
}
