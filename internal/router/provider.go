package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/shared"
)

// Request is what a provider is asked to execute.
type Request struct {
	IntentType    string          `json:"intent_type"`
	Capability    string          `json:"capability"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Response is a provider result. Partial marks a partial_success.
type Response struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Partial bool            `json:"partial,omitempty"`
}

// Provider is an opaque backend able to serve one or more capabilities.
type Provider interface {
	ID() string
	Capabilities() []string
	Execute(ctx context.Context, req Request) (*Response, error)
}

// HealthChecker is implemented by providers that can be probed for health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Timeouter is implemented by providers with their own call timeout.
type Timeouter interface {
	Timeout() time.Duration
}

// HTTPProvider calls a provider over HTTP: POST {url}/execute and
// GET {url}/health.
type HTTPProvider struct {
	ProviderID  string
	BaseURL     string
	Caps        []string
	CallTimeout time.Duration
	Client      *http.Client
}

func (p *HTTPProvider) ID() string             { return p.ProviderID }
func (p *HTTPProvider) Capabilities() []string { return p.Caps }
func (p *HTTPProvider) Timeout() time.Duration { return p.CallTimeout }

func (p *HTTPProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *HTTPProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	shared.PropagateHeaders(httpReq)

	resp, err := p.client().Do(httpReq)
	if err != nil {
		return nil, transportError(p.ProviderID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apierr.MaxBodyBytes))
	if err != nil {
		return nil, transportError(p.ProviderID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.FromResponse(resp.StatusCode, raw)
	}
	var out Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "decode provider response")
		}
	}
	return &out, nil
}

func (p *HTTPProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.BaseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return transportError(p.ProviderID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.CodeForStatus(resp.StatusCode), "provider %s health returned %d", p.ProviderID, resp.StatusCode)
	}
	return nil
}

func transportError(providerID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.CodeUpstreamTimeout, err, "provider "+providerID+" timed out")
	}
	return apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "provider "+providerID+" unreachable")
}

// FuncProvider adapts a function into an in-process Provider.
type FuncProvider struct {
	ProviderID string
	Caps       []string
	Fn         func(ctx context.Context, req Request) (*Response, error)
}

func (p *FuncProvider) ID() string             { return p.ProviderID }
func (p *FuncProvider) Capabilities() []string { return p.Caps }

func (p *FuncProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	return p.Fn(ctx, req)
}

// EchoProvider returns an in-process provider that echoes the payload back.
// serve registers it when no providers are configured in dev mode.
func EchoProvider(id string, caps ...string) *FuncProvider {
	return &FuncProvider{
		ProviderID: id,
		Caps:       caps,
		Fn: func(ctx context.Context, req Request) (*Response, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out, err := json.Marshal(map[string]any{
				"echo":        req.Payload,
				"intent_type": req.IntentType,
				"provider":    id,
			})
			if err != nil {
				return nil, err
			}
			return &Response{Result: out}, nil
		},
	}
}
