package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/shared"
)

// Client calls a remote router's POST /execute. It satisfies the same
// Execute contract as *Router so callers can run the router out of process.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	shared.PropagateHeaders(httpReq)
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, transportError("router", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apierr.MaxBodyBytes))
	if err != nil {
		return nil, transportError("router", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.FromResponse(resp.StatusCode, raw)
	}
	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "decode router response")
	}
	r := out.Response
	return &Result{ProviderID: out.ProviderID, Outcome: out.Outcome, Score: out.Score, Response: &r}, nil
}
