package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

// Client talks to a remote orchestrator. It offers the subset of the
// *Orchestrator API the gateway forwards to.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*persistence.Plan, bool, error) {
	var p persistence.Plan
	status, err := c.do(ctx, http.MethodPost, "/plans", req, &p)
	if err != nil {
		return nil, false, err
	}
	return &p, status == http.StatusCreated, nil
}

func (c *Client) Get(ctx context.Context, planID string) (*persistence.Plan, error) {
	var p persistence.Plan
	if _, err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(planID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetByCorrelation(ctx context.Context, correlationID string) (*persistence.Plan, error) {
	var p persistence.Plan
	if _, err := c.do(ctx, http.MethodGet, "/plans?correlation_id="+url.QueryEscape(correlationID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Cancel(ctx context.Context, planID string) (*persistence.Plan, error) {
	var p persistence.Plan
	if _, err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/cancel", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ActiveWindows(ctx context.Context) ([]policy.Window, error) {
	var body struct {
		Windows []windowResponse `json:"windows"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/windows?include=lapsed", nil, &body); err != nil {
		return nil, err
	}
	out := make([]policy.Window, 0, len(body.Windows))
	for _, w := range body.Windows {
		out = append(out, policy.Window{
			WindowID: w.WindowID,
			Target:   w.Target,
			Open:     w.State == string(persistence.WindowOpen),
			ClosesAt: w.ClosesAt,
		})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode orchestrator request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return 0, fmt.Errorf("build orchestrator request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	shared.PropagateHeaders(req)
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, unreachable(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apierr.MaxBodyBytes))
	if err != nil {
		return 0, unreachable(err)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, apierr.FromResponse(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "decode orchestrator response")
		}
	}
	return resp.StatusCode, nil
}

func unreachable(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apierr.Wrap(apierr.CodeUpstreamTimeout, err, "orchestrator timed out")
	}
	return apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "orchestrator unreachable").WithRetryAfter(apierr.DefaultRetryAfter)
}
