// Package decisionclient is C8: the RPC client to the remote decision
// service that owns the actual allow/deny policy evaluation. The
// enforcement core encodes intent and tracks drift; the decision itself is
// made out-of-process so the same policy can be shared across many
// enforcement cores.
package decisionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/apperr"
	"github.com/fencio-dev/driftguard/internal/circuitbreaker"
	"github.com/fencio-dev/driftguard/internal/interceptors"
	"github.com/fencio-dev/driftguard/internal/tracing"
)

// Client is the process-wide, lazily-dialed decision-service client.
// Connection reuse is handled by the underlying http.Transport's pool, and
// "dialing" only actually happens on first request. The transport follows
// the scheme of BaseURL: http:// is plain HTTP and https:// is TLS, whatever
// the host; the client does not choose between them by checking for a
// loopback target.
type Client struct {
	cfg   Config
	http  *http.Client
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient builds the decision-service client. Defaults Timeout to 5s
// per §4.8.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewRequestIDRoundTripper(nil),
	}
	httpw := circuitbreaker.NewHTTPWrapper(httpClient, "decisionclient", "decision-service", logger)
	return &Client{cfg: cfg, http: httpClient, httpw: httpw, log: logger}
}

func (c *Client) url(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to marshal decision-service request", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	url := c.url(path)
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to build decision-service request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindBadGateway, "decision-service request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Wrap(apperr.KindBadGateway, fmt.Sprintf("decision-service returned status %d", resp.StatusCode), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindBadGateway, "failed to decode decision-service response", err)
	}
	return nil
}

// Enforce evaluates one enforcement call against the remote policy.
// Transport-level failure surfaces as BAD_GATEWAY; all RPCs here honor
// ctx cancellation via the underlying http.Client.
func (c *Client) Enforce(ctx context.Context, req EnforceRequest) (*EnforceResponse, error) {
	var resp EnforceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/enforce", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemovePolicy asks the remote service to drop a single policy's rules.
func (c *Client) RemovePolicy(ctx context.Context, tenantID, policyID string) (*RemoveResponse, error) {
	var resp RemoveResponse
	body := map[string]string{"tenant_id": tenantID, "policy_id": policyID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/policies/remove", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveAgentRules asks the remote service to drop all of a tenant's rules
// (used by the policy store's clear-all flow).
func (c *Client) RemoveAgentRules(ctx context.Context, tenantID string) (*RemoveResponse, error) {
	var resp RemoveResponse
	body := map[string]string{"tenant_id": tenantID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/rules/remove-all", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QuerySessions lists the remote service's own session projection for a
// tenant (used by C9's telemetry pass-through).
func (c *Client) QuerySessions(ctx context.Context, req QuerySessionsRequest) (*QuerySessionsResponse, error) {
	var resp QuerySessionsResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSession fetches the remote service's view of a single agent session.
func (c *Client) GetSession(ctx context.Context, tenantID, agentID string) (*SessionRecord, error) {
	var resp SessionRecord
	body := map[string]string{"tenant_id": tenantID, "agent_id": agentID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/get", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
