// Package vectordb is the anchor-payload vector-index client (C6's second
// backing store): a minimal Qdrant HTTP client, one collection per tenant,
// documents keyed by policy_id.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fencio-dev/driftguard/internal/circuitbreaker"
	"github.com/fencio-dev/driftguard/internal/interceptors"
	ometrics "github.com/fencio-dev/driftguard/internal/metrics"
	"github.com/fencio-dev/driftguard/internal/tracing"
	"go.uber.org/zap"
)

// Client is a minimal Qdrant HTTP client scoped to the anchor-payload store.
type Client struct {
	cfg   Config
	http  *http.Client
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

var global *Client

// Initialize constructs the process-wide vector-index client.
func Initialize(cfg Config, logger *zap.Logger) {
	c := cfg
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "anchor_payloads"
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{
		Timeout:   c.Timeout,
		Transport: interceptors.NewRequestIDRoundTripper(nil),
	}
	httpw := circuitbreaker.NewHTTPWrapper(httpClient, "vectordb", "policy-store", logger)
	global = &Client{cfg: c, http: httpClient, base: fmt.Sprintf("http://%s:%d", c.Host, c.Port), httpw: httpw, log: logger}
}

// Get returns the process-wide client (nil if never initialized).
func Get() *Client { return global }

// Collection returns the per-tenant collection name for tenantID.
func (c *Client) Collection(tenantID string) string {
	return fmt.Sprintf("%s_%s", c.cfg.CollectionPrefix, tenantID)
}

// Upsert inserts or updates one point into a collection, creating the
// collection on first use.
func (c *Client) Upsert(ctx context.Context, collection string, item UpsertItem) (*UpsertResponse, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, fmt.Errorf("vectordb: upsert called while disabled")
	}
	if err := c.ensureCollection(ctx, collection, len(item.Vector)); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()
	start := time.Now()

	body := map[string]interface{}{"points": []UpsertItem{item}}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("vectordb upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return &r, nil
}

// GetByID fetches a single point's payload by its id. Returns (nil, nil) if
// the point does not exist.
func (c *Client) GetByID(ctx context.Context, collection string, id string) (map[string]interface{}, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, fmt.Errorf("vectordb: get called while disabled")
	}
	url := fmt.Sprintf("%s/collections/%s/points/%s", c.base, collection, id)
	ctx, span := tracing.StartHTTPSpan(ctx, "GET", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vectordb get status %d", resp.StatusCode)
	}
	var r struct {
		Result *struct {
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	if r.Result == nil {
		return nil, nil
	}
	return r.Result.Payload, nil
}

// Delete removes one point by id. Deleting a point that does not exist is
// not an error (idempotent, matching Qdrant's own semantics).
func (c *Client) Delete(ctx context.Context, collection string, id string) error {
	if c == nil || !c.cfg.Enabled {
		return fmt.Errorf("vectordb: delete called while disabled")
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	body := map[string]interface{}{"points": []string{id}}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("vectordb delete status %d", resp.StatusCode)
	}
	return nil
}

// DropCollection deletes an entire tenant collection (used by clear-all).
// Missing collections are treated as already dropped.
func (c *Client) DropCollection(ctx context.Context, collection string) error {
	if c == nil || !c.cfg.Enabled {
		return fmt.Errorf("vectordb: drop called while disabled")
	}
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("vectordb drop collection status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)
	// HEAD-style existence probe via GET; 200 means it already exists.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if vectorSize <= 0 {
		vectorSize = 32
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": vectorSize, "distance": "Cosine"},
	}
	buf, _ := json.Marshal(body)
	creq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	creq.Header.Set("Content-Type", "application/json")
	cresp, err := c.httpw.Do(creq)
	if err != nil {
		return err
	}
	defer cresp.Body.Close()
	if cresp.StatusCode >= 300 {
		return fmt.Errorf("vectordb create collection status %d", cresp.StatusCode)
	}
	return nil
}
