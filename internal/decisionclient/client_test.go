package decisionclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func skipIfNoLoopback(t *testing.T) {
	t.Helper()
	if ln6, err6 := net.Listen("tcp6", "[::1]:0"); err6 == nil {
		_ = ln6.Close()
	} else if ln4, err4 := net.Listen("tcp4", "127.0.0.1:0"); err4 == nil {
		_ = ln4.Close()
	} else {
		t.Skip("port binding not permitted in this environment; skipping")
	}
}

func TestEnforceRoundTrip(t *testing.T) {
	skipIfNoLoopback(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/enforce" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req EnforceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.AgentID != "agent-1" {
			t.Fatalf("expected agent_id agent-1, got %q", req.AgentID)
		}
		_ = json.NewEncoder(w).Encode(EnforceResponse{
			Decision:          1,
			ModifiedParams:    map[string]interface{}{},
			DriftTriggered:    false,
			SliceSimilarities: map[string]float64{"action": 0.9},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	resp, err := c.Enforce(context.Background(), EnforceRequest{AgentID: "agent-1", RequestID: "r1", Vector: make([]float32, 128)})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if resp.FinalDecisionName() != "ALLOW" {
		t.Fatalf("expected ALLOW, got %q", resp.FinalDecisionName())
	}
}

func TestEnforceMapsNonAllowCodeToDeny(t *testing.T) {
	var resp EnforceResponse
	resp.Decision = 0
	if resp.FinalDecisionName() != "DENY" {
		t.Fatalf("expected DENY, got %q", resp.FinalDecisionName())
	}
}

func TestEnforceUsesNamedDecisionWhenPresent(t *testing.T) {
	resp := EnforceResponse{Decision: 0, DecisionName: "STEP_UP"}
	if resp.FinalDecisionName() != "STEP_UP" {
		t.Fatalf("expected STEP_UP, got %q", resp.FinalDecisionName())
	}
}

func TestRemovePolicyReportsFailure(t *testing.T) {
	skipIfNoLoopback(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RemoveResponse{Success: false, Message: "not found"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	resp, err := c.RemovePolicy(context.Background(), "tenant-1", "policy-1")
	if err != nil {
		t.Fatalf("RemovePolicy transport error: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected success=false")
	}
}

func TestEnforceBadGatewayOnServerError(t *testing.T) {
	skipIfNoLoopback(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Enforce(context.Background(), EnforceRequest{AgentID: "a", Vector: make([]float32, 128)})
	if err == nil {
		t.Fatalf("expected error on 500 response")
	}
}
