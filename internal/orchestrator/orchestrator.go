package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fencio-dev/driftguard/internal/apperr"
	"github.com/fencio-dev/driftguard/internal/decisionclient"
	"github.com/fencio-dev/driftguard/internal/intent"
	"github.com/fencio-dev/driftguard/internal/metrics"
	"github.com/fencio-dev/driftguard/internal/session"
)

// Orchestrator is C7. It owns no state of its own beyond an optional rate
// limiter; every step's durability and retry behavior lives in the
// collaborator it calls.
type Orchestrator struct {
	intent    *intent.Encoder
	sessions  *session.Manager
	decisions *decisionclient.Client
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// New composes C7 from the intent encoder, session store, and
// decision-service client. No rate limit is applied until SetRateLimit is
// called.
func New(intentEnc *intent.Encoder, sessions *session.Manager, decisions *decisionclient.Client, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{intent: intentEnc, sessions: sessions, decisions: decisions, logger: logger}
}

// SetRateLimit installs a token-bucket limiter ahead of the pipeline,
// rejecting excess Enforce calls with RATE_LIMITED instead of queueing
// them. Mirrors the teacher's BudgetManager.SetRateLimit shape, scoped
// process-wide instead of per-user since C7 has no caller identity of its
// own. requestsPerSecond <= 0 disables limiting.
func (o *Orchestrator) SetRateLimit(requestsPerSecond float64, burst int) {
	if requestsPerSecond <= 0 {
		o.limiter = nil
		return
	}
	o.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Enforce runs the strict eleven-step pipeline of §4.7. Encoder failure and
// remote-decision failure propagate to the caller; every session-store call
// is fail-soft by construction (internal/session never returns an error).
func (o *Orchestrator) Enforce(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	event := req.Event

	if o.limiter != nil && !o.limiter.Allow() {
		metrics.RecordEnforce("RATE_LIMITED", req.DryRun, 0, time.Since(start).Seconds())
		return nil, apperr.New(apperr.KindRateLimited, "enforcement request rate exceeded")
	}

	// Step 1: mint request_id. tenant_id already lives on the event.
	requestID := uuid.New().String()

	// Step 2: agent_id may be empty (agentless calls bypass drift tracking).
	agentID := event.Identity.AgentID

	// Step 3: encode intent. Encoder failure surfaces as ENCODER_UNAVAILABLE.
	vector, err := o.intent.Encode(ctx, event)
	if err != nil {
		return nil, err
	}

	// Step 4: establish the session row before any conditional step touches it.
	o.sessions.WriteCall(ctx, agentID, requestID, event.Op, "pending")

	// Step 5: first non-empty call for an agent installs the baseline.
	if agentID != "" {
		o.sessions.InitializeSessionVector(ctx, agentID, vector[:])
	}

	// Step 6: drift is computed only for identified agents; step 5 runs
	// first so the very first call for an agent sees its own vector as the
	// baseline and drifts zero against itself.
	drift := 0.0
	if agentID != "" {
		drift = o.sessions.ComputeAndUpdateDrift(ctx, agentID, vector[:])
	}

	// Step 7: invoke the remote decision. Transport failure -> BAD_GATEWAY;
	// other failure -> INTERNAL (both already classified by decisionclient).
	remoteResp, err := o.decisions.Enforce(ctx, decisionclient.EnforceRequest{
		RequestID: requestID,
		TenantID:  event.TenantID,
		AgentID:   agentID,
		Op:        event.Op,
		T:         event.T,
		Event:     eventToMap(event),
		Vector:    vector[:],
		Drift:     drift,
		DryRun:    req.DryRun,
	})
	if err != nil {
		metrics.RecordEnforce("ERROR", req.DryRun, drift, time.Since(start).Seconds())
		return nil, err
	}

	// Step 8: derive the final decision name.
	decisionName := remoteResp.FinalDecisionName()

	// Step 9: rewrite the pending history entry with the final decision.
	o.sessions.UpdateCallDecision(ctx, agentID, requestID, decisionName)

	// Step 10: append to the durable call log. call_id is the IntentEvent's
	// own id, distinct from the freshly-minted request_id (§9 open question).
	resultJSON, _ := json.Marshal(remoteResp)
	eventJSON, _ := json.Marshal(event)
	o.sessions.InsertCall(ctx, session.Call{
		CallID:            event.ID,
		AgentID:           agentID,
		TimestampMS:       time.Now().UnixMilli(),
		Decision:          decisionName,
		Op:                event.Op,
		T:                 event.T,
		EnforcementResult: resultJSON,
		IntentEvent:       eventJSON,
		IsDryRun:          req.DryRun,
	})

	metrics.RecordEnforce(decisionName, req.DryRun, drift, time.Since(start).Seconds())

	// Step 11: return the enforcement response.
	return &Response{
		Decision:          decisionName,
		ModifiedParams:    remoteResp.ModifiedParams,
		DriftScore:        drift,
		DriftTriggered:    remoteResp.DriftTriggered,
		SliceSimilarities: remoteResp.SliceSimilarities,
		Evidence:          remoteResp.Evidence,
	}, nil
}

func eventToMap(e *intent.Event) map[string]interface{} {
	b, err := json.Marshal(e)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}
