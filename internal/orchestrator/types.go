// Package orchestrator implements C7: the eleven-step enforcement pipeline
// that ties the intent encoder (C3), session/drift store (C5), and
// decision-service client (C8) together into one request flow.
package orchestrator

import "github.com/fencio-dev/driftguard/internal/intent"

// Request is one enforcement call.
type Request struct {
	Event  *intent.Event
	DryRun bool
}

// Response is the orchestrator's reply, independent of the remote wire
// shape (§6 EnforcementResponse).
type Response struct {
	Decision          string
	ModifiedParams    map[string]interface{}
	DriftScore        float64
	DriftTriggered    bool
	SliceSimilarities map[string]float64
	Evidence          interface{}
}
