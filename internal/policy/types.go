// Package policy implements C4 (the policy encoder) and C6 (the policy
// store): durable PolicyBoundary rows, their AnchorPayload vector-index
// projection, and CRUD that keeps both consistent with the remote
// decision service under failure.
package policy

import (
	"time"

	"github.com/fencio-dev/driftguard/internal/semantics"
)

// AnchorCap is K, the maximum number of anchors retained per layer.
const AnchorCap = 16

// Layers lists the four constraint groups mirroring the four intent slots,
// in the fixed order used throughout the codebase.
var Layers = [4]string{semantics.LayerAction, semantics.LayerResource, semantics.LayerData, semantics.LayerRisk}

// ConstraintGroup carries 0..N canonical tokens for one layer.
type ConstraintGroup struct {
	Tokens []string
}

// Constraints mirrors the four intent slots.
type Constraints struct {
	Action   ConstraintGroup
	Resource ConstraintGroup
	Data     ConstraintGroup
	Risk     ConstraintGroup
}

func (c *Constraints) byLayer(layer string) ConstraintGroup {
	switch layer {
	case semantics.LayerAction:
		return c.Action
	case semantics.LayerResource:
		return c.Resource
	case semantics.LayerData:
		return c.Data
	case semantics.LayerRisk:
		return c.Risk
	default:
		return ConstraintGroup{}
	}
}

// Boundary is a versioned policy record (PolicyBoundary).
type Boundary struct {
	ID            string
	TenantID      string
	Name          string
	Status        string
	Type          string
	SchemaVersion int
	Layer         string
	Scope         Scope
	Constraints   Constraints
	Rules         string // opaque rule payload, passed through to the decision service
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Scope carries the tenant binding; scope.tenant_id must equal the
// boundary's own tenant_id (§3 invariant).
type Scope struct {
	TenantID string
}

// RuleVector is the policy-side tensor: a 16x32 zero-padded matrix per
// layer plus the real anchor count for that layer.
type RuleVector struct {
	Layers map[string][AnchorCap][semantics.SlotDim]float32
	Counts map[string]int
}

// NewRuleVector returns an all-zero RuleVector with the four layers
// pre-allocated.
func NewRuleVector() *RuleVector {
	return &RuleVector{
		Layers: make(map[string][AnchorCap][semantics.SlotDim]float32, 4),
		Counts: make(map[string]int, 4),
	}
}

// AnchorPayload is the vector-index projection of a policy: a RuleVector
// plus the metadata needed to keep it in sync with its relational row.
type AnchorPayload struct {
	TenantID  string
	PolicyID  string
	UpdatedAt time.Time
	Vector    *RuleVector
}
