// Package session implements C5, the durable per-agent session/drift store:
// baseline intent vector, running drift, bounded action history, and the
// append-only enforce-call audit log. Every operation is fail-soft at its
// boundary per §7 — internal errors are logged and the documented zero
// value is returned, never surfaced to the orchestrator.
package session

import "time"

// HistoryEntry is one entry of an AgentSession's action_history.
type HistoryEntry struct {
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Timestamp time.Time `json:"ts"`
}

// AgentSession is the per-agent rolling state (§3).
type AgentSession struct {
	AgentID         string
	ActionHistory   []HistoryEntry
	CallCount       int
	CreatedAt       time.Time
	LastSeenAt      time.Time
	InitialVector   []float32 // nil if never set
	CumulativeDrift float64
	LastVector      []float32 // nil if never set
}

// Call is one row of the append-only enforce-call audit log (§3). The db
// tags let sqlx.StructScan read a row directly, without a hand-rolled
// rows.Scan column list.
type Call struct {
	CallID            string `db:"call_id"`
	AgentID           string `db:"agent_id"`
	TimestampMS       int64  `db:"ts_ms"`
	Decision          string `db:"decision"`
	Op                string `db:"op"`
	T                 string `db:"t"`
	EnforcementResult []byte `db:"enforcement_result"` // opaque JSON
	IntentEvent       []byte `db:"intent_event"`       // opaque JSON
	IsDryRun          bool   `db:"is_dry_run"`
}

// maxHistoryLen bounds action_history growth per session; oldest entries
// are dropped first. call_count keeps counting regardless of pruning (§3
// invariant: call_count >= len(action_history), equal unless pruned).
const maxHistoryLen = 200

// idleTimeout and absoluteAge are CleanupExpired's two expiry conditions (§4.5).
const (
	idleTimeout = 30 * time.Minute
	absoluteAge = 24 * time.Hour
)

// ListPageMax is the hard cap on ListSessions/ListCalls page size (§4.5).
const ListPageMax = 200
