package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/db"
	"github.com/fencio-dev/driftguard/internal/metrics"
	"github.com/fencio-dev/driftguard/internal/wireformat"
)

// Manager is C5: the durable session/drift store backed by the shared
// relational client (internal/db). Every public method is fail-soft at its
// boundary (§7) — it never returns an error to the orchestrator; on
// internal failure it logs and returns its documented no-op value.
type Manager struct {
	db     *db.Client
	logger *zap.Logger
}

// NewManager wraps a relational client for session/drift storage.
func NewManager(client *db.Client, logger *zap.Logger) *Manager {
	return &Manager{db: client, logger: logger}
}

func (m *Manager) fail(op string, err error) {
	m.logger.Warn("session store operation failed", zap.String("operation", op), zap.Error(err))
	metrics.RecordStoreSoftFailure("session", op)
}

// WriteCall upserts the session row and appends one entry to
// action_history. Sets created_at and call_count=1 on first call;
// increments call_count and last_seen_at thereafter. Never modifies
// initial_vector or cumulative_drift. Callable with decision="pending".
func (m *Manager) WriteCall(ctx context.Context, agentID, requestID, action, decision string) {
	now := time.Now()
	entry := HistoryEntry{RequestID: requestID, Action: action, Decision: decision, Timestamp: now}

	err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var callCount int
		var historyJSON string
		row := tx.QueryRowContext(ctx, `SELECT call_count, action_history_json FROM agent_sessions WHERE agent_id = ?`, agentID)
		scanErr := row.Scan(&callCount, &historyJSON)

		if errors.Is(scanErr, sql.ErrNoRows) {
			b, err := json.Marshal([]HistoryEntry{entry})
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO agent_sessions (agent_id, call_count, created_at, last_seen_at, action_history_json) VALUES (?, 1, ?, ?, ?)`,
				agentID, now, now, string(b))
			return err
		}
		if scanErr != nil {
			return scanErr
		}

		var hist []HistoryEntry
		_ = json.Unmarshal([]byte(historyJSON), &hist)
		hist = append(hist, entry)
		if len(hist) > maxHistoryLen {
			hist = hist[len(hist)-maxHistoryLen:]
		}
		b, err := json.Marshal(hist)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_sessions SET call_count = call_count + 1, last_seen_at = ?, action_history_json = ? WHERE agent_id = ?`,
			now, string(b), agentID)
		return err
	})
	if err != nil {
		m.fail("write_call", err)
	}
}

// InitializeSessionVector sets initial_vector to vec only if it is
// currently null. Conditional single-writer update; losers are silent
// no-ops, including concurrent ones (§5).
func (m *Manager) InitializeSessionVector(ctx context.Context, agentID string, vec []float32) {
	blob := wireformat.EncodeFloat32LE(vec)
	_, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE agent_sessions SET initial_vector = ? WHERE agent_id = ? AND initial_vector IS NULL`,
		blob, agentID)
	if err != nil {
		m.fail("initialize_session_vector", err)
	}
}

// ComputeAndUpdateDrift reads initial_vector; if null, returns 0.0 without
// mutation. Otherwise it computes drift = max(0, 1 - dot(initial, vec)),
// atomically accumulates cumulative_drift, stashes vec as last_vector and
// bumps last_seen_at, and returns the per-call drift (not the running
// total).
func (m *Manager) ComputeAndUpdateDrift(ctx context.Context, agentID string, vec []float32) float64 {
	var drift float64
	err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var initBlob []byte
		row := tx.QueryRowContext(ctx, `SELECT initial_vector FROM agent_sessions WHERE agent_id = ?`, agentID)
		if err := row.Scan(&initBlob); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if initBlob == nil {
			return nil
		}
		initVec, err := wireformat.DecodeFloat32LE(initBlob, len(vec))
		if err != nil {
			return err
		}
		d := 1 - dotProduct(initVec, vec)
		if d < 0 {
			d = 0
		}
		drift = d

		_, err = tx.ExecContext(ctx,
			`UPDATE agent_sessions SET cumulative_drift = cumulative_drift + ?, last_vector = ?, last_seen_at = ? WHERE agent_id = ?`,
			d, wireformat.EncodeFloat32LE(vec), time.Now(), agentID)
		return err
	})
	if err != nil {
		m.fail("compute_and_update_drift", err)
		return 0.0
	}
	return drift
}

// UpdateCallDecision finds the last action_history entry matching
// requestID and rewrites its decision in place. Never appends. No-op if
// requestID is absent.
func (m *Manager) UpdateCallDecision(ctx context.Context, agentID, requestID, decision string) {
	err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var historyJSON string
		row := tx.QueryRowContext(ctx, `SELECT action_history_json FROM agent_sessions WHERE agent_id = ?`, agentID)
		if err := row.Scan(&historyJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		var hist []HistoryEntry
		if err := json.Unmarshal([]byte(historyJSON), &hist); err != nil {
			return err
		}
		found := -1
		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].RequestID == requestID {
				found = i
				break
			}
		}
		if found == -1 {
			return nil
		}
		hist[found].Decision = decision
		b, err := json.Marshal(hist)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE agent_sessions SET action_history_json = ? WHERE agent_id = ?`, string(b), agentID)
		return err
	})
	if err != nil {
		m.fail("update_call_decision", err)
	}
}

// InsertCall upserts call into the enforce-call audit log, keyed by
// CallID: a second write for the same CallID overwrites every non-key
// column with the new payload (§8 property 7) rather than being
// discarded.
func (m *Manager) InsertCall(ctx context.Context, call Call) {
	_, err := m.db.GetDB().ExecContext(ctx,
		`INSERT INTO enforce_calls (call_id, agent_id, ts_ms, decision, op, t, enforcement_result, intent_event, is_dry_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		     agent_id = excluded.agent_id,
		     ts_ms = excluded.ts_ms,
		     decision = excluded.decision,
		     op = excluded.op,
		     t = excluded.t,
		     enforcement_result = excluded.enforcement_result,
		     intent_event = excluded.intent_event,
		     is_dry_run = excluded.is_dry_run`,
		call.CallID, call.AgentID, call.TimestampMS, call.Decision, call.Op, call.T,
		call.EnforcementResult, call.IntentEvent, call.IsDryRun)
	if err != nil {
		m.fail("insert_call", err)
	}
}

// GetSession returns the session row for agentID, or nil if absent or on
// internal failure.
func (m *Manager) GetSession(ctx context.Context, agentID string) *AgentSession {
	var row sessionRow
	err := m.db.SqlxDB().GetContext(ctx, &row,
		`SELECT agent_id, call_count, created_at, last_seen_at, initial_vector, cumulative_drift, last_vector, action_history_json
		 FROM agent_sessions WHERE agent_id = ?`, agentID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.fail("get_session", err)
		}
		return nil
	}
	s, err := row.toSession()
	if err != nil {
		m.fail("get_session", err)
		return nil
	}
	return s
}

// ListSessions returns up to limit sessions ordered by last_seen_at
// descending, or an empty slice on internal failure. limit is clamped to
// ListPageMax.
func (m *Manager) ListSessions(ctx context.Context, limit, offset int) []*AgentSession {
	limit = clampLimit(limit)
	var rows []sessionRow
	err := m.db.SqlxDB().SelectContext(ctx, &rows,
		`SELECT agent_id, call_count, created_at, last_seen_at, initial_vector, cumulative_drift, last_vector, action_history_json
		 FROM agent_sessions ORDER BY last_seen_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		m.fail("list_sessions", err)
		return nil
	}

	out := make([]*AgentSession, 0, len(rows))
	for _, r := range rows {
		s, err := r.toSession()
		if err != nil {
			m.fail("list_sessions", err)
			return out
		}
		out = append(out, s)
	}
	return out
}

// GetCall returns the enforce-call row for callID, or nil if absent or on
// internal failure.
func (m *Manager) GetCall(ctx context.Context, callID string) *Call {
	var c Call
	err := m.db.SqlxDB().GetContext(ctx, &c,
		`SELECT call_id, agent_id, ts_ms, decision, op, t, enforcement_result, intent_event, is_dry_run
		 FROM enforce_calls WHERE call_id = ?`, callID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.fail("get_call", err)
		}
		return nil
	}
	return &c
}

// ListCalls returns up to limit calls for agentID (all agents if empty),
// newest first, or an empty slice on internal failure.
func (m *Manager) ListCalls(ctx context.Context, agentID string, limit, offset int) []*Call {
	limit = clampLimit(limit)
	var calls []Call
	var err error
	if agentID == "" {
		err = m.db.SqlxDB().SelectContext(ctx, &calls,
			`SELECT call_id, agent_id, ts_ms, decision, op, t, enforcement_result, intent_event, is_dry_run
			 FROM enforce_calls ORDER BY ts_ms DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		err = m.db.SqlxDB().SelectContext(ctx, &calls,
			`SELECT call_id, agent_id, ts_ms, decision, op, t, enforcement_result, intent_event, is_dry_run
			 FROM enforce_calls WHERE agent_id = ? ORDER BY ts_ms DESC LIMIT ? OFFSET ?`, agentID, limit, offset)
	}
	if err != nil {
		m.fail("list_calls", err)
		return nil
	}

	out := make([]*Call, 0, len(calls))
	for i := range calls {
		out = append(out, &calls[i])
	}
	return out
}

// DeleteCalls deletes enforce-call rows for agentID (all rows if empty)
// and returns the number deleted, or 0 on internal failure.
func (m *Manager) DeleteCalls(ctx context.Context, agentID string) int {
	var res sql.Result
	var err error
	if agentID == "" {
		res, err = m.db.GetDB().ExecContext(ctx, `DELETE FROM enforce_calls`)
	} else {
		res, err = m.db.GetDB().ExecContext(ctx, `DELETE FROM enforce_calls WHERE agent_id = ?`, agentID)
	}
	if err != nil {
		m.fail("delete_calls", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// CleanupExpired deletes sessions idle beyond idleTimeout or older than
// absoluteAge, and returns the number deleted. Intended to be driven by an
// external scheduler (§4.5).
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := time.Now()
	res, err := m.db.GetDB().ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE last_seen_at < ? OR created_at < ?`,
		now.Add(-idleTimeout), now.Add(-absoluteAge))
	if err != nil {
		m.fail("cleanup_expired", err)
		return 0
	}
	n, _ := res.RowsAffected()
	metrics.SessionsExpired.Add(float64(n))
	return int(n)
}

// sessionRow is agent_sessions' column shape for sqlx.StructScan. The
// vector columns stay raw BLOBs and the history column stays raw JSON
// here; toSession does the wire-format decode the hand-rolled scan used
// to do inline.
type sessionRow struct {
	AgentID           string    `db:"agent_id"`
	CallCount         int       `db:"call_count"`
	CreatedAt         time.Time `db:"created_at"`
	LastSeenAt        time.Time `db:"last_seen_at"`
	InitialVector     []byte    `db:"initial_vector"`
	CumulativeDrift   float64   `db:"cumulative_drift"`
	LastVector        []byte    `db:"last_vector"`
	ActionHistoryJSON string    `db:"action_history_json"`
}

func (r sessionRow) toSession() (*AgentSession, error) {
	s := AgentSession{
		AgentID:         r.AgentID,
		CallCount:       r.CallCount,
		CreatedAt:       r.CreatedAt,
		LastSeenAt:      r.LastSeenAt,
		CumulativeDrift: r.CumulativeDrift,
	}
	if r.InitialVector != nil {
		v, err := wireformat.DecodeFloat32LE(r.InitialVector, len(r.InitialVector)/4)
		if err != nil {
			return nil, err
		}
		s.InitialVector = v
	}
	if r.LastVector != nil {
		v, err := wireformat.DecodeFloat32LE(r.LastVector, len(r.LastVector)/4)
		if err != nil {
			return nil, err
		}
		s.LastVector = v
	}
	if err := json.Unmarshal([]byte(r.ActionHistoryJSON), &s.ActionHistory); err != nil {
		return nil, err
	}
	return &s, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return ListPageMax
	}
	if limit > ListPageMax {
		return ListPageMax
	}
	return limit
}

func dotProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
