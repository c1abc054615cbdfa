package session

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftguard.db")
	client, err := db.NewClient(&db.Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewManager(client, zap.NewNop())
}

func unitVec(seed int) []float32 {
	v := make([]float32, 128)
	v[seed%128] = 1
	return v
}

func TestWriteCallCreatesAndAccumulatesSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	mgr.WriteCall(ctx, "agent-1", "req-1", "read_file", "pending")
	s := mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.Equal(t, 1, s.CallCount)
	assert.Len(t, s.ActionHistory, 1)
	assert.Equal(t, "pending", s.ActionHistory[0].Decision)
	assert.Nil(t, s.InitialVector)

	mgr.WriteCall(ctx, "agent-1", "req-2", "write_file", "pending")
	s = mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.Equal(t, 2, s.CallCount)
	assert.Len(t, s.ActionHistory, 2)
}

func TestWriteCallPrunesHistoryButKeepsCallCount(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < maxHistoryLen+10; i++ {
		mgr.WriteCall(ctx, "agent-1", fmt.Sprintf("req-%d", i), "act", "pending")
	}
	s := mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.Equal(t, maxHistoryLen+10, s.CallCount)
	assert.Len(t, s.ActionHistory, maxHistoryLen)
}

func TestInitializeSessionVectorIsWriteOnce(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	mgr.WriteCall(ctx, "agent-1", "req-1", "act", "pending")

	first := unitVec(0)
	mgr.InitializeSessionVector(ctx, "agent-1", first)
	s := mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	require.NotNil(t, s.InitialVector)
	assert.Equal(t, first, s.InitialVector)

	second := unitVec(1)
	mgr.InitializeSessionVector(ctx, "agent-1", second)
	s = mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.Equal(t, first, s.InitialVector, "initial_vector must never change once set")
}

func TestComputeAndUpdateDriftReturnsZeroWithoutBaseline(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	mgr.WriteCall(ctx, "agent-1", "req-1", "act", "pending")

	drift := mgr.ComputeAndUpdateDrift(ctx, "agent-1", unitVec(0))
	assert.Equal(t, 0.0, drift)
	s := mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.Equal(t, 0.0, s.CumulativeDrift)
}

func TestComputeAndUpdateDriftAccumulates(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	mgr.WriteCall(ctx, "agent-1", "req-1", "act", "pending")

	baseline := unitVec(0)
	mgr.InitializeSessionVector(ctx, "agent-1", baseline)

	// Identical vector to the baseline: drift must be exactly zero (S2).
	d1 := mgr.ComputeAndUpdateDrift(ctx, "agent-1", baseline)
	assert.Equal(t, 0.0, d1)

	// Orthogonal vector: dot == 0, drift == 1.
	orth := unitVec(1)
	d2 := mgr.ComputeAndUpdateDrift(ctx, "agent-1", orth)
	assert.InDelta(t, 1.0, d2, 1e-6)

	s := mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.InDelta(t, 1.0, s.CumulativeDrift, 1e-6)
	assert.Equal(t, orth, s.LastVector)
}

func TestComputeAndUpdateDriftNeverNegative(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	mgr.WriteCall(ctx, "agent-1", "req-1", "act", "pending")

	baseline := make([]float32, 128)
	for i := range baseline {
		baseline[i] = float32(1.0 / math.Sqrt(128))
	}
	mgr.InitializeSessionVector(ctx, "agent-1", baseline)

	// Same-direction vector with slightly larger norm by floating error
	// should still floor at zero, never negative.
	drift := mgr.ComputeAndUpdateDrift(ctx, "agent-1", baseline)
	assert.GreaterOrEqual(t, drift, 0.0)
}

func TestUpdateCallDecisionRewritesLastMatchAndNeverAppends(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	mgr.WriteCall(ctx, "agent-1", "req-1", "act", "pending")

	mgr.UpdateCallDecision(ctx, "agent-1", "req-1", "ALLOW")
	s := mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	require.Len(t, s.ActionHistory, 1)
	assert.Equal(t, "ALLOW", s.ActionHistory[0].Decision)

	// Absent request_id is a no-op: history length unchanged.
	mgr.UpdateCallDecision(ctx, "agent-1", "req-missing", "DENY")
	s = mgr.GetSession(ctx, "agent-1")
	require.NotNil(t, s)
	assert.Len(t, s.ActionHistory, 1)
}

func TestInsertCallIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	call := Call{CallID: "call-1", AgentID: "agent-1", TimestampMS: 1000, Decision: "ALLOW", Op: "read", T: "tool"}
	mgr.InsertCall(ctx, call)
	mgr.InsertCall(ctx, call)

	calls := mgr.ListCalls(ctx, "agent-1", 10, 0)
	assert.Len(t, calls, 1)
}

// TestInsertCallConvergesToLaterWrite covers §8 property 7: two writes
// with the same CallID but different payloads must converge to a single
// row reflecting the later write, not the first one.
func TestInsertCallConvergesToLaterWrite(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	mgr.InsertCall(ctx, Call{
		CallID: "call-1", AgentID: "agent-1", TimestampMS: 1000,
		Decision: "DENY", Op: "read", T: "tool", EnforcementResult: []byte(`{"drift_score":0.1}`),
	})
	mgr.InsertCall(ctx, Call{
		CallID: "call-1", AgentID: "agent-1", TimestampMS: 2000,
		Decision: "ALLOW", Op: "write", T: "tool", EnforcementResult: []byte(`{"drift_score":0.9}`),
	})

	calls := mgr.ListCalls(ctx, "agent-1", 10, 0)
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, "ALLOW", got.Decision)
	assert.Equal(t, "write", got.Op)
	assert.Equal(t, int64(2000), got.TimestampMS)
	assert.Equal(t, []byte(`{"drift_score":0.9}`), got.EnforcementResult)

	direct := mgr.GetCall(ctx, "call-1")
	require.NotNil(t, direct)
	assert.Equal(t, "ALLOW", direct.Decision)
}

func TestListCallsFiltersByAgent(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	mgr.InsertCall(ctx, Call{CallID: "c1", AgentID: "a1", TimestampMS: 1, Decision: "ALLOW", Op: "x", T: "y"})
	mgr.InsertCall(ctx, Call{CallID: "c2", AgentID: "a2", TimestampMS: 2, Decision: "DENY", Op: "x", T: "y"})

	assert.Len(t, mgr.ListCalls(ctx, "a1", 10, 0), 1)
	assert.Len(t, mgr.ListCalls(ctx, "", 10, 0), 2)
}

func TestDeleteCalls(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	mgr.InsertCall(ctx, Call{CallID: "c1", AgentID: "a1", TimestampMS: 1, Decision: "ALLOW", Op: "x", T: "y"})

	n := mgr.DeleteCalls(ctx, "a1")
	assert.Equal(t, 1, n)
	assert.Empty(t, mgr.ListCalls(ctx, "a1", 10, 0))
}

func TestGetSessionReturnsNilForUnknownAgent(t *testing.T) {
	mgr := newTestManager(t)
	assert.Nil(t, mgr.GetSession(context.Background(), "does-not-exist"))
}

func TestListSessionsClampsLimit(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mgr.WriteCall(ctx, fmt.Sprintf("agent-%d", i), "req", "act", "pending")
	}
	sessions := mgr.ListSessions(ctx, 0, 0)
	assert.Len(t, sessions, 3)
}
