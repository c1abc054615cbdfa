package policy

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/db"
	"github.com/fencio-dev/driftguard/internal/decisionclient"
	"github.com/fencio-dev/driftguard/internal/embeddings"
	"github.com/fencio-dev/driftguard/internal/semantics"
	"github.com/fencio-dev/driftguard/internal/vectordb"
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

// fakeEmbeddingServer returns deterministic 384-dim embeddings so encoder
// tests are reproducible without a real embedding model.
func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
			Model string   `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		rng := rand.New(rand.NewSource(hashText(req.Texts[0])))
		vec := make([]float64, 384)
		for i := range vec {
			vec[i] = rng.Float64()
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float64{vec},
			"dimensions": 384,
			"model_used": req.Model,
		})
	}))
}

func hashText(s string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range s {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// fakeVectorIndexServer emulates enough of the Qdrant HTTP surface for
// ensureCollection + Upsert + Delete + DropCollection to succeed.
func fakeVectorIndexServer(t *testing.T, failUpsert bool) *httptest.Server {
	t.Helper()
	known := map[string]bool{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["points"]; ok {
				if failUpsert {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "time": 0.001})
				return
			}
			known[r.URL.Path] = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func fakeDecisionServer(t *testing.T, removeSuccess bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(decisionclient.RemoveResponse{Success: removeSuccess})
	}))
}

type testEnv struct {
	store    *Store
	dbClient *db.Client
}

func newTestEnv(t *testing.T, upsertFails, removeSuccess bool) *testEnv {
	t.Helper()
	skipIfNoLoopback(t)

	embedSrv := fakeEmbeddingServer(t)
	t.Cleanup(embedSrv.Close)
	embeddings.Initialize(embeddings.Config{BaseURL: embedSrv.URL}, nil)

	vecSrv := fakeVectorIndexServer(t, upsertFails)
	t.Cleanup(vecSrv.Close)
	u, err := url.Parse(vecSrv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	vectordb.Initialize(vectordb.Config{Enabled: true, Host: host, Port: port}, zap.NewNop())

	decSrv := fakeDecisionServer(t, removeSuccess)
	t.Cleanup(decSrv.Close)
	dc := decisionclient.NewClient(decisionclient.Config{BaseURL: decSrv.URL}, zap.NewNop())

	dbPath := filepath.Join(t.TempDir(), "driftguard.db")
	client, err := db.NewClient(&db.Config{Path: dbPath}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	enc := NewEncoder(semantics.NewEncoder(embeddings.Get(), "test-model"))
	store := NewStore(client, vectordb.Get(), dc, enc, zap.NewNop())
	return &testEnv{store: store, dbClient: client}
}

func sampleBoundary(tenant, id string) *Boundary {
	return &Boundary{
		ID:            id,
		TenantID:      tenant,
		Name:          "default",
		Status:        "active",
		Type:          "access",
		SchemaVersion: 1,
		Scope:         Scope{TenantID: tenant},
		Constraints: Constraints{
			Action:   ConstraintGroup{Tokens: []string{"read", "list"}},
			Resource: ConstraintGroup{Tokens: []string{"database"}},
		},
	}
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	env := newTestEnv(t, false, true)
	ctx := context.Background()

	b := sampleBoundary("tenant-1", "policy-1")
	require.NoError(t, env.store.Create(ctx, b))

	got, err := env.store.Get(ctx, "tenant-1", "policy-1")
	require.NoError(t, err)
	assert.Equal(t, "default", got.Name)
	assert.True(t, !got.UpdatedAt.Before(got.CreatedAt))
}

func TestCreateCompensatesOnAnchorUpsertFailure(t *testing.T) {
	env := newTestEnv(t, true, true)
	ctx := context.Background()

	b := sampleBoundary("tenant-1", "policy-1")
	err := env.store.Create(ctx, b)
	require.Error(t, err)

	_, getErr := env.store.Get(ctx, "tenant-1", "policy-1")
	assert.Error(t, getErr, "relational row must be compensated away after anchor failure")
}

func TestDeleteAbortsWhenRemoteReportsFailure(t *testing.T) {
	env := newTestEnv(t, false, false)
	ctx := context.Background()

	b := sampleBoundary("tenant-1", "policy-1")
	require.NoError(t, env.store.Create(ctx, b))

	err := env.store.Delete(ctx, "tenant-1", "policy-1")
	require.Error(t, err)

	got, getErr := env.store.Get(ctx, "tenant-1", "policy-1")
	require.NoError(t, getErr, "row must remain when remote refuses removal")
	assert.Equal(t, "policy-1", got.ID)
}

func TestDeleteSucceedsWhenRemoteApproves(t *testing.T) {
	env := newTestEnv(t, false, true)
	ctx := context.Background()

	b := sampleBoundary("tenant-1", "policy-1")
	require.NoError(t, env.store.Create(ctx, b))
	require.NoError(t, env.store.Delete(ctx, "tenant-1", "policy-1"))

	_, err := env.store.Get(ctx, "tenant-1", "policy-1")
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	env := newTestEnv(t, false, true)
	ctx := context.Background()

	b := sampleBoundary("tenant-1", "policy-1")
	require.NoError(t, env.store.Create(ctx, b))

	dup := sampleBoundary("tenant-1", "policy-1")
	err := env.store.Create(ctx, dup)
	assert.Error(t, err)
}

func TestCreateRejectsScopeTenantMismatch(t *testing.T) {
	env := newTestEnv(t, false, true)
	b := sampleBoundary("tenant-1", "policy-1")
	b.Scope.TenantID = "tenant-2"
	err := env.store.Create(context.Background(), b)
	assert.Error(t, err)
}
