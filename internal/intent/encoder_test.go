package intent

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencio-dev/driftguard/internal/embeddings"
	"github.com/fencio-dev/driftguard/internal/semantics"
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

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	skipIfNoLoopback(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		embs := make([][]float64, len(req.Texts))
		for i, text := range req.Texts {
			vec := make([]float64, semantics.EmbeddingDim)
			for j := range vec {
				vec[j] = float64((len(text)+j)%13) - 6
			}
			embs[i] = vec
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": embs,
			"dimensions": semantics.EmbeddingDim,
		})
	}))
	t.Cleanup(srv.Close)
	embeddings.Initialize(embeddings.Config{BaseURL: srv.URL}, nil)
	return NewEncoder(semantics.NewEncoder(embeddings.Get(), "test-model"))
}

func sampleEvent() *Event {
	return &Event{
		ID:       "evt-1",
		TenantID: "tenant-1",
		Op:       "read",
		T:        "tool",
		Actor:    Actor{Type: "agent"},
		Action:   Action{Verb: "read", ToolName: "db.query"},
		Resource: Resource{Type: "database", Location: "primary", Name: "customers"},
		Data:     DataSlot{Sensitivity: []string{"pii"}, PII: true, Volume: "low"},
		Risk:     Risk{Authn: "mfa", Authz: "rbac"},
	}
}

// TestEncodeIsDeterministic covers §8 property 2: encoding the same
// canonical event twice must yield a byte-identical vector.
func TestEncodeIsDeterministic(t *testing.T) {
	enc := newTestEncoder(t)
	ctx := context.Background()
	e := sampleEvent()

	v1, err := enc.Encode(ctx, e)
	require.NoError(t, err)
	v2, err := enc.Encode(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, *v1, *v2)
}

// TestEncodeSlotsAreUnitNorm covers §8 property 1 across all four slots
// of the composed 128-dim vector.
func TestEncodeSlotsAreUnitNorm(t *testing.T) {
	enc := newTestEncoder(t)
	v, err := enc.Encode(context.Background(), sampleEvent())
	require.NoError(t, err)

	for _, slot := range v.Slots() {
		var sumSq float64
		for _, x := range slot {
			sumSq += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-4)
	}
}

// TestEncodeDiffersOnChangedSlotText ensures two events differing only in
// one slot's source text diverge in that slot and only that slot.
func TestEncodeDiffersOnChangedSlotText(t *testing.T) {
	enc := newTestEncoder(t)
	ctx := context.Background()

	a := sampleEvent()
	b := sampleEvent()
	b.Action.Verb = "delete"

	va, err := enc.Encode(ctx, a)
	require.NoError(t, err)
	vb, err := enc.Encode(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, va.Slots()[0], vb.Slots()[0], "action slot should differ")
	assert.Equal(t, va.Slots()[1], vb.Slots()[1], "resource slot should be unaffected")
	assert.Equal(t, va.Slots()[2], vb.Slots()[2], "data slot should be unaffected")
	assert.Equal(t, va.Slots()[3], vb.Slots()[3], "risk slot should be unaffected")
}

// TestVectorBytesRoundTrip covers the wire/BLOB layout of §6: 128
// little-endian float32 values, decodable back to the original vector.
func TestVectorBytesRoundTrip(t *testing.T) {
	enc := newTestEncoder(t)
	v, err := enc.Encode(context.Background(), sampleEvent())
	require.NoError(t, err)

	b := v.Bytes()
	require.Len(t, b, 128*4)

	got, err := FromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, *v, *got)
}

// TestDotProductSelfIsSlotCount covers Dot (used for drift/similarity
// scoring) on an encoded vector against itself: each of the four slots is
// unit-norm, so the self-dot is 4, not 1.
func TestDotProductSelfIsSlotCount(t *testing.T) {
	enc := newTestEncoder(t)
	v, err := enc.Encode(context.Background(), sampleEvent())
	require.NoError(t, err)

	// Each slot is independently unit-norm, so the whole 128-dim vector's
	// squared magnitude is the number of slots (4), not 1; dotting it with
	// itself should equal that magnitude exactly.
	assert.InDelta(t, 4.0, Dot(v, v), 1e-4)
}
