package semantics

import (
	"context"
	"time"

	"github.com/fencio-dev/driftguard/internal/apperr"
	"github.com/fencio-dev/driftguard/internal/embeddings"
	"github.com/fencio-dev/driftguard/internal/metrics"
)

// Encoder is C2: it turns free text into one normalized 32-value slot
// vector. It does not compose slot text itself — that is the caller's duty
// (C3, C4) — so that projection seeds stay bound to a fixed, documented
// slot schema instead of coupling this layer to intent/policy shapes.
type Encoder struct {
	embed *embeddings.Service
	model string
}

// NewEncoder builds an Encoder over an already-initialized embedding
// service. model is passed through to the embedding service; empty uses
// the service's configured default.
func NewEncoder(embed *embeddings.Service, model string) *Encoder {
	return &Encoder{embed: embed, model: model}
}

// EncodeSlot embeds text, projects it through layer's matrix, and
// L2-normalizes the result. A degenerate (all-empty) text yields a zero
// norm after projection and is returned unchanged, per §4.2. Embedding
// failure surfaces ENCODER_UNAVAILABLE.
func (e *Encoder) EncodeSlot(ctx context.Context, text string, layer string) ([]float32, error) {
	start := time.Now()
	emb, err := e.embed.GenerateEmbedding(ctx, text, e.model)
	if err != nil {
		metrics.RecordEncodeMetrics("slot", time.Since(start).Seconds(), err)
		return nil, apperr.Wrap(apperr.KindEncoderUnavailable, "embedding function failed", err)
	}
	vec := ProjectionFor(layer).MultiplyL2Normalize(emb)
	metrics.RecordEncodeMetrics("slot", time.Since(start).Seconds(), nil)
	return vec, nil
}
