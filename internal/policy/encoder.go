package policy

import (
	"context"

	"github.com/fencio-dev/driftguard/internal/semantics"
)

// Encoder is C4: builds a RuleVector from a canonical Boundary. For each of
// the four layers it enumerates the constraint group's tokens in canonical
// order, caps at AnchorCap, and encodes each token via the shared semantic
// encoder (C2) against that layer's slot name.
type Encoder struct {
	enc *semantics.Encoder
}

// NewEncoder wraps a semantic encoder for policy anchor construction.
func NewEncoder(enc *semantics.Encoder) *Encoder {
	return &Encoder{enc: enc}
}

// Encode builds the RuleVector for b. Returns ENCODER_UNAVAILABLE (from the
// underlying semantic encoder) if any anchor embed fails.
func (e *Encoder) Encode(ctx context.Context, b *Boundary) (*RuleVector, error) {
	rv := NewRuleVector()
	for _, layer := range Layers {
		group := b.Constraints.byLayer(layer)
		tokens := group.Tokens
		if len(tokens) > AnchorCap {
			tokens = tokens[:AnchorCap]
		}
		var matrix [AnchorCap][semantics.SlotDim]float32
		for i, tok := range tokens {
			anchor, err := e.enc.EncodeSlot(ctx, tok, layer)
			if err != nil {
				return nil, err
			}
			copy(matrix[i][:], anchor)
		}
		rv.Layers[layer] = matrix
		rv.Counts[layer] = len(tokens)
	}
	return rv, nil
}
