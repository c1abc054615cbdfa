package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/fencio-dev/driftguard/internal/semantics"
	"github.com/fencio-dev/driftguard/internal/wireformat"
)

// Vector is the fixed 128 float32 intent vector: four 32-value slots
// concatenated in the order (action, resource, data, risk). Each slot is
// L2-unit-norm (or exactly zero for degenerate slot text).
type Vector [128]float32

// Slots returns the four 32-value slot views, in order.
func (v *Vector) Slots() [4][]float32 {
	return [4][]float32{v[0:32], v[32:64], v[64:96], v[96:128]}
}

// Encoder builds Vectors from canonical Events via the shared semantic
// encoder (C2). Slot-text composition below is part of the protocol: it
// must be identical across implementations so identical canonical intents
// yield byte-identical vectors.
type Encoder struct {
	enc *semantics.Encoder
}

// NewEncoder wraps a semantic encoder for intent-vector construction.
func NewEncoder(enc *semantics.Encoder) *Encoder {
	return &Encoder{enc: enc}
}

func orUnknown(field, value string) string {
	if value == "" {
		return fmt.Sprintf("%s is unknown", field)
	}
	return fmt.Sprintf("%s is %s", field, value)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func actionText(e *Event) string {
	parts := []string{orUnknown("action", e.Action.Verb), orUnknown("actor_type", e.Actor.Type)}
	if e.Action.ToolName != "" {
		parts = append(parts, orUnknown("tool_name", e.Action.ToolName))
	}
	return strings.Join(parts, " | ")
}

func resourceText(e *Event) string {
	parts := []string{orUnknown("resource_type", e.Resource.Type), orUnknown("resource_location", e.Resource.Location)}
	if e.Resource.Name != "" {
		parts = append(parts, orUnknown("resource_name", e.Resource.Name))
	}
	return strings.Join(parts, " | ")
}

func dataText(e *Event) string {
	sens := "unknown"
	if len(e.Data.Sensitivity) > 0 {
		sens = strings.Join(e.Data.Sensitivity, ",")
	}
	parts := []string{
		fmt.Sprintf("sensitivity is %s", sens),
		fmt.Sprintf("pii is %s", boolStr(e.Data.PII)),
		orUnknown("volume", e.Data.Volume),
	}
	return strings.Join(parts, " | ")
}

func riskText(e *Event) string {
	parts := []string{orUnknown("authn", e.Risk.Authn), orUnknown("authz", e.Risk.Authz)}
	return strings.Join(parts, " | ")
}

// Encode builds the 128-dim intent vector for e. Returns ENCODER_UNAVAILABLE
// (via the semantic encoder) on embedding failure.
func (enc *Encoder) Encode(ctx context.Context, e *Event) (*Vector, error) {
	var v Vector

	action, err := enc.enc.EncodeSlot(ctx, actionText(e), semantics.LayerAction)
	if err != nil {
		return nil, err
	}
	resource, err := enc.enc.EncodeSlot(ctx, resourceText(e), semantics.LayerResource)
	if err != nil {
		return nil, err
	}
	data, err := enc.enc.EncodeSlot(ctx, dataText(e), semantics.LayerData)
	if err != nil {
		return nil, err
	}
	risk, err := enc.enc.EncodeSlot(ctx, riskText(e), semantics.LayerRisk)
	if err != nil {
		return nil, err
	}

	copy(v[0:32], action)
	copy(v[32:64], resource)
	copy(v[64:96], data)
	copy(v[96:128], risk)
	return &v, nil
}

// Dot returns the dot product of two 128-dim vectors.
func Dot(a, b *Vector) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Bytes serializes v as 128 little-endian float32 values, the wire/BLOB
// layout required by §6.
func (v *Vector) Bytes() []byte {
	return wireformat.EncodeFloat32LE(v[:])
}

// FromBytes decodes 128 little-endian float32 values into a Vector.
func FromBytes(b []byte) (*Vector, error) {
	f, err := wireformat.DecodeFloat32LE(b, 128)
	if err != nil {
		return nil, err
	}
	var v Vector
	copy(v[:], f)
	return &v, nil
}
