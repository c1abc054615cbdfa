package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/apperr"
	"github.com/fencio-dev/driftguard/internal/db"
	"github.com/fencio-dev/driftguard/internal/decisionclient"
	"github.com/fencio-dev/driftguard/internal/metrics"
	"github.com/fencio-dev/driftguard/internal/semantics"
	"github.com/fencio-dev/driftguard/internal/vectordb"
)

// Store is C6: the three-backing-store policy entity (relational row,
// anchor payload, remote decision-service rules) kept consistent under
// partial failure per §4.6.
type Store struct {
	db     *db.Client
	vec    *vectordb.Client
	dc     *decisionclient.Client
	enc    *Encoder
	logger *zap.Logger
}

// NewStore composes C6 from its three backing collaborators.
func NewStore(dbClient *db.Client, vecClient *vectordb.Client, dc *decisionclient.Client, enc *Encoder, logger *zap.Logger) *Store {
	return &Store{db: dbClient, vec: vecClient, dc: dc, enc: enc, logger: logger}
}

// canonicalize normalizes token order/casing within b's constraint groups.
// The spec treats the canonicalizer as an external collaborator; this
// implementation's duty is only to preserve whatever order it receives, so
// this is presently the identity transform.
func canonicalize(b *Boundary) {}

// Create inserts the relational row, encodes the anchor payload, and
// upserts it. If the anchor upsert fails, the relational row is deleted
// before the error is surfaced (compensating delete, §4.6 step 5).
func (s *Store) Create(ctx context.Context, b *Boundary) error {
	if b.Scope.TenantID != b.TenantID {
		return apperr.New(apperr.KindValidation, "scope.tenant_id must equal tenant_id")
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now

	if err := s.insertRow(ctx, b); err != nil {
		return err
	}

	canonicalize(b)
	rv, err := s.enc.Encode(ctx, b)
	if err != nil {
		s.compensateDelete(ctx, b.TenantID, b.ID, "create: anchor encode failed")
		return err
	}
	if err := s.upsertAnchor(ctx, b.TenantID, b.ID, rv, now); err != nil {
		s.compensateDelete(ctx, b.TenantID, b.ID, "create: anchor upsert failed")
		return apperr.Wrap(apperr.KindBadGateway, "failed to upsert anchor payload", err)
	}
	return nil
}

func (s *Store) compensateDelete(ctx context.Context, tenantID, id, reason string) {
	if _, err := s.db.GetDB().ExecContext(ctx, `DELETE FROM policies_v2 WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		s.logger.Error("policy create compensation failed: relational row may be orphaned",
			zap.String("tenant_id", tenantID), zap.String("policy_id", id), zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Store) insertRow(ctx context.Context, b *Boundary) error {
	scopeJSON, err := json.Marshal(b.Scope)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "failed to marshal scope", err)
	}
	constraintsJSON, err := json.Marshal(b.Constraints)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "failed to marshal constraints", err)
	}
	_, err = s.db.GetDB().ExecContext(ctx,
		`INSERT INTO policies_v2 (tenant_id, id, name, status, type, schema_version, layer, scope_json, constraints_json, rules, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.TenantID, b.ID, b.Name, b.Status, b.Type, b.SchemaVersion, b.Layer, string(scopeJSON), string(constraintsJSON), b.Rules, b.Notes, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperr.Wrap(apperr.KindConflict, fmt.Sprintf("policy %s already exists for tenant %s", b.ID, b.TenantID), err)
		}
		return apperr.Wrap(apperr.KindInternal, "failed to insert policy row", err)
	}
	return nil
}

// Update rewrites the relational row then re-derives the anchor payload.
// If encoding or the anchor upsert fails, the prior row is restored and
// the error is surfaced (never left half-applied, §4.6 step 5).
func (s *Store) Update(ctx context.Context, b *Boundary) error {
	prior, err := s.Get(ctx, b.TenantID, b.ID)
	if err != nil {
		return err
	}
	if b.Scope.TenantID != b.TenantID {
		return apperr.New(apperr.KindValidation, "scope.tenant_id must equal tenant_id")
	}
	now := time.Now()
	b.CreatedAt = prior.CreatedAt
	b.UpdatedAt = now

	if err := s.updateRow(ctx, b); err != nil {
		return err
	}

	canonicalize(b)
	rv, encErr := s.enc.Encode(ctx, b)
	if encErr != nil {
		s.restoreRow(ctx, prior, "update: anchor encode failed")
		return apperr.Wrap(apperr.KindInternal, "update incomplete: relational row restored after anchor encode failure", encErr)
	}
	if err := s.upsertAnchor(ctx, b.TenantID, b.ID, rv, now); err != nil {
		s.restoreRow(ctx, prior, "update: anchor upsert failed")
		return apperr.Wrap(apperr.KindInternal, "update incomplete: relational row restored after anchor upsert failure", err)
	}
	return nil
}

func (s *Store) updateRow(ctx context.Context, b *Boundary) error {
	scopeJSON, err := json.Marshal(b.Scope)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "failed to marshal scope", err)
	}
	constraintsJSON, err := json.Marshal(b.Constraints)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "failed to marshal constraints", err)
	}
	_, err = s.db.GetDB().ExecContext(ctx,
		`UPDATE policies_v2 SET name=?, status=?, type=?, schema_version=?, layer=?, scope_json=?, constraints_json=?, rules=?, notes=?, updated_at=?
		 WHERE tenant_id = ? AND id = ?`,
		b.Name, b.Status, b.Type, b.SchemaVersion, b.Layer, string(scopeJSON), string(constraintsJSON), b.Rules, b.Notes, b.UpdatedAt,
		b.TenantID, b.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update policy row", err)
	}
	return nil
}

func (s *Store) restoreRow(ctx context.Context, prior *Boundary, reason string) {
	if err := s.updateRow(ctx, prior); err != nil {
		s.logger.Error("policy update compensation failed: relational row left inconsistent with anchor payload",
			zap.String("tenant_id", prior.TenantID), zap.String("policy_id", prior.ID), zap.String("reason", reason), zap.Error(err))
	}
}

// Delete removes a policy from all three backing stores. The remote
// decision service is authoritative: if it reports failure, no local
// state changes (§4.6 delete discipline).
func (s *Store) Delete(ctx context.Context, tenantID, policyID string) error {
	if _, err := s.Get(ctx, tenantID, policyID); err != nil {
		return err
	}

	resp, err := s.dc.RemovePolicy(ctx, tenantID, policyID)
	if err != nil {
		return err // already BAD_GATEWAY from decisionclient
	}
	if !resp.Success {
		return apperr.New(apperr.KindBadGateway, fmt.Sprintf("decision service refused to remove policy %s: %s", policyID, resp.Message))
	}

	if _, err := s.db.GetDB().ExecContext(ctx, `DELETE FROM policies_v2 WHERE tenant_id = ? AND id = ?`, tenantID, policyID); err != nil {
		s.logger.Error("policy row delete failed after remote removal succeeded: operator action required",
			zap.String("tenant_id", tenantID), zap.String("policy_id", policyID), zap.Error(err))
		return apperr.Wrap(apperr.KindInternal, "relational delete failed; remote state is now authoritative and inconsistent", err)
	}

	if s.vec != nil {
		if err := s.vec.Delete(ctx, s.vec.Collection(tenantID), policyID); err != nil {
			s.logger.Warn("best-effort anchor payload delete failed", zap.String("tenant_id", tenantID), zap.String("policy_id", policyID), zap.Error(err))
		}
	}
	return nil
}

// ClearAll removes every policy for a tenant: remote rules first, then the
// relational rows, then a best-effort vector-index collection drop.
func (s *Store) ClearAll(ctx context.Context, tenantID string) error {
	resp, err := s.dc.RemoveAgentRules(ctx, tenantID)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apperr.New(apperr.KindBadGateway, fmt.Sprintf("decision service refused to clear rules for tenant %s: %s", tenantID, resp.Message))
	}

	if _, err := s.db.GetDB().ExecContext(ctx, `DELETE FROM policies_v2 WHERE tenant_id = ?`, tenantID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to bulk-delete policy rows", err)
	}

	if s.vec != nil {
		if err := s.vec.DropCollection(ctx, s.vec.Collection(tenantID)); err != nil {
			s.logger.Warn("best-effort collection drop failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return nil
}

// Get fetches one policy row by (tenant_id, id).
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Boundary, error) {
	row := s.db.GetDB().QueryRowContext(ctx,
		`SELECT tenant_id, id, name, status, type, schema_version, layer, scope_json, constraints_json, rules, notes, created_at, updated_at
		 FROM policies_v2 WHERE tenant_id = ? AND id = ?`, tenantID, id)
	b, err := scanBoundary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("policy %s not found for tenant %s", id, tenantID))
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read policy row", err)
	}
	return b, nil
}

// List returns up to limit policies for a tenant, newest-updated first.
func (s *Store) List(ctx context.Context, tenantID string, limit, offset int) ([]*Boundary, error) {
	if limit <= 0 || limit > ListPageMax {
		limit = ListPageMax
	}
	rows, err := s.db.GetDB().QueryContext(ctx,
		`SELECT tenant_id, id, name, status, type, schema_version, layer, scope_json, constraints_json, rules, notes, created_at, updated_at
		 FROM policies_v2 WHERE tenant_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list policy rows", err)
	}
	defer rows.Close()

	out := make([]*Boundary, 0, limit)
	for rows.Next() {
		b, err := scanBoundary(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan policy row", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ListPageMax is the hard cap on List's page size (mirrors session.ListPageMax).
const ListPageMax = 200

func (s *Store) upsertAnchor(ctx context.Context, tenantID, policyID string, rv *RuleVector, updatedAt time.Time) error {
	if s.vec == nil {
		return nil
	}
	payload := map[string]interface{}{
		"tenant_id":  tenantID,
		"policy_id":  policyID,
		"updated_at": updatedAt.Format(time.RFC3339Nano),
		"counts":     rv.Counts,
		"layers":     flattenLayers(rv),
	}
	item := vectordb.UpsertItem{ID: policyID, Vector: placeholderVector(rv), Payload: payload}
	_, err := s.vec.Upsert(ctx, s.vec.Collection(tenantID), item)
	metrics.RecordVectorSearchMetrics(s.vec.Collection(tenantID), statusOf(err), 0)
	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// flattenLayers converts RuleVector's fixed-size arrays into JSON-friendly
// nested slices.
func flattenLayers(rv *RuleVector) map[string][][]float32 {
	out := make(map[string][][]float32, len(Layers))
	for _, layer := range Layers {
		matrix := rv.Layers[layer]
		rows := make([][]float32, AnchorCap)
		for i := range matrix {
			row := make([]float32, semantics.SlotDim)
			copy(row, matrix[i][:])
			rows[i] = row
		}
		out[layer] = rows
	}
	return out
}

// placeholderVector is the anchor payload's nominal vector-index entry:
// the action layer's first real anchor, or a zero vector if the policy
// has none. Actual anchor matching is the decision service's job; this
// value only lets the vector index accept the point.
func placeholderVector(rv *RuleVector) []float32 {
	if rv.Counts[semantics.LayerAction] > 0 {
		v := rv.Layers[semantics.LayerAction][0]
		out := make([]float32, semantics.SlotDim)
		copy(out, v[:])
		return out
	}
	return make([]float32, semantics.SlotDim)
}

func scanBoundary(r interface{ Scan(...interface{}) error }) (*Boundary, error) {
	var b Boundary
	var scopeJSON, constraintsJSON string
	if err := r.Scan(&b.TenantID, &b.ID, &b.Name, &b.Status, &b.Type, &b.SchemaVersion, &b.Layer,
		&scopeJSON, &constraintsJSON, &b.Rules, &b.Notes, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopeJSON), &b.Scope); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &b.Constraints); err != nil {
		return nil, err
	}
	return &b, nil
}
