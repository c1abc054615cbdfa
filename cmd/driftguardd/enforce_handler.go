package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/apperr"
	"github.com/fencio-dev/driftguard/internal/intent"
	"github.com/fencio-dev/driftguard/internal/orchestrator"
)

// enforceResponse is the wire shape of §6's EnforcementResponse.
type enforceResponse struct {
	Decision          string                 `json:"decision"`
	ModifiedParams    map[string]interface{} `json:"modified_params,omitempty"`
	DriftScore        float64                `json:"drift_score"`
	DriftTriggered    bool                   `json:"drift_triggered"`
	SliceSimilarities map[string]float64     `json:"slice_similarities,omitempty"`
	Evidence          interface{}            `json:"evidence,omitempty"`
}

func registerEnforceRoute(mux *http.ServeMux, engine *orchestrator.Orchestrator, logger *zap.Logger) {
	mux.HandleFunc("/api/v2/enforce", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var event intent.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, err := engine.Enforce(r.Context(), orchestrator.Request{
			Event:  &event,
			DryRun: r.URL.Query().Get("dry_run") == "true",
		})
		if err != nil {
			var ce *apperr.CoreError
			if errors.As(err, &ce) {
				writeJSONError(w, ce.Error(), ce.Kind.HTTPStatus())
				return
			}
			logger.Error("enforce failed", zap.Error(err))
			writeJSONError(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(enforceResponse{
			Decision:          resp.Decision,
			ModifiedParams:    resp.ModifiedParams,
			DriftScore:        resp.DriftScore,
			DriftTriggered:    resp.DriftTriggered,
			SliceSimilarities: resp.SliceSimilarities,
			Evidence:          resp.Evidence,
		})
	})
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
