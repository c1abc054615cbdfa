package vectordb

import "time"

// Config controls the anchor-payload vector-index client.
type Config struct {
	Enabled bool
	Host    string
	Port    int
	// CollectionPrefix names the per-tenant collection: "<prefix>_<tenant_id>".
	CollectionPrefix string
	Timeout          time.Duration
}

// UpsertItem represents a single point to insert into the vector index.
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures the vector-index's upsert acknowledgement.
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
