// Package audit implements the append-only audit log and chain-of-custody
// queries. Entries are never updated or deleted; per entity they are totally
// ordered by (timestamp, sequence) and hash-chained so tampering is
// detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is one immutable audit row.
type Entry struct {
	ID            string                 `json:"id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	Action        string                 `json:"action"`
	Actor         string                 `json:"actor"`
	Timestamp     time.Time              `json:"timestamp"`
	Sequence      int64                  `json:"sequence"`
	Before        map[string]interface{} `json:"before,omitempty"`
	After         map[string]interface{} `json:"after,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ContentHash   string                 `json:"content_hash"`
}

// chainHash computes the entry's content hash, chained onto the previous
// entry's hash for the same entity.
func chainHash(prev string, e *Entry) string {
	payload, _ := json.Marshal(struct {
		EntityType    string                 `json:"entity_type"`
		EntityID      string                 `json:"entity_id"`
		Action        string                 `json:"action"`
		Actor         string                 `json:"actor"`
		Timestamp     int64                  `json:"ts_ms"`
		Sequence      int64                  `json:"sequence"`
		Before        map[string]interface{} `json:"before,omitempty"`
		After         map[string]interface{} `json:"after,omitempty"`
		CorrelationID string                 `json:"correlation_id,omitempty"`
	}{
		e.EntityType, e.EntityID, e.Action, e.Actor,
		e.Timestamp.UnixMilli(), e.Sequence, e.Before, e.After, e.CorrelationID,
	})
	sum := sha256.Sum256(append([]byte(prev), payload...))
	return hex.EncodeToString(sum[:])
}
