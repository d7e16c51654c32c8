// Package audit appends the append-only record of state-mutating actions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/store"
)

// Writer records audit entries for the state-mutating actions its callers
// report.
type Writer struct {
	store store.Store
}

// NewWriter creates a new audit writer.
func NewWriter(s store.Store) *Writer {
	return &Writer{store: s}
}

// Record appends one entry. details is marshalled as the entry's opaque
// document together with a reproducibility hash of the inputs.
func (w *Writer) Record(ctx context.Context, actorAgentID, action, subjectID string, details any) error {
	doc := map[string]any{
		"inputs_hash": hashInputs(details),
	}
	if details != nil {
		doc["details"] = details
	}
	data, err := json.Marshal(doc)
	if err != nil {
		data = []byte(`{"inputs_hash":"marshal_error"}`)
	}

	return w.store.PublishAudit(ctx, &models.AuditEntry{
		ActorAgentID: actorAgentID,
		Action:       action,
		SubjectID:    subjectID,
		Details:      data,
		At:           time.Now().UTC(),
	})
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
