package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Trigger is an inbound upload/notification event. Delivery is at-least-once;
// the idempotency guard decides what to do with duplicates and retries.
type Trigger struct {
	DocumentID    string `json:"document_id"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ObjectKey     string `json:"object_key"`
}

// Validate checks the fields needed to form an instance key.
func (t *Trigger) Validate() error {
	if t.DocumentID == "" {
		return NewBadRequestError("document_id is required")
	}
	switch t.Source {
	case SourcePrimary, SourceCounterparty:
	default:
		return NewBadRequestError(fmt.Sprintf("unknown source classification %q", t.Source))
	}
	if t.ObjectKey == "" {
		return NewBadRequestError("object_key is required")
	}
	return nil
}

// InstanceKey derives the canonical workflow instance key. One document from
// one source maps to exactly one instance, no matter how often the trigger
// is delivered.
func (t *Trigger) InstanceKey() string {
	return strings.ToUpper(t.Source) + ":" + t.DocumentID
}

// Marker returns a deterministic signature of the trigger payload, used to
// distinguish duplicate deliveries from genuinely new triggers that collide
// on the same instance key.
func (t *Trigger) Marker() string {
	data, _ := json.Marshal(struct {
		DocumentID string `json:"document_id"`
		Source     string `json:"source"`
		ObjectKey  string `json:"object_key"`
	}{t.DocumentID, t.Source, t.ObjectKey})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
