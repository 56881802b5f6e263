// Package audit defines the append-only audit trail written alongside
// privileged mutations.
package audit

import "time"

// Action identifies what was done to the audited entity.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
)

// Entry records one mutation. Before/After are structured key-value
// snapshots rather than opaque blobs so the trail stays queryable.
type Entry struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     Action            `json:"action"`
	Before     map[string]string `json:"before,omitempty"`
	After      map[string]string `json:"after,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
