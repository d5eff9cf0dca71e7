package domain

import (
	"encoding/json"
	"time"
)

// Event is one lifecycle event shipped to the telemetry sinks. Metadata is an
// arbitrary JSON object.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	SubjectType string          `json:"subject_type,omitempty"`
	SubjectID   string          `json:"subject_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Source      string          `json:"source,omitempty"`
	Status      string          `json:"status,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
