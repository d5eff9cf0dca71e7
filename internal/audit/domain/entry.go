package domain

import "time"

// Entry is one persisted audit record of a lifecycle event.
type Entry struct {
	ID          string
	Action      string
	SubjectType string
	SubjectID   string
	SessionID   string
	Resource    string
	ResourceID  string
	// Status is "ok" or the stable error status of a failed operation.
	Status    string
	IP        string
	Metadata  string // JSON object, empty when none
	CreatedAt time.Time
}
