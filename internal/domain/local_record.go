package domain

import "time"

// LocalRecord is one row of the local record store. Fields holds the
// full local view of the record keyed by catalog field name. Only the
// apply-local phase mutates it.
type LocalRecord struct {
	ID         string
	RecordType string
	RemoteID   string
	Fields     map[string]any
	UpdatedAt  time.Time
}
