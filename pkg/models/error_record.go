package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
)

// UnknownOrigin is stored when no addon or source could be extracted from a line.
const UnknownOrigin = "unknown"

// ErrorRecord is one distinct recurring error signature seen on one monitored server.
type ErrorRecord struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	DedupKey        string     `db:"dedup_key"        json:"dedup_key"`
	ServerID        string     `db:"server_id"        json:"server_id"`
	Level           string     `db:"level"            json:"level"`
	Category        string     `db:"category"         json:"category"`
	Message         string     `db:"message"          json:"message"`
	Origin          string     `db:"origin"           json:"origin"`
	StackTrace      string     `db:"stack_trace"      json:"stack_trace"`
	Context         string     `db:"context"          json:"context"`
	OccurrenceCount int        `db:"occurrence_count" json:"occurrence_count"`
	FirstSeen       time.Time  `db:"first_seen"       json:"first_seen"`
	LastSeen        time.Time  `db:"last_seen"        json:"last_seen"`
	Status          string     `db:"status"           json:"status"`
	ResolvedAt      *time.Time `db:"resolved_at"      json:"resolved_at,omitempty"`
	ClosedAt        *time.Time `db:"closed_at"        json:"closed_at,omitempty"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}

// ValidStatus reports whether s is one of the lifecycle states.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// ValidLevel reports whether l is a known severity tag.
func ValidLevel(l string) bool {
	switch l {
	case LevelError, LevelWarning, LevelInfo:
		return true
	}
	return false
}
