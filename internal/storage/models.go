package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Queue entry statuses. "processing" is the transient claim marker that keeps
// concurrent pipeline invocations from analyzing the same entry twice.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusError      = "error"
	StatusCompleted  = "completed"
	StatusDeleted    = "deleted"
)

// KnownStatus reports whether s is one of the defined queue statuses.
func KnownStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusError, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// QueueEntry is the ledger row tracking one uploaded document through the
// analysis pipeline.
type QueueEntry struct {
	ID           string
	Filename     string
	Status       string
	AIResult     string // JSON-encoded analysis result, empty until processed
	UserFeedback string
	Indexed      bool
	ErrorReason  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
