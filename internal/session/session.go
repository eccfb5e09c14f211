// Package session defines the session model, the typed event stream, the
// in-process pub-sub broker and the durable SQLite-backed store.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusImplementing     Status = "implementing"
	StatusTesting          Status = "testing"
	StatusReviewing        Status = "reviewing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusAwaitingApproval,
		StatusImplementing, StatusTesting, StatusReviewing,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Session is one end-to-end improvement run.
type Session struct {
	ID           string    `json:"id"`
	Mission      string    `json:"mission,omitempty"`
	ProjectPath  string    `json:"project_path"`
	Status       Status    `json:"status"`
	InitialScore float64   `json:"initial_score"`
	FinalScore   float64   `json:"final_score"`
	CommitCount  int       `json:"commit_count"`
	Branch       string    `json:"branch,omitempty"`
	StoppedFor   string    `json:"stopped_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ErrTerminal indicates an attempted update to a session that already
// reached a terminal status.
type ErrTerminal struct {
	ID     string
	Status Status
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("session %s is terminal (%s) and cannot be updated", e.ID, e.Status)
}

// CommitRecord is one accepted improvement.
type CommitRecord struct {
	Hash       string    `json:"hash"`
	Message    string    `json:"message"`
	ScoreDelta float64   `json:"score_delta"`
	Timestamp  time.Time `json:"timestamp"`
}
