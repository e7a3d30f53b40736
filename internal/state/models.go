// Package state provides durable storage for studies, executions, and results.
package state

import (
	"errors"
	"time"
)

// ExecutionStatus represents the status of a study execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
)

// Terminal reports whether s is a terminal status. Terminal executions
// are immutable.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut:
		return true
	}
	return false
}

// Storage errors shared by all Store implementations.
var (
	ErrStudyNotFound     = errors.New("study not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrResultNotFound    = errors.New("result not found")

	// ErrActiveExecution is returned when a study already has an
	// execution in PENDING or RUNNING.
	ErrActiveExecution = errors.New("study already has an active execution")

	// ErrResultMismatch is returned when a result is written twice with
	// different payloads. Results are write-once.
	ErrResultMismatch = errors.New("result already stored with a different payload")

	// ErrExecutionTerminal is returned on an attempt to transition an
	// execution that has already reached a terminal status.
	ErrExecutionTerminal = errors.New("execution is already terminal")
)

// Study represents a registered study package.
type Study struct {
	ID          string    `bson:"_id" json:"study_id"`
	Name        string    `bson:"name" json:"study_name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	StudyType   string    `bson:"study_type" json:"study_type"`
	Researcher  string    `bson:"researcher" json:"researcher"`
	Institution string    `bson:"institution" json:"institution"`
	ScriptName  string    `bson:"script_name" json:"script_name"`
	ScriptKind  string    `bson:"script_kind" json:"script_kind"`
	Script      []byte    `bson:"script" json:"-"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// StudySummary is a lightweight view of a study without script content.
type StudySummary struct {
	ID          string    `bson:"_id" json:"study_id"`
	Name        string    `bson:"name" json:"study_name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	StudyType   string    `bson:"study_type" json:"study_type"`
	Researcher  string    `bson:"researcher" json:"researcher"`
	Institution string    `bson:"institution" json:"institution"`
	ScriptKind  string    `bson:"script_kind" json:"script_kind"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// Execution represents a single run of a study script.
//
// At most one execution per study may be non-terminal at a time; the
// Active flag backs the unique index that enforces this.
type Execution struct {
	ID           string          `bson:"_id" json:"execution_id"`
	StudyID      string          `bson:"study_id" json:"study_id"`
	Status       ExecutionStatus `bson:"status" json:"status"`
	Active       bool            `bson:"active" json:"-"`
	Log          string          `bson:"log,omitempty" json:"-"`
	ErrorMessage string          `bson:"error_message,omitempty" json:"error_message,omitempty"`
	ExitCode     int             `bson:"exit_code" json:"exit_code"`
	CreatedAt    time.Time       `bson:"created_at" json:"created_at"`
	StartedAt    *time.Time      `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Result is the write-once JSON payload produced by a successful
// execution, keyed by execution id.
type Result struct {
	ExecutionID string    `bson:"_id" json:"execution_id"`
	Payload     []byte    `bson:"payload" json:"-"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// ExecutionUpdate describes a terminal transition applied to a RUNNING
// execution.
type ExecutionUpdate struct {
	Status       ExecutionStatus
	Log          string
	ErrorMessage string
	ExitCode     int
}
