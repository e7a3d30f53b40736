package state

import "context"

// Store is the persistence boundary for the coordinator: studies,
// executions, and results all survive a process restart (except in the
// in-memory development store).
type Store interface {
	// SaveStudy persists a new study.
	SaveStudy(ctx context.Context, study *Study) error
	// GetStudy retrieves a study by id, ErrStudyNotFound if absent.
	GetStudy(ctx context.Context, id string) (*Study, error)
	// ListStudies returns study summaries, most recent first.
	ListStudies(ctx context.Context) ([]StudySummary, error)

	// CreateExecution persists a new PENDING execution. It fails with
	// ErrActiveExecution if the study already has a non-terminal
	// execution; the check-and-insert is atomic.
	CreateExecution(ctx context.Context, exec *Execution) error
	// GetExecution retrieves an execution by id.
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ListExecutions returns all executions for a study, most recent first.
	ListExecutions(ctx context.Context, studyID string) ([]Execution, error)
	// ListActiveExecutions returns all PENDING and RUNNING executions.
	ListActiveExecutions(ctx context.Context) ([]Execution, error)
	// MarkExecutionRunning transitions PENDING to RUNNING and stamps
	// started_at. Fails with ErrExecutionTerminal if already terminal.
	MarkExecutionRunning(ctx context.Context, id string) error
	// SetExecutionLog replaces the captured log text of a non-terminal
	// execution.
	SetExecutionLog(ctx context.Context, id, logText string) error
	// CompleteExecution applies a terminal transition to a non-terminal
	// execution, stamping completed_at. Terminal executions are never
	// mutated again.
	CompleteExecution(ctx context.Context, id string, update ExecutionUpdate) error

	// PutResult stores the write-once result payload for an execution.
	// A repeated put with an identical payload is a no-op; a different
	// payload fails with ErrResultMismatch.
	PutResult(ctx context.Context, executionID string, payload []byte) error
	// GetResult retrieves a stored result payload.
	GetResult(ctx context.Context, executionID string) ([]byte, error)

	// Close releases storage resources.
	Close(ctx context.Context) error
}
