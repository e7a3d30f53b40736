package state

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store with the same semantics as MongoStore.
// It backs development mode and tests; it does not survive a restart.
type MemStore struct {
	mu         sync.Mutex
	studies    map[string]*Study
	executions map[string]*Execution
	results    map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		studies:    make(map[string]*Study),
		executions: make(map[string]*Execution),
		results:    make(map[string][]byte),
	}
}

func (s *MemStore) Close(ctx context.Context) error { return nil }

// Study operations

func (s *MemStore) SaveStudy(ctx context.Context, study *Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *study
	s.studies[study.ID] = &cp
	return nil
}

func (s *MemStore) GetStudy(ctx context.Context, id string) (*Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	study, ok := s.studies[id]
	if !ok {
		return nil, ErrStudyNotFound
	}
	cp := *study
	return &cp, nil
}

func (s *MemStore) ListStudies(ctx context.Context) ([]StudySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]StudySummary, 0, len(s.studies))
	for _, study := range s.studies {
		summaries = append(summaries, StudySummary{
			ID:          study.ID,
			Name:        study.Name,
			Description: study.Description,
			StudyType:   study.StudyType,
			Researcher:  study.Researcher,
			Institution: study.Institution,
			ScriptKind:  study.ScriptKind,
			CreatedAt:   study.CreatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Execution operations

func (s *MemStore) CreateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Same guard the partial unique index provides in Mongo: the check
	// and insert happen under one lock.
	for _, existing := range s.executions {
		if existing.StudyID == exec.StudyID && existing.Active {
			return ErrActiveExecution
		}
	}

	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *MemStore) ListExecutions(ctx context.Context, studyID string) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var execs []Execution
	for _, exec := range s.executions {
		if exec.StudyID == studyID {
			execs = append(execs, *exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
	return execs, nil
}

func (s *MemStore) ListActiveExecutions(ctx context.Context) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var execs []Execution
	for _, exec := range s.executions {
		if exec.Active {
			execs = append(execs, *exec)
		}
	}
	return execs, nil
}

func (s *MemStore) MarkExecutionRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.Status != ExecutionPending {
		return ErrExecutionTerminal
	}

	now := time.Now().UTC()
	exec.Status = ExecutionRunning
	exec.StartedAt = &now
	return nil
}

func (s *MemStore) SetExecutionLog(ctx context.Context, id, logText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if !exec.Active {
		return ErrExecutionTerminal
	}
	exec.Log = logText
	return nil
}

func (s *MemStore) CompleteExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("non-terminal status %q in completion", update.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if !exec.Active {
		return ErrExecutionTerminal
	}

	now := time.Now().UTC()
	exec.Status = update.Status
	exec.Active = false
	exec.Log = update.Log
	exec.ExitCode = update.ExitCode
	if update.ErrorMessage != "" {
		exec.ErrorMessage = update.ErrorMessage
	}
	exec.CompletedAt = &now
	return nil
}

// Result operations

func (s *MemStore) PutResult(ctx context.Context, executionID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.results[executionID]; ok {
		if bytes.Equal(existing, payload) {
			return nil
		}
		return ErrResultMismatch
	}

	s.results[executionID] = append([]byte(nil), payload...)
	return nil
}

func (s *MemStore) GetResult(ctx context.Context, executionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.results[executionID]
	if !ok {
		return nil, ErrResultNotFound
	}
	return append([]byte(nil), payload...), nil
}
