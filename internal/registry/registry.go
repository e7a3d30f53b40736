// Package registry manages the catalog of registered studies.
package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/indicate-spe/spe-core/internal/sandbox"
	"github.com/indicate-spe/spe-core/internal/state"
)

// Validation errors surfaced to the API as 400s.
var (
	ErrEmptyScript = errors.New("study script is empty")
	ErrUnknownKind = errors.New("unknown script kind")
)

// Study types reported in study metadata, one per script kind.
const (
	TypeCohortAnalysis  = "cohort_analysis"
	TypeGeneralAnalysis = "general_analysis"
	TypeInlineAnalysis  = "inline_analysis"
)

// Metadata is the free-text study metadata supplied at registration.
type Metadata struct {
	Name        string
	Description string
	Researcher  string
	Institution string
}

// Registry persists and retrieves study packages.
type Registry struct {
	store state.Store
}

// New creates a Registry over the given store.
func New(store state.Store) *Registry {
	return &Registry{store: store}
}

// KindForFilename infers the script kind from the file extension.
// The mapping is deliberately explicit rather than heuristic:
//
//	.R, .r  -> R          (study type cohort_analysis)
//	.py     -> Python     (study type general_analysis)
//	.js     -> JavaScript (study type inline_analysis)
//
// Any other extension is unknown; callers that know the kind should
// pass it explicitly, which always wins over the inference.
func KindForFilename(filename string) (sandbox.Kind, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".r":
		return sandbox.KindR, nil
	case ".py":
		return sandbox.KindPython, nil
	case ".js":
		return sandbox.KindJavaScript, nil
	}
	return "", ErrUnknownKind
}

// studyType maps a script kind to the reported study type.
func studyType(kind sandbox.Kind) string {
	switch kind {
	case sandbox.KindR:
		return TypeCohortAnalysis
	case sandbox.KindPython:
		return TypeGeneralAnalysis
	case sandbox.KindJavaScript:
		return TypeInlineAnalysis
	}
	return TypeGeneralAnalysis
}

// Register validates and persists a new study. The kind parameter is
// optional: when empty it is inferred from the script filename.
func (r *Registry) Register(ctx context.Context, script []byte, filename string, kind sandbox.Kind, meta Metadata) (*state.Study, error) {
	if len(script) == 0 {
		return nil, ErrEmptyScript
	}

	if kind == "" {
		inferred, err := KindForFilename(filename)
		if err != nil {
			return nil, err
		}
		kind = inferred
	}
	if !sandbox.SupportedKind(kind) {
		return nil, ErrUnknownKind
	}

	name := meta.Name
	if name == "" {
		name = filename
	}

	study := &state.Study{
		ID:          uuid.New().String(),
		Name:        name,
		Description: meta.Description,
		StudyType:   studyType(kind),
		Researcher:  meta.Researcher,
		Institution: meta.Institution,
		ScriptName:  filename,
		ScriptKind:  string(kind),
		Script:      script,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.store.SaveStudy(ctx, study); err != nil {
		return nil, err
	}
	return study, nil
}

// Get retrieves a study by id.
func (r *Registry) Get(ctx context.Context, id string) (*state.Study, error) {
	return r.store.GetStudy(ctx, id)
}

// List returns study summaries, most recent first.
func (r *Registry) List(ctx context.Context) ([]state.StudySummary, error) {
	return r.store.ListStudies(ctx)
}
