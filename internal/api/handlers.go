package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/indicate-spe/spe-core/internal/coordinator"
	"github.com/indicate-spe/spe-core/internal/datastore"
	"github.com/indicate-spe/spe-core/internal/registry"
	"github.com/indicate-spe/spe-core/internal/sandbox"
	"github.com/indicate-spe/spe-core/internal/state"
)

// maxScriptSize bounds uploaded study scripts.
const maxScriptSize = 10 << 20

// Handler contains all HTTP handlers.
type Handler struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	dataStore   *datastore.Store
}

// NewHandler creates a new handler.
func NewHandler(reg *registry.Registry, coord *coordinator.Coordinator, dataStore *datastore.Store) *Handler {
	return &Handler{
		registry:    reg,
		coordinator: coord,
		dataStore:   dataStore,
	}
}

// HealthCheck reports service liveness and data store connectivity.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":     "healthy",
		"service":    "spe-core",
		"data_store": "unavailable",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if h.dataStore != nil {
		if err := h.dataStore.Ping(r.Context()); err != nil {
			resp["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp["data_store"] = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// DatasetSummary returns summary statistics of the clinical dataset.
func (h *Handler) DatasetSummary(w http.ResponseWriter, r *http.Request) {
	if h.dataStore == nil {
		h.errorResponse(w, "no clinical data store configured", http.StatusServiceUnavailable)
		return
	}

	summary, err := h.dataStore.Summary(r.Context())
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, summary)
}

// RegisterStudy accepts a multipart study upload: the script file plus
// metadata fields.
func (h *Handler) RegisterStudy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxScriptSize); err != nil {
		h.errorResponse(w, "invalid multipart request", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("study_file")
	if err != nil {
		h.errorResponse(w, "missing study_file upload", http.StatusBadRequest)
		return
	}
	defer file.Close()

	script, err := io.ReadAll(io.LimitReader(file, maxScriptSize+1))
	if err != nil {
		h.errorResponse(w, "failed to read study_file", http.StatusBadRequest)
		return
	}
	if len(script) > maxScriptSize {
		h.errorResponse(w, "study script too large", http.StatusBadRequest)
		return
	}

	var kind sandbox.Kind
	if k := r.FormValue("kind"); k != "" {
		kind, err = sandbox.ParseKind(k)
		if err != nil {
			h.domainError(w, err)
			return
		}
	}

	meta := registry.Metadata{
		Name:        r.FormValue("study_name"),
		Description: r.FormValue("description"),
		Researcher:  r.FormValue("researcher"),
		Institution: r.FormValue("institution"),
	}

	study, err := h.registry.Register(r.Context(), script, header.Filename, kind, meta)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, study)
}

// ListStudies returns all registered studies.
func (h *Handler) ListStudies(w http.ResponseWriter, r *http.Request) {
	studies, err := h.registry.List(r.Context())
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"studies": studies,
		"count":   len(studies),
	})
}

// GetStudy returns one study's metadata.
func (h *Handler) GetStudy(w http.ResponseWriter, r *http.Request) {
	study, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, study)
}

type executeRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// ExecuteStudy submits a study for execution and returns the PENDING
// execution record.
func (h *Handler) ExecuteStudy(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.TimeoutSeconds < 0 {
		h.errorResponse(w, "timeout_seconds must be positive", http.StatusBadRequest)
		return
	}

	exec, err := h.coordinator.Submit(r.Context(), chi.URLParam(r, "id"),
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusAccepted, exec)
}

// ListExecutions returns all executions for a study.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")

	if _, err := h.registry.Get(r.Context(), studyID); err != nil {
		h.domainError(w, err)
		return
	}

	execs, err := h.coordinator.Executions(r.Context(), studyID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// ExecutionStatus returns the current execution record.
func (h *Handler) ExecutionStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := h.studyExecution(r)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, exec)
}

// ExecutionResults returns the stored result payload of a SUCCEEDED
// execution. An execution still in flight gets 425; a failed one gets
// 409 with the captured log.
func (h *Handler) ExecutionResults(w http.ResponseWriter, r *http.Request) {
	exec, err := h.studyExecution(r)
	if err != nil {
		h.domainError(w, err)
		return
	}

	payload, err := h.coordinator.Result(r.Context(), exec.ID)
	if err != nil {
		h.domainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// ExecutionLogs returns the captured log text.
func (h *Handler) ExecutionLogs(w http.ResponseWriter, r *http.Request) {
	exec, err := h.studyExecution(r)
	if err != nil {
		h.domainError(w, err)
		return
	}

	logText, err := h.coordinator.Logs(r.Context(), exec.ID)
	if err != nil {
		h.domainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, logText)
}

// studyExecution resolves the {id}/{exec_id} pair, treating an
// execution that belongs to a different study as not found.
func (h *Handler) studyExecution(r *http.Request) (*state.Execution, error) {
	studyID := chi.URLParam(r, "id")
	execID := chi.URLParam(r, "exec_id")

	exec, err := h.coordinator.Status(r.Context(), execID)
	if err != nil {
		return nil, err
	}
	if exec.StudyID != studyID {
		return nil, state.ErrExecutionNotFound
	}
	return exec, nil
}

// domainError maps domain errors to HTTP status codes. Anything
// unrecognized is logged with full context and reported as a bare
// internal error.
func (h *Handler) domainError(w http.ResponseWriter, err error) {
	var failed *coordinator.ExecutionFailedError
	if errors.As(err, &failed) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     failed.Error(),
			"status":    string(failed.Status),
			"exit_code": failed.ExitCode,
			"log":       failed.Log,
		})
		return
	}

	switch {
	case errors.Is(err, registry.ErrEmptyScript),
		errors.Is(err, registry.ErrUnknownKind),
		errors.Is(err, sandbox.ErrUnsupportedKind):
		h.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, state.ErrStudyNotFound),
		errors.Is(err, state.ErrExecutionNotFound),
		errors.Is(err, state.ErrResultNotFound):
		h.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, state.ErrActiveExecution),
		errors.Is(err, state.ErrResultMismatch):
		h.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, coordinator.ErrNotReady):
		h.errorResponse(w, err.Error(), http.StatusTooEarly)
	case errors.Is(err, datastore.ErrUnavailable):
		h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("internal error: %v", err)
		h.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
