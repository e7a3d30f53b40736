// Package client provides a Go client library for the study
// execution API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Client is the study execution API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// RegisterStudy uploads a study script with metadata.
func (c *Client) RegisterStudy(ctx context.Context, req RegisterRequest) (*Study, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("study_file", req.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(req.Script); err != nil {
		return nil, err
	}

	fields := map[string]string{
		"study_name":  req.Name,
		"description": req.Description,
		"researcher":  req.Researcher,
		"institution": req.Institution,
		"kind":        req.Kind,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/studies", &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var study Study
	if err := json.NewDecoder(resp.Body).Decode(&study); err != nil {
		return nil, err
	}
	return &study, nil
}

// ListStudies lists registered studies.
func (c *Client) ListStudies(ctx context.Context) ([]Study, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/v1/studies", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Studies []Study `json:"studies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Studies, nil
}

// GetStudy retrieves one study's metadata.
func (c *Client) GetStudy(ctx context.Context, studyID string) (*Study, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/v1/studies/"+studyID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var study Study
	if err := json.NewDecoder(resp.Body).Decode(&study); err != nil {
		return nil, err
	}
	return &study, nil
}

// Execute submits a study for execution.
func (c *Client) Execute(ctx context.Context, studyID string, timeout time.Duration) (*Execution, error) {
	var body io.Reader
	if timeout > 0 {
		payload, err := json.Marshal(map[string]int{
			"timeout_seconds": int(timeout.Seconds()),
		})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	resp, err := c.doRequest(ctx, "POST", "/api/v1/studies/"+studyID+"/executions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.parseError(resp)
	}

	var exec Execution
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Status retrieves an execution's current status.
func (c *Client) Status(ctx context.Context, studyID, executionID string) (*Execution, error) {
	resp, err := c.doRequest(ctx, "GET",
		"/api/v1/studies/"+studyID+"/executions/"+executionID+"/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var exec Execution
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Results retrieves the raw JSON result payload of a completed
// execution.
func (c *Client) Results(ctx context.Context, studyID, executionID string) (json.RawMessage, error) {
	resp, err := c.doRequest(ctx, "GET",
		"/api/v1/studies/"+studyID+"/executions/"+executionID+"/results", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	return io.ReadAll(resp.Body)
}

// Logs retrieves the captured log text of an execution.
func (c *Client) Logs(ctx context.Context, studyID, executionID string) (string, error) {
	resp, err := c.doRequest(ctx, "GET",
		"/api/v1/studies/"+studyID+"/executions/"+executionID+"/logs", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// DatasetSummary retrieves clinical dataset statistics.
func (c *Client) DatasetSummary(ctx context.Context) (*DatasetSummary, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/v1/dataset/summary", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var summary DatasetSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Health checks service liveness.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.doRequest(ctx, "GET", "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	c.setAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// parseError parses an error response.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error string `json:"error"`
		Log   string `json:"log,omitempty"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		if errResp.Log != "" {
			return fmt.Errorf("%s: %s\n%s", resp.Status, errResp.Error, errResp.Log)
		}
		return fmt.Errorf("%s: %s", resp.Status, errResp.Error)
	}

	return fmt.Errorf("%s: %s", resp.Status, string(body))
}

// Request/Response types

// RegisterRequest describes a study to register.
type RegisterRequest struct {
	Filename    string
	Script      []byte
	Name        string
	Description string
	Researcher  string
	Institution string
	Kind        string
}

// Study is a registered study package.
type Study struct {
	ID          string    `json:"study_id"`
	Name        string    `json:"study_name"`
	Description string    `json:"description,omitempty"`
	StudyType   string    `json:"study_type"`
	Researcher  string    `json:"researcher"`
	Institution string    `json:"institution"`
	ScriptName  string    `json:"script_name"`
	ScriptKind  string    `json:"script_kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is one run of a study.
type Execution struct {
	ID           string     `json:"execution_id"`
	StudyID      string     `json:"study_id"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ExitCode     int        `json:"exit_code"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// DatasetSummary holds clinical dataset statistics.
type DatasetSummary struct {
	TotalPatients    int64             `json:"total_patients"`
	TotalVisits      int64             `json:"total_visits"`
	ICUStays         int64             `json:"icu_stays"`
	DateRange        map[string]string `json:"date_range"`
	AvailableDomains []string          `json:"available_domains"`
}

// HealthStatus is the health probe response.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	DataStore string `json:"data_store"`
}
