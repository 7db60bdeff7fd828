package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type JobKind string

const (
	JobIndex JobKind = "index"
	JobQuery JobKind = "query"
)

// JobStatus is the ephemeral polled state of a backend job. Never persisted.
type JobStatus struct {
	Status      string `json:"status"`
	CurrentStep string `json:"current_step"`
	Message     string `json:"message"`
	Query       string `json:"query,omitempty"`
	Answer      string `json:"answer,omitempty"`
}

const (
	StatusInitializing = "initializing"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusNotFound     = "not_found"
)

type SystemStatus struct {
	GlobalConfigSet      bool     `json:"global_config_set"`
	ImageBindInitialized bool     `json:"imagebind_initialized"`
	ImageBindLoaded      bool     `json:"imagebind_loaded"`
	TotalSessions        int      `json:"total_sessions"`
	TotalIndexedVideos   int      `json:"total_indexed_videos"`
	Sessions             []string `json:"sessions"`
}

// Operation-specific timeouts. Health and status checks must fail fast so
// polling stays responsive; model load/unload can take minutes.
const (
	shortTimeout  = 5 * time.Second
	mediumTimeout = 30 * time.Second
	longTimeout   = 5 * time.Minute
)

// BackendClient is the typed HTTP surface of the analysis backend. The base
// URL is resolved per call through the ServiceSupervisor so port rediscovery
// after a backend restart is picked up transparently.
type BackendClient struct {
	Endpoint func() (string, error)
	HTTP     *http.Client
}

func NewBackendClient(endpoint func() (string, error)) *BackendClient {
	return &BackendClient{
		Endpoint: endpoint,
		HTTP:     &http.Client{},
	}
}

type apiEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *BackendClient) url(path string) (string, error) {
	base, err := c.Endpoint()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/") + path, nil
}

func (c *BackendClient) do(ctx context.Context, method, path string, timeout time.Duration, payload interface{}, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := c.url(path)
	if err != nil {
		return 0, err
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("backend request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode backend response for %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *BackendClient) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	code, err := c.do(ctx, http.MethodGet, "/api/health", shortTimeout, nil, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || out.Status != "ok" {
		return fmt.Errorf("backend unhealthy: http %d status %q", code, out.Status)
	}
	return nil
}

// InitializePayload carries the global backend configuration. Field names
// match what the backend reads from its config dict.
type InitializePayload struct {
	OpenAIAPIKey       string `json:"openai_api_key,omitempty"`
	OpenAIBaseURL      string `json:"openai_base_url,omitempty"`
	DashscopeAPIKey    string `json:"ali_dashscope_api_key,omitempty"`
	DashscopeBaseURL   string `json:"ali_dashscope_base_url,omitempty"`
	AnalysisModel      string `json:"analysisModel,omitempty"`
	ProcessingModel    string `json:"processingModel,omitempty"`
	CaptionModel       string `json:"caption_model,omitempty"`
	ASRModel           string `json:"asr_model,omitempty"`
	BaseStoragePath    string `json:"base_storage_path,omitempty"`
	ImageBindModelPath string `json:"image_bind_model_path,omitempty"`
}

func (c *BackendClient) Initialize(ctx context.Context, payload InitializePayload) error {
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodPost, "/api/initialize", longTimeout, payload, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("initialize failed: %s", errorText(out, code))
	}
	return nil
}

// UploadVideos submits an indexing job. The backend acknowledges immediately
// and indexes in the background; progress arrives via JobStatusFor.
func (c *BackendClient) UploadVideos(ctx context.Context, sessionID string, paths []string, baseStoragePath string) error {
	payload := map[string]interface{}{
		"video_path_list":   paths,
		"base_storage_path": baseStoragePath,
	}
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/videos/upload", mediumTimeout, payload, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("%w: %s", ErrSubmissionRejected, errorText(out, code))
	}
	return nil
}

// JobStatusFor polls one job. A 404 maps to status not_found rather than an
// error: right after submission the backend may not have registered the job
// yet, and the caller decides whether that is a race or a cancellation.
func (c *BackendClient) JobStatusFor(ctx context.Context, sessionID string, kind JobKind) (JobStatus, error) {
	path := "/api/sessions/" + sessionID + "/status"
	if kind == JobQuery {
		path += "?type=query"
	}
	var out struct {
		apiEnvelope
		CurrentStep string `json:"current_step"`
		Query       string `json:"query"`
		Answer      string `json:"answer"`
	}
	code, err := c.do(ctx, http.MethodGet, path, shortTimeout, nil, &out)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{
		Status:      out.Status,
		CurrentStep: out.CurrentStep,
		Message:     out.Message,
		Query:       out.Query,
		Answer:      out.Answer,
	}
	if code == http.StatusNotFound || (st.Status == "" && code != http.StatusOK) {
		st.Status = StatusNotFound
	}
	return st, nil
}

func (c *BackendClient) IndexedVideos(ctx context.Context, sessionID string) ([]string, error) {
	var out struct {
		apiEnvelope
		IndexedVideos []string `json:"indexed_videos"`
	}
	code, err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/videos/indexed", shortTimeout, nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK || !out.Success {
		return nil, fmt.Errorf("list indexed videos: %s", errorText(out.apiEnvelope, code))
	}
	return out.IndexedVideos, nil
}

// SubmitQuery starts an asynchronous question-answering job; the answer
// arrives through polling, not in this response.
func (c *BackendClient) SubmitQuery(ctx context.Context, sessionID, query, mode string) error {
	payload := map[string]interface{}{"query": query}
	if mode != "" {
		payload["mode"] = mode
	}
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/query", mediumTimeout, payload, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("%w: %s", ErrSubmissionRejected, errorText(out, code))
	}
	return nil
}

// TerminateSession asks the backend to kill any worker processes for the
// session. Best-effort, used before deletion.
func (c *BackendClient) TerminateSession(ctx context.Context, sessionID string) error {
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/terminate", mediumTimeout, nil, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("terminate session: %s", errorText(out, code))
	}
	return nil
}

func (c *BackendClient) DeleteSession(ctx context.Context, sessionID string) error {
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID+"/delete", mediumTimeout, nil, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("delete session: %s", errorText(out, code))
	}
	return nil
}

func (c *BackendClient) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out struct {
		apiEnvelope
		SystemStatus
	}
	code, err := c.do(ctx, http.MethodGet, "/api/system/status", shortTimeout, nil, &out)
	if err != nil {
		return SystemStatus{}, err
	}
	if code != http.StatusOK || !out.Success {
		return SystemStatus{}, fmt.Errorf("system status: %s", errorText(out.apiEnvelope, code))
	}
	return out.SystemStatus, nil
}

// LoadImageBind loads the process-wide embedding model. The model is a shared
// singleton in the backend; indexing requires it loaded first.
func (c *BackendClient) LoadImageBind(ctx context.Context) error {
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodPost, "/api/imagebind/load", longTimeout, nil, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("%w: %s", ErrResourceNotReady, errorText(out, code))
	}
	return nil
}

func (c *BackendClient) ReleaseImageBind(ctx context.Context) error {
	var out apiEnvelope
	code, err := c.do(ctx, http.MethodPost, "/api/imagebind/release", longTimeout, nil, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !out.Success {
		return fmt.Errorf("release imagebind: %s", errorText(out, code))
	}
	return nil
}

func (c *BackendClient) ImageBindLoaded(ctx context.Context) (bool, error) {
	var out struct {
		apiEnvelope
		Data struct {
			Loaded bool `json:"loaded"`
		} `json:"data"`
	}
	code, err := c.do(ctx, http.MethodGet, "/api/imagebind/status", shortTimeout, nil, &out)
	if err != nil {
		return false, err
	}
	if code != http.StatusOK || !out.Success {
		return false, fmt.Errorf("imagebind status: %s", errorText(out.apiEnvelope, code))
	}
	return out.Data.Loaded, nil
}

// VideoDuration probes one file's metadata; used to fill VideoRef.Duration
// when a video is attached to a session.
func (c *BackendClient) VideoDuration(ctx context.Context, path string) (float64, error) {
	var out struct {
		apiEnvelope
		Duration float64 `json:"duration"`
	}
	code, err := c.do(ctx, http.MethodPost, "/api/video/duration", mediumTimeout, map[string]string{"video_path": path}, &out)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK || !out.Success {
		return 0, fmt.Errorf("video duration: %s", errorText(out.apiEnvelope, code))
	}
	return out.Duration, nil
}

func errorText(env apiEnvelope, code int) string {
	if strings.TrimSpace(env.Error) != "" {
		return env.Error
	}
	if strings.TrimSpace(env.Message) != "" {
		return env.Message
	}
	return fmt.Sprintf("http %d", code)
}
