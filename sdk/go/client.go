package reelforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ReelForge HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Pipeline represents the API pipeline model (partial).
type Pipeline struct {
	ID           string  `json:"id"`
	Topic        string  `json:"topic"`
	Status       string  `json:"status"`
	CurrentStage *string `json:"current_stage,omitempty"`
	TemplateID   *string `json:"template_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
	Stages       []Stage `json:"stages,omitempty"`
}

// Stage represents one pipeline stage.
type Stage struct {
	ID          string          `json:"id"`
	PipelineID  string          `json:"pipeline_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	AgentID     *string         `json:"agent_id,omitempty"`
	AgentName   *string         `json:"agent_name,omitempty"`
	Output      json.RawMessage `json:"output_json,omitempty"`
	Error       *string         `json:"error,omitempty"`
	ClaimedAt   *string         `json:"claimed_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

// StageDemand is one row of the queue status snapshot.
type StageDemand struct {
	Stage   string `json:"stage"`
	Pending int    `json:"pending"`
	Ready   int    `json:"ready"`
}

// StatusReport is the queue-wide snapshot.
type StatusReport struct {
	TotalAvailable   int           `json:"total_available"`
	ByStage          []StageDemand `json:"by_stage"`
	RunningPipelines int           `json:"running_pipelines"`
}

// ClaimResult is the outcome of a queue poll.
type ClaimResult struct {
	Claimed        bool            `json:"claimed"`
	Stage          *Stage          `json:"stage,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	PreviousOutput json.RawMessage `json:"previous_output,omitempty"`
	Executed       bool            `json:"executed"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Demand         *StatusReport   `json:"demand,omitempty"`
}

// AgentContribution is an agent's aggregate credit.
type AgentContribution struct {
	AgentID           string `json:"agent_id"`
	AgentName         string `json:"agent_name"`
	StagesCompleted   int    `json:"stages_completed"`
	TotalContribution int    `json:"total_contribution"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	StageID    string         `json:"stage_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePipelineOptions are the optional fields of CreatePipeline.
type CreatePipelineOptions struct {
	Description string                    `json:"description,omitempty"`
	TemplateID  string                    `json:"template_id,omitempty"`
	Params      map[string]map[string]any `json:"params,omitempty"`
}

// CreatePipeline creates a pipeline in DRAFT.
func (c *Client) CreatePipeline(ctx context.Context, topic string, opts CreatePipelineOptions) (Pipeline, error) {
	body := map[string]any{"topic": topic}
	if opts.Description != "" {
		body["description"] = opts.Description
	}
	if opts.TemplateID != "" {
		body["template_id"] = opts.TemplateID
	}
	if opts.Params != nil {
		body["params"] = opts.Params
	}
	var resp Pipeline
	err := c.do(ctx, http.MethodPost, "pipelines", body, &resp)
	return resp, err
}

// StartPipeline moves a DRAFT pipeline to RUNNING.
func (c *Client) StartPipeline(ctx context.Context, pipelineID string) (Pipeline, error) {
	var resp Pipeline
	endpoint := fmt.Sprintf("pipelines/%s/start", url.PathEscape(pipelineID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// GetPipeline fetches a pipeline with its stages.
func (c *Client) GetPipeline(ctx context.Context, pipelineID string) (Pipeline, error) {
	var resp Pipeline
	endpoint := fmt.Sprintf("pipelines/%s", url.PathEscape(pipelineID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListPipelines lists pipelines, optionally filtered by status.
func (c *Client) ListPipelines(ctx context.Context, status string, limit int) ([]Pipeline, error) {
	endpoint := "pipelines"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Pipeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimOptions configure a queue poll.
type ClaimOptions struct {
	AgentID      string   `json:"agent_id"`
	AgentName    string   `json:"agent_name,omitempty"`
	Capabilities []string `json:"capabilities"`
	AutoExecute  bool     `json:"auto_execute,omitempty"`
	DryRun       bool     `json:"dry_run,omitempty"`
}

// Claim polls the queue for one claimable stage.
func (c *Client) Claim(ctx context.Context, opts ClaimOptions) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "queue/claim", opts, &resp)
	return resp, err
}

// QueueStatus returns the queue snapshot. An empty capability reports all
// stages.
func (c *Client) QueueStatus(ctx context.Context, capability string) (StatusReport, error) {
	endpoint := "queue/status"
	if capability != "" {
		endpoint += "?capability=" + url.QueryEscape(capability)
	}
	var resp StatusReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartStage moves a claimed stage to RUNNING.
func (c *Client) StartStage(ctx context.Context, stageID, agentID string) (Stage, error) {
	var resp Stage
	endpoint := fmt.Sprintf("stages/%s/start", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// CompleteStage records a stage result and advances the pipeline.
func (c *Client) CompleteStage(ctx context.Context, stageID, agentID string, output, artifacts json.RawMessage) (Stage, error) {
	body := map[string]any{"agent_id": agentID}
	if output != nil {
		body["output"] = output
	}
	if artifacts != nil {
		body["artifacts"] = artifacts
	}
	var resp Stage
	endpoint := fmt.Sprintf("stages/%s/complete", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FailStage records a stage failure, failing the pipeline.
func (c *Client) FailStage(ctx context.Context, stageID, agentID, message string) (Stage, error) {
	body := map[string]any{"agent_id": agentID, "error": message}
	var resp Stage
	endpoint := fmt.Sprintf("stages/%s/fail", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SkipStage marks a stage SKIPPED so its successor unblocks.
func (c *Client) SkipStage(ctx context.Context, stageID, actorID string) (Stage, error) {
	body := map[string]any{"actor_id": actorID}
	var resp Stage
	endpoint := fmt.Sprintf("stages/%s/skip", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Agents lists agents ranked by total contribution.
func (c *Client) Agents(ctx context.Context) ([]AgentContribution, error) {
	var resp []AgentContribution
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
