package server

import (
	"encoding/json"

	"reelforge/internal/domain"
	"reelforge/internal/queue"
)

// Request payloads

type CreatePipelineRequest struct {
	Topic       string                    `json:"topic" minLength:"1" maxLength:"500"`
	Description *string                   `json:"description,omitempty"`
	TemplateID  *string                   `json:"template_id,omitempty"`
	Params      map[string]map[string]any `json:"params,omitempty"`
	ActorID     *string                   `json:"actor_id,omitempty"`
}

type ClaimRequest struct {
	AgentID      string   `json:"agent_id"`
	AgentName    *string  `json:"agent_name,omitempty"`
	Capabilities []string `json:"capabilities"`
	AutoExecute  bool     `json:"auto_execute,omitempty"`
	DryRun       bool     `json:"dry_run,omitempty"`
}

type StartStageRequest struct {
	AgentID string `json:"agent_id"`
}

type CompleteStageRequest struct {
	AgentID   string          `json:"agent_id"`
	Output    json.RawMessage `json:"output"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
}

type FailStageRequest struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

type SkipStageRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ClaimResponse struct {
	Claimed        bool                `json:"claimed"`
	Stage          *domain.Stage       `json:"stage,omitempty"`
	Input          map[string]any      `json:"input,omitempty"`
	PreviousOutput json.RawMessage     `json:"previous_output,omitempty"`
	Executed       bool                `json:"executed,omitempty"`
	Output         json.RawMessage     `json:"output,omitempty"`
	Error          string              `json:"error,omitempty"`
	Demand         *queue.StatusReport `json:"demand,omitempty"`
}

type AgentDetailResponse struct {
	AgentID           string               `json:"agent_id"`
	AgentName         string               `json:"agent_name"`
	StagesCompleted   int                  `json:"stages_completed"`
	TotalContribution int                  `json:"total_contribution"`
	Attributions      []domain.Attribution `json:"attributions"`
}
