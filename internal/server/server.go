// Package server exposes the orchestrator over HTTP. Agent identity is a
// bare string taken from the request body; there is no authentication
// layer.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reelforge/internal/domain"
	"reelforge/internal/engine"
	"reelforge/internal/queue"
	"reelforge/internal/repo"
	"reelforge/internal/template"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Queue    queue.Queue
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"stage already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ReelForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("ReelForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerQueue(group, cfg.Queue)
	registerPipelines(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerTemplates(group)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrClaimConflict):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrDependencyNotMet):
		return newAPIError(http.StatusConflict, "dependency_not_met", err.Error(), nil)
	case errors.Is(err, engine.ErrPipelineNotRunning):
		return newAPIError(http.StatusConflict, "pipeline_not_running", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerQueue(api huma.API, q queue.Queue) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-claim",
		Method:      http.MethodPost,
		Path:        "/queue/claim",
		Summary:     "Poll for claimable work",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		req := queue.PollRequest{
			AgentID:     input.Body.AgentID,
			AutoExecute: input.Body.AutoExecute,
			DryRun:      input.Body.DryRun,
		}
		if input.Body.AgentName != nil {
			req.AgentName = *input.Body.AgentName
		}
		for _, c := range input.Body.Capabilities {
			req.Capabilities = append(req.Capabilities, domain.StageName(c))
		}
		res, err := q.Poll(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		body := ClaimResponse{
			Claimed:  res.Claimed,
			Executed: res.Executed,
			Output:   res.Output,
			Error:    res.Error,
			Demand:   res.Demand,
		}
		if res.Claimed {
			s := res.Stage
			body.Stage = &s
			body.Input = res.Claim.Input
			body.PreviousOutput = res.Claim.PreviousOutput
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Queue demand per stage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Capability string `query:"capability" doc:"Stage name filter; empty for all stages"`
	}) (*struct {
		Body queue.StatusReport `json:"body"`
	}, error) {
		var caps []domain.StageName
		if input.Capability != "" {
			if !domain.IsStageName(input.Capability) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown capability "+input.Capability, nil)
			}
			caps = []domain.StageName{domain.StageName(input.Capability)}
		}
		report, err := q.Status(ctx, caps)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body queue.StatusReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines",
		Summary:     "Create a pipeline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		opts := engine.PipelineCreateOptions{
			Topic:  input.Body.Topic,
			Params: input.Body.Params,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.TemplateID != nil {
			opts.TemplateID = *input.Body.TemplateID
		}
		if input.Body.ActorID != nil {
			opts.ActorID = *input.Body.ActorID
		}
		p, err := e.CreatePipeline(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline_id}/start",
		Summary:     "Start a pipeline",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		Body       struct {
			ActorID *string `json:"actor_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		actor := ""
		if input.Body.ActorID != nil {
			actor = *input.Body.ActorID
		}
		p, err := e.StartPipeline(ctx, input.PipelineID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",DRAFT,RUNNING,COMPLETE,FAILED"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Pipeline `json:"body"`
	}, error) {
		items, err := e.Repo.ListPipelines(ctx, repo.PipelineFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Pipeline `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Get a pipeline with its stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		p, err := e.PipelineWithStages(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/start",
		Summary:     "Move a claimed stage to RUNNING",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
		Body    StartStageRequest
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		s, err := e.StartStage(ctx, input.StageID, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/complete",
		Summary:     "Complete a running stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
		Body    CompleteStageRequest
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		s, err := e.CompleteStage(ctx, engine.CompleteOptions{
			StageID:   input.StageID,
			AgentID:   input.Body.AgentID,
			Output:    input.Body.Output,
			Artifacts: input.Body.Artifacts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/fail",
		Summary:     "Fail a running stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
		Body    FailStageRequest
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		s, err := e.FailStage(ctx, input.StageID, input.Body.AgentID, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/skip",
		Summary:     "Skip a stage so the pipeline can advance",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
		Body    SkipStageRequest
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		s, err := e.SkipStage(ctx, input.StageID, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Agents ranked by total contribution",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentContribution `json:"body"`
	}, error) {
		items, err := e.Repo.AgentContributions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentContribution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "One agent's attribution records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentDetailResponse `json:"body"`
	}, error) {
		attrs, err := e.Repo.ListAttributions(ctx, repo.AttributionFilters{AgentID: input.AgentID})
		if err != nil {
			return nil, handleError(err)
		}
		if len(attrs) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "agent "+input.AgentID+" has no contributions", nil)
		}
		body := AgentDetailResponse{
			AgentID:      input.AgentID,
			AgentName:    attrs[0].AgentName,
			Attributions: attrs,
		}
		for _, a := range attrs {
			body.StagesCompleted++
			body.TotalContribution += a.Percentage
		}
		return &struct {
			Body AgentDetailResponse `json:"body"`
		}{Body: body}, nil
	})
}

func registerTemplates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List preset templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []template.Template `json:"body"`
	}, error) {
		return &struct {
			Body []template.Template `json:"body"`
		}{Body: template.Presets()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get a preset template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body template.Template `json:"body"`
	}, error) {
		tpl, err := template.Get(input.TemplateID)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return &struct {
			Body template.Template `json:"body"`
		}{Body: tpl}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		PipelineID string `query:"pipeline_id"`
		Type       string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.PipelineID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
