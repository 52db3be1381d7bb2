// Package queue implements the poll side of the claim protocol. Agents
// poll with their capabilities; the queue scans running pipelines in stage
// order and claims at most one stage per poll. Losing a claim race or
// hitting an unfinished predecessor is not an error, the scan just moves
// on.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/domain"
	"reelforge/internal/engine"
	"reelforge/internal/repo"
	"reelforge/internal/retry"
	"reelforge/internal/stage"
)

type Queue struct {
	Engine   engine.Engine
	Handlers *stage.Registry
}

func New(eng engine.Engine) Queue {
	return Queue{Engine: eng, Handlers: stage.Default()}
}

// PollRequest is one agent poll.
type PollRequest struct {
	AgentID      string
	AgentName    string
	Capabilities []domain.StageName
	// AutoExecute runs the claimed stage's handler in-process and
	// completes or fails the stage with its result.
	AutoExecute bool
	DryRun      bool
}

// StageDemand is the per-stage queue depth.
type StageDemand struct {
	Stage   domain.StageName `json:"stage"`
	Pending int              `json:"pending"`
	Ready   int              `json:"ready"`
}

// StatusReport is the queue-wide snapshot: how many stages are claimable
// right now, the per-stage breakdown, and how many pipelines are RUNNING.
type StatusReport struct {
	TotalAvailable   int           `json:"total_available"`
	ByStage          []StageDemand `json:"by_stage"`
	RunningPipelines int           `json:"running_pipelines"`
}

// PollResult reports what one poll did. Claimed false with a Demand
// snapshot means no claimable work existed, which is not an error. Error
// carries the execution failure when AutoExecute ran and did not complete
// the stage.
type PollResult struct {
	Claimed  bool
	Claim    *engine.Claim
	Executed bool
	Stage    domain.Stage
	Output   json.RawMessage
	Error    string
	Demand   *StatusReport
}

// Poll claims at most one stage for the agent. Capabilities are tried in
// stage order, so earlier pipeline stages win over later ones.
func (q Queue) Poll(ctx context.Context, req PollRequest) (PollResult, error) {
	if req.AgentID == "" {
		return PollResult{}, errors.New("agent id is required")
	}
	if len(req.Capabilities) == 0 {
		return PollResult{}, errors.New("at least one capability is required")
	}
	caps := make([]domain.StageName, len(req.Capabilities))
	copy(caps, req.Capabilities)
	for _, c := range caps {
		if domain.StageIndex(c) < 0 {
			return PollResult{}, fmt.Errorf("unknown capability %s", c)
		}
	}
	sort.Slice(caps, func(i, j int) bool {
		return domain.StageIndex(caps[i]) < domain.StageIndex(caps[j])
	})

	running, err := q.runningPipelines(ctx)
	if err != nil {
		return PollResult{}, err
	}

	for _, capability := range caps {
		for _, p := range running {
			claim, err := q.Engine.ClaimStage(ctx, engine.ClaimOptions{
				PipelineID: p.ID,
				StageName:  capability,
				AgentID:    req.AgentID,
				AgentName:  req.AgentName,
			})
			switch {
			case err == nil:
				return q.claimed(ctx, req, claim)
			case errors.Is(err, engine.ErrClaimConflict),
				errors.Is(err, engine.ErrDependencyNotMet),
				errors.Is(err, engine.ErrPipelineNotRunning):
				continue
			default:
				return PollResult{}, err
			}
		}
	}

	report, err := q.report(ctx, caps, running)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{Demand: report}, nil
}

func (q Queue) claimed(ctx context.Context, req PollRequest, claim engine.Claim) (PollResult, error) {
	res := PollResult{Claimed: true, Claim: &claim, Stage: claim.Stage}
	if !req.AutoExecute {
		return res, nil
	}
	s, output, err := q.Execute(ctx, req, claim)
	res.Stage = s
	res.Output = output
	res.Executed = err == nil
	// Handler failure is recorded on the stage, not surfaced as a poll
	// error; the message still reaches the caller.
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// Execute runs the claimed stage's handler and completes or fails the
// stage with the outcome.
func (q Queue) Execute(ctx context.Context, req PollRequest, claim engine.Claim) (domain.Stage, json.RawMessage, error) {
	s, err := q.Engine.StartStage(ctx, claim.Stage.ID, req.AgentID)
	if err != nil {
		return claim.Stage, nil, err
	}

	h, ok := q.Handlers.Get(claim.Stage.Name)
	if !ok {
		return q.failed(ctx, s, req.AgentID, fmt.Sprintf("no handler for stage %s", claim.Stage.Name))
	}
	if v := h.Validate(claim.Input); !v.Valid {
		return q.failed(ctx, s, req.AgentID, fmt.Sprintf("invalid input: %v", v.Errors))
	}
	result, err := h.Execute(ctx, stage.Context{
		PipelineID:     claim.Stage.PipelineID,
		StageID:        claim.Stage.ID,
		AgentID:        req.AgentID,
		Input:          claim.Input,
		PreviousOutput: claim.PreviousOutput,
		Outputs:        claim.Outputs,
		DryRun:         req.DryRun,
		Retry:          retryConfig(q.Engine.Config),
	})
	if err != nil {
		return q.failed(ctx, s, req.AgentID, err.Error())
	}

	artifacts, err := json.Marshal(result.Artifacts)
	if err != nil {
		return q.failed(ctx, s, req.AgentID, fmt.Sprintf("marshal artifacts: %v", err))
	}
	if len(result.Artifacts) == 0 {
		artifacts = nil
	}
	done, err := q.Engine.CompleteStage(ctx, engine.CompleteOptions{
		StageID:   s.ID,
		AgentID:   req.AgentID,
		Output:    result.Output,
		Artifacts: artifacts,
		Metadata:  result.Metadata,
	})
	if err != nil {
		return s, nil, err
	}
	return done, result.Output, nil
}

func (q Queue) failed(ctx context.Context, s domain.Stage, agentID, msg string) (domain.Stage, json.RawMessage, error) {
	failed, err := q.Engine.FailStage(ctx, s.ID, agentID, msg)
	if err != nil {
		return s, nil, err
	}
	return failed, nil, errors.New(msg)
}

// Status reports queue depth for the given capabilities, or all stages
// when none are given.
func (q Queue) Status(ctx context.Context, caps []domain.StageName) (StatusReport, error) {
	if len(caps) == 0 {
		caps = domain.StageOrder
	}
	running, err := q.runningPipelines(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	report, err := q.report(ctx, caps, running)
	if err != nil {
		return StatusReport{}, err
	}
	return *report, nil
}

// report assembles the snapshot. TotalAvailable counts stages claimable
// right now, not merely PENDING behind an unfinished predecessor.
func (q Queue) report(ctx context.Context, caps []domain.StageName, running []domain.Pipeline) (*StatusReport, error) {
	byStage, err := q.demand(ctx, caps, running)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{ByStage: byStage, RunningPipelines: len(running)}
	for _, d := range byStage {
		report.TotalAvailable += d.Ready
	}
	return report, nil
}

// retryConfig maps workspace config onto the backoff schedule handlers
// use for external calls.
func retryConfig(cfg *config.Config) retry.Config {
	if cfg == nil {
		return retry.DefaultConfig
	}
	return retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelay),
		MaxDelay:     time.Duration(cfg.Retry.MaxDelay),
		Multiplier:   retry.DefaultConfig.Multiplier,
	}
}

// runningPipelines lists RUNNING pipelines oldest first, so long-waiting
// pipelines get claimed before new ones.
func (q Queue) runningPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	ps, err := q.Engine.Repo.ListPipelines(ctx, repo.PipelineFilters{Status: string(domain.PipelineRunning)})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(ps)-1; i < j; i, j = i+1, j-1 {
		ps[i], ps[j] = ps[j], ps[i]
	}
	return ps, nil
}

// demand counts, per capability, PENDING stages across running pipelines
// and how many of those are immediately claimable.
func (q Queue) demand(ctx context.Context, caps []domain.StageName, running []domain.Pipeline) ([]StageDemand, error) {
	byStage := make(map[domain.StageName]*StageDemand, len(caps))
	order := make([]domain.StageName, 0, len(caps))
	for _, c := range caps {
		if _, ok := byStage[c]; !ok {
			byStage[c] = &StageDemand{Stage: c}
			order = append(order, c)
		}
	}
	for _, p := range running {
		stages, err := q.Engine.Repo.ListStages(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for i, s := range stages {
			d, ok := byStage[s.Name]
			if !ok || s.Status != domain.StagePending {
				continue
			}
			d.Pending++
			if i == 0 || stages[i-1].Status.Finished() {
				d.Ready++
			}
		}
	}
	out := make([]StageDemand, 0, len(order))
	for _, c := range order {
		out = append(out, *byStage[c])
	}
	return out, nil
}
