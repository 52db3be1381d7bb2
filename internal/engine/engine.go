// Package engine is the pipeline orchestrator. Every mutation runs in one
// SQLite transaction: the state change, its event row, and any attribution
// commit together or not at all. Bus notifications go out only after
// commit.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/bus"
	"reelforge/internal/config"
	"reelforge/internal/domain"
	"reelforge/internal/events"
	"reelforge/internal/repo"
	"reelforge/internal/template"
)

var (
	ErrClaimConflict      = errors.New("stage already claimed")
	ErrDependencyNotMet   = errors.New("previous stage not finished")
	ErrPipelineNotRunning = errors.New("pipeline is not running")
	ErrInvalidTransition  = errors.New("invalid stage transition")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *bus.Bus
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, b *bus.Bus) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    b,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// writer returns the event writer bound to the engine's clock, so event
// rows carry the same timestamps as the state changes they record.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) publish(topic string, s domain.Stage, data map[string]any) {
	msg := bus.Message{
		Topic:      topic,
		PipelineID: s.PipelineID,
		StageID:    s.ID,
		StageName:  string(s.Name),
		Data:       data,
	}
	if s.AgentID != nil {
		msg.AgentID = *s.AgentID
	}
	e.Bus.Publish(msg)
}

// PipelineCreateOptions are parameters for creating a pipeline.
type PipelineCreateOptions struct {
	Topic       string
	Description string
	TemplateID  string
	// Params holds per-stage input maps keyed by stage name. Merged over
	// template-derived inputs when a template is set.
	Params  map[string]map[string]any
	ActorID string
}

// maxTopicLength caps pipeline topics.
const maxTopicLength = 500

// CreatePipeline creates a DRAFT pipeline with all seven stages PENDING,
// in order.
func (e Engine) CreatePipeline(ctx context.Context, opts PipelineCreateOptions) (domain.Pipeline, error) {
	if opts.Topic == "" {
		return domain.Pipeline{}, errors.New("topic is required")
	}
	if len(opts.Topic) > maxTopicLength {
		return domain.Pipeline{}, fmt.Errorf("topic must be at most %d characters", maxTopicLength)
	}
	if opts.TemplateID == "" && e.Config != nil {
		opts.TemplateID = e.Config.Pipeline.DefaultTemplate
	}

	params := opts.Params
	if opts.TemplateID != "" {
		tpl, err := template.Get(opts.TemplateID)
		if err != nil {
			return domain.Pipeline{}, err
		}
		params = mergeParams(tpl.StageInputs(opts.Topic), opts.Params)
	}
	if params == nil {
		params = map[string]map[string]any{}
	}
	research := params[string(domain.StageResearch)]
	if research == nil {
		research = map[string]any{}
		params[string(domain.StageResearch)] = research
	}
	if _, ok := research["topic"]; !ok {
		research["topic"] = opts.Topic
	}
	if _, ok := research["targetDuration"]; !ok && e.Config != nil && e.Config.Pipeline.DefaultDuration > 0 {
		research["targetDuration"] = float64(e.Config.Pipeline.DefaultDuration)
	}
	for name := range params {
		if !domain.IsStageName(name) {
			return domain.Pipeline{}, fmt.Errorf("params reference unknown stage %s", name)
		}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("marshal params: %w", err)
	}

	now := e.timestamp()
	p := domain.Pipeline{
		ID:          uuid.NewString(),
		Topic:       opts.Topic,
		Description: opts.Description,
		Status:      domain.PipelineDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.TemplateID != "" {
		p.TemplateID = &opts.TemplateID
	}
	pj := string(paramsJSON)
	p.ParamsJSON = &pj

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPipelineTx(ctx, tx, p); err != nil {
		return domain.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	for i, name := range domain.StageOrder {
		s := domain.Stage{
			ID:         uuid.NewString(),
			PipelineID: p.ID,
			Name:       name,
			Status:     domain.StagePending,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertStageTx(ctx, tx, s, i); err != nil {
			return domain.Pipeline{}, fmt.Errorf("insert stage %s: %w", name, err)
		}
		p.Stages = append(p.Stages, s)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "pipeline.created", PipelineID: p.ID, EntityKind: "pipeline", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{
			"topic":    p.Topic,
			"template": opts.TemplateID,
		},
	}); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}

	e.Bus.Publish(bus.Message{Topic: bus.PipelineCreated, PipelineID: p.ID, Data: map[string]any{"topic": p.Topic}})
	return p, nil
}

// StartPipeline moves a DRAFT pipeline to RUNNING and points current_stage
// at RESEARCH.
func (e Engine) StartPipeline(ctx context.Context, pipelineID, actorID string) (domain.Pipeline, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPipelineTx(ctx, tx, pipelineID)
	if err != nil {
		return domain.Pipeline{}, err
	}
	if p.Status != domain.PipelineDraft {
		return domain.Pipeline{}, fmt.Errorf("%w: pipeline is %s", ErrInvalidTransition, p.Status)
	}
	first := domain.StageOrder[0]
	p.Status = domain.PipelineRunning
	p.CurrentStage = &first
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdatePipelineTx(ctx, tx, p); err != nil {
		return domain.Pipeline{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "pipeline.started", PipelineID: p.ID, EntityKind: "pipeline", EntityID: p.ID, ActorID: actorID,
	}); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}

	e.Bus.Publish(bus.Message{Topic: bus.PipelineStarted, PipelineID: p.ID})
	return p, nil
}

// ClaimOptions identify the stage an agent wants and who is asking.
type ClaimOptions struct {
	PipelineID string
	StageName  domain.StageName
	AgentID    string
	AgentName  string
}

// Claim is a successful claim: the stage plus everything the agent needs
// to execute it.
type Claim struct {
	Stage          domain.Stage
	Input          map[string]any
	PreviousOutput json.RawMessage
	Outputs        map[domain.StageName]json.RawMessage
}

// ClaimStage atomically moves a PENDING stage to CLAIMED for one agent.
// The pipeline must be RUNNING and the preceding stage finished. Losing a
// race to another agent returns ErrClaimConflict.
func (e Engine) ClaimStage(ctx context.Context, opts ClaimOptions) (Claim, error) {
	if opts.AgentID == "" {
		return Claim{}, errors.New("agent id is required")
	}
	if domain.StageIndex(opts.StageName) < 0 {
		return Claim{}, fmt.Errorf("unknown stage %s", opts.StageName)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPipelineTx(ctx, tx, opts.PipelineID)
	if err != nil {
		return Claim{}, err
	}
	if p.Status != domain.PipelineRunning {
		return Claim{}, fmt.Errorf("%w: %s is %s", ErrPipelineNotRunning, p.ID, p.Status)
	}
	stages, err := e.Repo.ListStagesTx(ctx, tx, opts.PipelineID)
	if err != nil {
		return Claim{}, err
	}
	var target domain.Stage
	outputs := make(map[domain.StageName]json.RawMessage, len(stages))
	for _, s := range stages {
		if s.Name == opts.StageName {
			target = s
		}
		if s.Status.Finished() && s.OutputJSON != nil {
			outputs[s.Name] = json.RawMessage(*s.OutputJSON)
		}
	}
	if target.ID == "" {
		return Claim{}, repo.ErrNotFound
	}
	if target.Status != domain.StagePending {
		return Claim{}, fmt.Errorf("%w: stage is %s", ErrClaimConflict, target.Status)
	}
	if idx := domain.StageIndex(opts.StageName); idx > 0 {
		prev := stages[idx-1]
		if !prev.Status.Finished() {
			return Claim{}, fmt.Errorf("%w: %s is %s", ErrDependencyNotMet, prev.Name, prev.Status)
		}
	}

	claimedAt := e.timestamp()
	ok, err := e.Repo.ClaimStageTx(ctx, tx, target.ID, opts.AgentID, opts.AgentName, claimedAt)
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		return Claim{}, ErrClaimConflict
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "stage.claimed", PipelineID: p.ID, EntityKind: "stage", EntityID: target.ID, ActorID: opts.AgentID,
		Payload: events.EventPayload{
			"stage": string(opts.StageName),
			"agent": opts.AgentName,
		},
	}); err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return Claim{}, err
	}

	target.Status = domain.StageClaimed
	target.AgentID = &opts.AgentID
	target.AgentName = &opts.AgentName
	target.ClaimedAt = &claimedAt

	claim := Claim{
		Stage:   target,
		Input:   pipelineStageInput(p, opts.StageName),
		Outputs: outputs,
	}
	if idx := domain.StageIndex(opts.StageName); idx > 0 {
		claim.PreviousOutput = outputs[domain.StageOrder[idx-1]]
	}

	e.publish(bus.StageClaimed, target, nil)
	return claim, nil
}

// StartStage moves a CLAIMED stage to RUNNING.
func (e Engine) StartStage(ctx context.Context, stageID, agentID string) (domain.Stage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	startedAt := e.timestamp()
	ok, err := e.Repo.TransitionStageTx(ctx, tx, stageID, domain.StageClaimed, domain.StageRunningState, "started_at=?", startedAt)
	if err != nil {
		return domain.Stage{}, err
	}
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w: stage is %s, want CLAIMED", ErrInvalidTransition, s.Status)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "stage.started", PipelineID: s.PipelineID, EntityKind: "stage", EntityID: s.ID, ActorID: agentID,
		Payload: events.EventPayload{"stage": string(s.Name)},
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}

	s.Status = domain.StageRunningState
	s.StartedAt = &startedAt
	e.publish(bus.StageStarted, s, nil)
	return s, nil
}

// CompleteOptions carry a stage's results.
type CompleteOptions struct {
	StageID   string
	AgentID   string
	Output    json.RawMessage
	Artifacts json.RawMessage
	Metadata  map[string]any
}

// CompleteStage moves a RUNNING stage to COMPLETE, records the agent's
// attribution, and advances the pipeline. When the last stage finishes the
// pipeline flips to COMPLETE.
func (e Engine) CompleteStage(ctx context.Context, opts CompleteOptions) (domain.Stage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, opts.StageID)
	if err != nil {
		return domain.Stage{}, err
	}
	completedAt := e.timestamp()
	output := string(opts.Output)
	artifacts := string(opts.Artifacts)
	ok, err := e.Repo.TransitionStageTx(ctx, tx, s.ID, domain.StageRunningState, domain.StageComplete,
		"output_json=?, artifacts_json=?, completed_at=?", nullableStr(output), nullableStr(artifacts), completedAt)
	if err != nil {
		return domain.Stage{}, err
	}
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w: stage is %s, want RUNNING", ErrInvalidTransition, s.Status)
	}

	agentID := opts.AgentID
	agentName := ""
	if agentID == "" && s.AgentID != nil {
		agentID = *s.AgentID
	}
	if s.AgentName != nil {
		agentName = *s.AgentName
	}
	attribution := domain.Attribution{
		ID:         uuid.NewString(),
		PipelineID: s.PipelineID,
		StageID:    s.ID,
		StageName:  s.Name,
		AgentID:    agentID,
		AgentName:  agentName,
		Percentage: domain.StageWeights[s.Name],
		CreatedAt:  completedAt,
	}
	if err := e.Repo.InsertAttributionTx(ctx, tx, attribution); err != nil {
		return domain.Stage{}, fmt.Errorf("insert attribution: %w", err)
	}

	s.Status = domain.StageComplete
	pipelineDone, err := e.advancePipelineTx(ctx, tx, s, agentID)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "stage.completed", PipelineID: s.PipelineID, EntityKind: "stage", EntityID: s.ID, ActorID: agentID,
		Payload: events.EventPayload{
			"stage":      string(s.Name),
			"percentage": attribution.Percentage,
		},
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}

	s.OutputJSON = &output
	if artifacts != "" {
		s.ArtifactsJSON = &artifacts
	}
	s.CompletedAt = &completedAt
	e.publish(bus.StageCompleted, s, opts.Metadata)
	if pipelineDone {
		e.Bus.Publish(bus.Message{Topic: bus.PipelineCompleted, PipelineID: s.PipelineID})
	}
	return s, nil
}

// FailStage moves a RUNNING stage to FAILED and fails the pipeline. The
// error message is stored verbatim.
func (e Engine) FailStage(ctx context.Context, stageID, agentID, errMsg string) (domain.Stage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	completedAt := e.timestamp()
	ok, err := e.Repo.TransitionStageTx(ctx, tx, s.ID, domain.StageRunningState, domain.StageFailed,
		"error=?, completed_at=?", errMsg, completedAt)
	if err != nil {
		return domain.Stage{}, err
	}
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w: stage is %s, want RUNNING", ErrInvalidTransition, s.Status)
	}

	p, err := e.Repo.GetPipelineTx(ctx, tx, s.PipelineID)
	if err != nil {
		return domain.Stage{}, err
	}
	p.Status = domain.PipelineFailed
	p.UpdatedAt = completedAt
	if err := e.Repo.UpdatePipelineTx(ctx, tx, p); err != nil {
		return domain.Stage{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "stage.failed", PipelineID: s.PipelineID, EntityKind: "stage", EntityID: s.ID, ActorID: agentID,
		Payload: events.EventPayload{
			"stage": string(s.Name),
			"error": errMsg,
		},
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}

	s.Status = domain.StageFailed
	s.Error = &errMsg
	s.CompletedAt = &completedAt
	e.publish(bus.StageFailed, s, map[string]any{"error": errMsg})
	e.Bus.Publish(bus.Message{Topic: bus.PipelineFailed, PipelineID: s.PipelineID, Data: map[string]any{"error": errMsg}})
	return s, nil
}

// SkipStage is the operator lever: it moves a PENDING, CLAIMED, or
// RUNNING stage to SKIPPED so the pipeline can advance past it. No
// attribution is recorded.
func (e Engine) SkipStage(ctx context.Context, stageID, actorID string) (domain.Stage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	if s.Status.Terminal() {
		return domain.Stage{}, fmt.Errorf("%w: stage is already %s", ErrInvalidTransition, s.Status)
	}
	completedAt := e.timestamp()
	ok, err := e.Repo.TransitionStageTx(ctx, tx, s.ID, s.Status, domain.StageSkipped, "completed_at=?", completedAt)
	if err != nil {
		return domain.Stage{}, err
	}
	if !ok {
		return domain.Stage{}, ErrInvalidTransition
	}

	s.Status = domain.StageSkipped
	pipelineDone, err := e.advancePipelineTx(ctx, tx, s, actorID)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: "stage.skipped", PipelineID: s.PipelineID, EntityKind: "stage", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"stage": string(s.Name)},
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}

	s.CompletedAt = &completedAt
	e.publish(bus.StageSkipped, s, nil)
	if pipelineDone {
		e.Bus.Publish(bus.Message{Topic: bus.PipelineCompleted, PipelineID: s.PipelineID})
	}
	return s, nil
}

// advancePipelineTx recomputes current_stage after a stage finished. It
// returns true when every stage is finished and the pipeline was flipped
// to COMPLETE.
func (e Engine) advancePipelineTx(ctx context.Context, tx *sql.Tx, finished domain.Stage, actorID string) (bool, error) {
	p, err := e.Repo.GetPipelineTx(ctx, tx, finished.PipelineID)
	if err != nil {
		return false, err
	}
	if p.Status != domain.PipelineRunning {
		return false, nil
	}
	stages, err := e.Repo.ListStagesTx(ctx, tx, p.ID)
	if err != nil {
		return false, err
	}

	p.CurrentStage = nil
	done := true
	for _, s := range stages {
		status := s.Status
		if s.ID == finished.ID {
			status = finished.Status
		}
		if !status.Finished() {
			name := s.Name
			p.CurrentStage = &name
			done = false
			break
		}
	}
	if done {
		p.Status = domain.PipelineComplete
		if err := e.writer().Append(ctx, tx, events.Entry{
			Type: "pipeline.completed", PipelineID: p.ID, EntityKind: "pipeline", EntityID: p.ID, ActorID: actorID,
		}); err != nil {
			return false, err
		}
	}
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdatePipelineTx(ctx, tx, p); err != nil {
		return false, err
	}
	return done, nil
}

// PreviousStageOutput returns the finished output of the stage preceding
// name, or nil for the first stage.
func (e Engine) PreviousStageOutput(ctx context.Context, pipelineID string, name domain.StageName) (json.RawMessage, error) {
	idx := domain.StageIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("unknown stage %s", name)
	}
	if idx == 0 {
		return nil, nil
	}
	prev, err := e.Repo.GetStageByName(ctx, pipelineID, domain.StageOrder[idx-1])
	if err != nil {
		return nil, err
	}
	if !prev.Status.Finished() || prev.OutputJSON == nil {
		return nil, nil
	}
	return json.RawMessage(*prev.OutputJSON), nil
}

// StageOutputs collects the outputs of every finished stage in a
// pipeline.
func (e Engine) StageOutputs(ctx context.Context, pipelineID string) (map[domain.StageName]json.RawMessage, error) {
	stages, err := e.Repo.ListStages(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.StageName]json.RawMessage)
	for _, s := range stages {
		if s.Status.Finished() && s.OutputJSON != nil {
			out[s.Name] = json.RawMessage(*s.OutputJSON)
		}
	}
	return out, nil
}

// PipelineWithStages loads a pipeline and attaches its stages in order.
func (e Engine) PipelineWithStages(ctx context.Context, pipelineID string) (domain.Pipeline, error) {
	p, err := e.Repo.GetPipeline(ctx, pipelineID)
	if err != nil {
		return domain.Pipeline{}, err
	}
	stages, err := e.Repo.ListStages(ctx, pipelineID)
	if err != nil {
		return domain.Pipeline{}, err
	}
	p.Stages = stages
	return p, nil
}

// pipelineStageInput extracts the input map for one stage from the
// pipeline's stored params.
func pipelineStageInput(p domain.Pipeline, name domain.StageName) map[string]any {
	if p.ParamsJSON == nil {
		return map[string]any{}
	}
	var params map[string]map[string]any
	if err := json.Unmarshal([]byte(*p.ParamsJSON), &params); err != nil {
		return map[string]any{}
	}
	in, ok := params[string(name)]
	if !ok || in == nil {
		return map[string]any{}
	}
	return in
}

// mergeParams overlays explicit per-stage params on template-derived
// inputs. Keys within one stage's map are replaced wholesale.
func mergeParams(base map[string]map[string]any, overrides map[string]map[string]any) map[string]map[string]any {
	for stageName, in := range overrides {
		merged, ok := base[stageName]
		if !ok {
			merged = map[string]any{}
			base[stageName] = merged
		}
		for k, v := range in {
			merged[k] = v
		}
	}
	return base
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
