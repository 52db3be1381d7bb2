package queue_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"reelforge/internal/bus"
	"reelforge/internal/config"
	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/engine"
	"reelforge/internal/migrate"
	"reelforge/internal/queue"
	"reelforge/internal/stage"
)

type testEnv struct {
	Queue  queue.Queue
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), bus.New())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Queue: queue.New(eng), Engine: eng, Ctx: context.Background()}
}

func startPipeline(t *testing.T, env testEnv, topic string) domain.Pipeline {
	t.Helper()
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.PipelineCreateOptions{Topic: topic, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	p, err = env.Engine.StartPipeline(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// finishStages runs the pipeline's stages through the handlers up to and
// including the named stage.
func finishStages(t *testing.T, env testEnv, pipelineID string, until domain.StageName) {
	t.Helper()
	for _, name := range domain.StageOrder {
		res, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
			AgentID:      "agent-setup",
			AgentName:    "setup",
			Capabilities: []domain.StageName{name},
			AutoExecute:  true,
			DryRun:       true,
		})
		if err != nil {
			t.Fatalf("poll %s: %v", name, err)
		}
		if !res.Claimed || !res.Executed {
			t.Fatalf("stage %s not executed: %+v", name, res)
		}
		if name == until {
			return
		}
	}
}

func TestPollRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Queue.Poll(env.Ctx, queue.PollRequest{Capabilities: []domain.StageName{domain.StageScript}}); err == nil {
		t.Error("expected agent id error")
	}
	if _, err := env.Queue.Poll(env.Ctx, queue.PollRequest{AgentID: "a"}); err == nil {
		t.Error("expected capability error")
	}
	if _, err := env.Queue.Poll(env.Ctx, queue.PollRequest{AgentID: "a", Capabilities: []domain.StageName{"RENDER"}}); err == nil {
		t.Error("expected unknown capability error")
	}
}

func TestPollNoWorkReportsDemand(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-a",
		Capabilities: []domain.StageName{domain.StageScript},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed {
		t.Fatal("claimed work on empty queue")
	}
	if res.Demand == nil || len(res.Demand.ByStage) != 1 || res.Demand.ByStage[0].Stage != domain.StageScript {
		t.Fatalf("demand = %+v", res.Demand)
	}
	if res.Demand.ByStage[0].Pending != 0 {
		t.Errorf("pending = %d", res.Demand.ByStage[0].Pending)
	}
	if res.Demand.TotalAvailable != 0 || res.Demand.RunningPipelines != 0 {
		t.Errorf("report = %+v", res.Demand)
	}
}

func TestPollClaimsResearch(t *testing.T) {
	env := newTestEnv(t)
	p := startPipeline(t, env, "AI agents")

	res, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-a",
		AgentName:    "Researcher",
		Capabilities: []domain.StageName{domain.StageResearch},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Claimed {
		t.Fatal("no claim")
	}
	if res.Stage.PipelineID != p.ID || res.Stage.Name != domain.StageResearch {
		t.Errorf("claimed %s of %s", res.Stage.Name, res.Stage.PipelineID)
	}
	if res.Claim.Input["topic"] != "AI agents" {
		t.Errorf("input = %v", res.Claim.Input)
	}

	// A second poll finds nothing claimable, but sees the blocked SCRIPT.
	res2, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-b",
		Capabilities: []domain.StageName{domain.StageResearch, domain.StageScript},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res2.Claimed {
		t.Fatal("claimed already-claimed work")
	}
	for _, d := range res2.Demand.ByStage {
		if d.Stage == domain.StageScript {
			if d.Pending != 1 || d.Ready != 0 {
				t.Errorf("script demand = %+v", d)
			}
		}
	}
}

// Earlier stages win: with RESEARCH open in one pipeline and PUBLISH open
// in another, a do-everything agent gets RESEARCH.
func TestPollPrefersEarlierStages(t *testing.T) {
	env := newTestEnv(t)
	ahead := startPipeline(t, env, "pipeline ahead")
	finishStages(t, env, ahead.ID, domain.StageEditor)
	behind := startPipeline(t, env, "pipeline behind")

	res, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-a",
		Capabilities: []domain.StageName{domain.StagePublish, domain.StageResearch},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Claimed {
		t.Fatal("no claim")
	}
	if res.Stage.Name != domain.StageResearch || res.Stage.PipelineID != behind.ID {
		t.Errorf("claimed %s of %s, want RESEARCH of %s", res.Stage.Name, res.Stage.PipelineID, behind.ID)
	}
}

func TestAutoExecuteCompletesStage(t *testing.T) {
	env := newTestEnv(t)
	p := startPipeline(t, env, "AI agents")

	res, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-a",
		AgentName:    "Researcher",
		Capabilities: []domain.StageName{domain.StageResearch},
		AutoExecute:  true,
		DryRun:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Executed {
		t.Fatalf("not executed: %+v", res.Stage)
	}
	if res.Stage.Status != domain.StageComplete {
		t.Errorf("status = %s", res.Stage.Status)
	}
	var out map[string]any
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out["topic"] != "AI agents" {
		t.Errorf("output topic = %v", out["topic"])
	}

	got, err := env.Engine.Repo.GetPipeline(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStage == nil || *got.CurrentStage != domain.StageScript {
		t.Errorf("current stage = %v", got.CurrentStage)
	}
}

func TestFullPipelineViaQueue(t *testing.T) {
	env := newTestEnv(t)
	p := startPipeline(t, env, "AI agents")
	finishStages(t, env, p.ID, domain.StagePublish)

	got, err := env.Engine.Repo.GetPipeline(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.PipelineComplete {
		t.Fatalf("status = %s", got.Status)
	}
	sum, err := env.Engine.Repo.SumAttribution(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 100 {
		t.Errorf("attribution sum = %d", sum)
	}
}

// A handler failure is recorded on the stage and fails the pipeline; the
// poll itself still succeeds.
func TestAutoExecuteRecordsHandlerFailure(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.PipelineCreateOptions{
		Topic: "AI agents",
		// Break the research input so validation fails at execution time.
		Params:  map[string]map[string]any{"RESEARCH": {"targetDuration": 5.0}},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartPipeline(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	res, err := env.Queue.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-a",
		Capabilities: []domain.StageName{domain.StageResearch},
		AutoExecute:  true,
		DryRun:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Claimed || res.Executed {
		t.Fatalf("claimed=%v executed=%v", res.Claimed, res.Executed)
	}
	if !strings.Contains(res.Error, "invalid input") {
		t.Errorf("error = %q, want the validation failure", res.Error)
	}
	if res.Stage.Status != domain.StageFailed {
		t.Errorf("stage status = %s", res.Stage.Status)
	}
	got, err := env.Engine.Repo.GetPipeline(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.PipelineFailed {
		t.Errorf("pipeline status = %s", got.Status)
	}
}

func TestStatusCoversAllStagesByDefault(t *testing.T) {
	env := newTestEnv(t)
	startPipeline(t, env, "one")
	startPipeline(t, env, "two")

	report, err := env.Queue.Status(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.ByStage) != len(domain.StageOrder) {
		t.Fatalf("demand entries = %d", len(report.ByStage))
	}
	if report.ByStage[0].Stage != domain.StageResearch || report.ByStage[0].Pending != 2 || report.ByStage[0].Ready != 2 {
		t.Errorf("research demand = %+v", report.ByStage[0])
	}
	if report.ByStage[1].Stage != domain.StageScript || report.ByStage[1].Ready != 0 {
		t.Errorf("script demand = %+v", report.ByStage[1])
	}
	// Only the two RESEARCH stages are claimable right now.
	if report.TotalAvailable != 2 {
		t.Errorf("total available = %d", report.TotalAvailable)
	}
	if report.RunningPipelines != 2 {
		t.Errorf("running pipelines = %d", report.RunningPipelines)
	}
}

// captureHandler records the execution context it was given.
type captureHandler struct {
	got *stage.Context
}

func (captureHandler) Name() domain.StageName { return domain.StageResearch }
func (captureHandler) Validate(map[string]any) stage.ValidationResult {
	return stage.ValidationResult{Valid: true}
}
func (h captureHandler) Execute(_ context.Context, sc stage.Context) (stage.Result, error) {
	*h.got = sc
	return stage.Result{Output: json.RawMessage(`{}`)}, nil
}

// The workspace retry settings reach handlers through the execution
// context.
func TestAutoExecuteThreadsRetryConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 7
	cfg.Retry.InitialDelay = config.Duration(250 * time.Millisecond)
	env.Engine.Config = cfg

	var got stage.Context
	q := queue.Queue{Engine: env.Engine, Handlers: stage.NewRegistry(captureHandler{got: &got})}
	startPipeline(t, env, "retry wiring")

	res, err := q.Poll(env.Ctx, queue.PollRequest{
		AgentID:      "agent-a",
		Capabilities: []domain.StageName{domain.StageResearch},
		AutoExecute:  true,
		DryRun:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Executed {
		t.Fatalf("not executed: %+v", res)
	}
	if got.Retry.MaxAttempts != 7 {
		t.Errorf("retry max attempts = %d", got.Retry.MaxAttempts)
	}
	if got.Retry.InitialDelay != 250*time.Millisecond {
		t.Errorf("retry initial delay = %s", got.Retry.InitialDelay)
	}
}
