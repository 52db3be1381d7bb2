package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reelforge/internal/bus"
	"reelforge/internal/config"
	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/engine"
	"reelforge/internal/migrate"
	"reelforge/internal/queue"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), bus.New())
	handler, err := New(Config{Engine: e, Queue: queue.New(e), BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/pipelines", map[string]any{
		"topic":       "AI agents",
		"template_id": "explainer-pro",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var p domain.Pipeline
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.PipelineDraft {
		t.Errorf("status = %s", p.Status)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/pipelines/"+p.ID+"/start", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, body)
	}

	// Claim via the queue, execute dry-run, and watch the stage complete.
	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/queue/claim", map[string]any{
		"agent_id":     "agent-a",
		"agent_name":   "Researcher",
		"capabilities": []string{"RESEARCH"},
		"auto_execute": true,
		"dry_run":      true,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, body)
	}
	var claim ClaimResponse
	if err := json.Unmarshal(body, &claim); err != nil {
		t.Fatal(err)
	}
	if !claim.Claimed || !claim.Executed {
		t.Fatalf("claim = %+v", claim)
	}
	if claim.Stage.Status != domain.StageComplete {
		t.Errorf("stage status = %s", claim.Stage.Status)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/pipelines/"+p.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", res.StatusCode, body)
	}
	var got domain.Pipeline
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Stages) != len(domain.StageOrder) {
		t.Errorf("stages = %d", len(got.Stages))
	}
	if got.CurrentStage == nil || *got.CurrentStage != domain.StageScript {
		t.Errorf("current stage = %v", got.CurrentStage)
	}
}

func TestClaimConflictMapsTo409(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	p, err := ts.Engine.CreatePipeline(ctx, engine.PipelineCreateOptions{Topic: "t", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.StartPipeline(ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.ClaimStage(ctx, engine.ClaimOptions{
		PipelineID: p.ID, StageName: domain.StageResearch, AgentID: "agent-a",
	}); err != nil {
		t.Fatal(err)
	}

	// Direct claim of the same stage through the engine conflicts; the
	// queue endpoint reports it as no work instead.
	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/queue/claim", map[string]any{
		"agent_id":     "agent-b",
		"capabilities": []string{"RESEARCH"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, body)
	}
	var claim ClaimResponse
	if err := json.Unmarshal(body, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.Claimed {
		t.Error("claimed already-claimed stage")
	}

	// Skipping a COMPLETE stage is a 409 with the envelope.
	stage, err := ts.Engine.Repo.GetStageByName(ctx, p.ID, domain.StageResearch)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.StartStage(ctx, stage.ID, "agent-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.CompleteStage(ctx, engine.CompleteOptions{StageID: stage.ID, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/stages/"+stage.ID+"/skip", map[string]any{"actor_id": "op"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("skip status = %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Errorf("code = %s", envelope.Error.Code)
	}
}

func TestUnknownPipelineIs404(t *testing.T) {
	ts := newTestServer(t)
	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/pipelines/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_found" {
		t.Errorf("code = %s", envelope.Error.Code)
	}
}

func TestTemplatesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/templates", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var templates []map[string]any
	if err := json.Unmarshal(body, &templates); err != nil {
		t.Fatal(err)
	}
	if len(templates) == 0 {
		t.Fatal("no templates")
	}
	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/templates/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestAgentsEndpointAfterWork(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	p, err := ts.Engine.CreatePipeline(ctx, engine.PipelineCreateOptions{Topic: "t", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.StartPipeline(ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	claim, err := ts.Engine.ClaimStage(ctx, engine.ClaimOptions{
		PipelineID: p.ID, StageName: domain.StageResearch, AgentID: "agent-a", AgentName: "Researcher",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.StartStage(ctx, claim.Stage.ID, "agent-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.CompleteStage(ctx, engine.CompleteOptions{StageID: claim.Stage.ID, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}

	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var agents []domain.AgentContribution
	if err := json.Unmarshal(body, &agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].AgentID != "agent-a" || agents[0].TotalContribution != domain.StageWeights[domain.StageResearch] {
		t.Errorf("agents = %+v", agents)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/agent-a", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var detail AgentDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.StagesCompleted != 1 || len(detail.Attributions) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/ghost", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("ghost status = %d", res.StatusCode)
	}
}

func TestQueueStatusReportsTotals(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	p, err := ts.Engine.CreatePipeline(ctx, engine.PipelineCreateOptions{Topic: "t", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.StartPipeline(ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	res, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/queue/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var report queue.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if len(report.ByStage) != len(domain.StageOrder) {
		t.Errorf("by_stage entries = %d", len(report.ByStage))
	}
	// Only RESEARCH is claimable in a fresh pipeline.
	if report.TotalAvailable != 1 {
		t.Errorf("total_available = %d", report.TotalAvailable)
	}
	if report.RunningPipelines != 1 {
		t.Errorf("running_pipelines = %d", report.RunningPipelines)
	}
}

// A committed mutation nudges the dispatcher through the bus, so delivery
// does not wait out the polling interval.
func TestWebhookDeliveryNudgedByBus(t *testing.T) {
	received := make(chan webhookEvent, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		received <- evt
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{URL: hook.URL, Events: []string{"pipeline."}}}
	e := engine.New(conn, cfg, bus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartWebhookDispatcher(ctx, e)
	// Let the dispatcher run its first pass and anchor its cursor.
	time.Sleep(100 * time.Millisecond)

	p, err := e.CreatePipeline(ctx, engine.PipelineCreateOptions{Topic: "t", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-received:
		if evt.Type != "pipeline.created" || evt.PipelineID != p.ID {
			t.Errorf("delivered %s for %s", evt.Type, evt.PipelineID)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery before the polling interval elapsed")
	}
}
