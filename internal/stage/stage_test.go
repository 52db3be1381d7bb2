package stage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"reelforge/internal/domain"
)

func TestDefaultRegistryCoversAllStages(t *testing.T) {
	r := Default()
	for _, name := range domain.StageOrder {
		h, ok := r.Get(name)
		if !ok {
			t.Fatalf("no handler registered for %s", name)
		}
		if h.Name() != name {
			t.Errorf("handler for %s reports name %s", name, h.Name())
		}
	}
	if _, ok := r.Get(domain.StageName("BOGUS")); ok {
		t.Error("expected no handler for unknown stage")
	}
}

func TestResearchValidate(t *testing.T) {
	h := Research{}
	if res := h.Validate(map[string]any{"topic": "AI agents"}); !res.Valid {
		t.Fatalf("valid input rejected: %v", res.Errors)
	}
	if res := h.Validate(map[string]any{}); res.Valid {
		t.Error("missing topic accepted")
	}
	if res := h.Validate(map[string]any{"topic": strings.Repeat("x", 501)}); res.Valid {
		t.Error("oversized topic accepted")
	}
	if res := h.Validate(map[string]any{"topic": "ok", "targetDuration": 5.0}); res.Valid {
		t.Error("out-of-range duration accepted")
	}
}

func TestScriptValidate(t *testing.T) {
	h := Script{}
	if res := h.Validate(map[string]any{"style": "educational"}); !res.Valid {
		t.Fatalf("valid style rejected: %v", res.Errors)
	}
	if res := h.Validate(map[string]any{"style": "operatic"}); res.Valid {
		t.Error("unknown style accepted")
	}
	if res := h.Validate(map[string]any{"structure": map[string]any{"format": "sonnet"}}); res.Valid {
		t.Error("unknown format accepted")
	}
}

func TestPublishValidate(t *testing.T) {
	h := Publish{}
	if res := h.Validate(map[string]any{"platforms": []any{"youtube", "tiktok"}}); !res.Valid {
		t.Fatalf("valid platforms rejected: %v", res.Errors)
	}
	if res := h.Validate(map[string]any{"platforms": []any{"myspace"}}); res.Valid {
		t.Error("unknown platform accepted")
	}
	if res := h.Validate(map[string]any{"scheduled": "2026-12-31T23:59:59Z"}); !res.Valid {
		t.Fatalf("valid scheduled time rejected: %v", res.Errors)
	}
	if res := h.Validate(map[string]any{"scheduled": "tomorrow"}); res.Valid {
		t.Error("malformed scheduled time accepted")
	}
}

// TestDryRunChain runs all seven handlers in order, threading each output
// into the next, the way the queue does for a full pipeline.
func TestDryRunChain(t *testing.T) {
	ctx := context.Background()
	r := Default()

	var prev json.RawMessage
	outputs := make(map[domain.StageName]json.RawMessage)
	input := map[string]any{"topic": "AI agents", "targetDuration": 45.0}
	for _, name := range domain.StageOrder {
		h, _ := r.Get(name)
		if res := h.Validate(input); !res.Valid {
			t.Fatalf("%s: input rejected: %v", name, res.Errors)
		}
		result, err := h.Execute(ctx, Context{
			PipelineID:     "pipe-1",
			StageID:        "stage-" + string(name),
			AgentID:        "agent-test",
			Input:          input,
			PreviousOutput: prev,
			Outputs:        outputs,
			DryRun:         true,
		})
		if err != nil {
			t.Fatalf("%s: execute: %v", name, err)
		}
		if len(result.Output) == 0 {
			t.Fatalf("%s: empty output", name)
		}
		prev = result.Output
		outputs[name] = result.Output
		input = map[string]any{}
	}

	var published PublishOutput
	if err := json.Unmarshal(prev, &published); err != nil {
		t.Fatalf("parse publish output: %v", err)
	}
	if len(published.Platforms) != 1 || published.Platforms[0].Platform != "youtube" {
		t.Errorf("expected default youtube platform, got %+v", published.Platforms)
	}
	if !strings.Contains(published.Platforms[0].URL, "youtube.com") {
		t.Errorf("platform URL = %s", published.Platforms[0].URL)
	}
}

func TestScriptSectionsFollowDuration(t *testing.T) {
	research := ResearchOutput{
		Topic:             "compost",
		Facts:             []string{"a", "b", "c", "d"},
		Hooks:             []string{"why compost matters"},
		TargetAudience:    "gardeners",
		EstimatedDuration: 30,
	}
	out := ruleBasedScript(research, 30, "monologue", nil)
	if len(out.Body) != 2 {
		t.Fatalf("expected 2 sections for 30s, got %d", len(out.Body))
	}
	if out.Hook != "why compost matters" {
		t.Errorf("hook = %q", out.Hook)
	}
	for _, s := range out.Body {
		if s.Duration != 15 {
			t.Errorf("section duration = %d, want 15", s.Duration)
		}
		if s.VisualCue == "" {
			t.Error("section missing visual cue")
		}
	}
}

func TestScriptDialogAssignsSpeakers(t *testing.T) {
	research := ResearchOutput{
		Topic:             "tea",
		Facts:             []string{"a", "b"},
		EstimatedDuration: 30,
	}
	chars := []scriptCharacter{{Name: "Ana"}, {Name: "Ben"}}
	out := ruleBasedScript(research, 30, "dialog", chars)
	if !strings.HasPrefix(out.Body[0].Heading, "Ana:") {
		t.Errorf("first heading = %q", out.Body[0].Heading)
	}
	if !strings.HasPrefix(out.Body[1].Heading, "Ben:") {
		t.Errorf("second heading = %q", out.Body[1].Heading)
	}
}

func TestMusicSelectTrack(t *testing.T) {
	got := selectTrack(60, "neutral", "lofi")
	if got.Genre != "lofi" {
		t.Errorf("genre = %s, want lofi", got.Genre)
	}
	// No track has this genre; mood match wins.
	got = selectTrack(60, "dramatic", "jazz")
	if got.Mood != "dramatic" {
		t.Errorf("mood = %s, want dramatic", got.Mood)
	}
	// Neither matches; closest duration wins.
	got = selectTrack(95, "romantic", "jazz")
	if got.Name != "Upbeat Corporate" {
		t.Errorf("track = %s, want Upbeat Corporate", got.Name)
	}
}

func TestInferMood(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"this is amazing and incredible", "upbeat"},
		{"critical warning about danger", "dramatic"},
		{"a simple and gentle walkthrough", "calm"},
		{"plain factual narration", "neutral"},
	}
	for _, c := range cases {
		if got := inferMood(c.text); got != c.want {
			t.Errorf("inferMood(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestVoiceSegmentsCoverScript(t *testing.T) {
	script := ScriptOutput{
		Hook: "hello there",
		Body: []ScriptSection{
			{Heading: "Ana: Point 1", Content: "first point with several words"},
			{Heading: "Point 2", Content: "second point"},
		},
		CTA: "follow for more",
	}
	raw, _ := json.Marshal(script)
	result, err := Voice{}.Execute(context.Background(), Context{
		PipelineID:     "pipe-1",
		PreviousOutput: raw,
		Input:          map[string]any{},
		DryRun:         true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out VoiceOutput
	if err := json.Unmarshal(result.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Segments) != 4 {
		t.Fatalf("segments = %d, want 4 (hook + 2 sections + cta)", len(out.Segments))
	}
	if out.Segments[1].Speaker != "Ana" {
		t.Errorf("speaker = %q, want Ana", out.Segments[1].Speaker)
	}
	var total float64
	for _, s := range out.Segments {
		total += s.Duration
	}
	if out.Duration != total {
		t.Errorf("duration %v != segment sum %v", out.Duration, total)
	}
}

func TestEditorRequiresClips(t *testing.T) {
	raw, _ := json.Marshal(VisualOutput{})
	_, err := Editor{}.Execute(context.Background(), Context{PreviousOutput: raw, Input: map[string]any{}})
	if err == nil {
		t.Fatal("expected error for empty clip list")
	}
}

func TestPublishRequiresVideoURL(t *testing.T) {
	raw, _ := json.Marshal(EditorOutput{})
	_, err := Publish{}.Execute(context.Background(), Context{PreviousOutput: raw, Input: map[string]any{}})
	if err == nil || !strings.Contains(err.Error(), "no video URL") {
		t.Fatalf("err = %v, want no video URL error", err)
	}
}
