package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"reelforge/internal/domain"
)

var voiceProviders = []string{"mock", "elevenlabs", "openai"}

// Voice synthesizes narration for the script. Only the mock provider is
// wired; real TTS providers plug in behind the same output shape.
type Voice struct{}

func (Voice) Name() domain.StageName { return domain.StageVoice }

func (Voice) Validate(input map[string]any) ValidationResult {
	var errs []string
	if p := getString(input, "provider"); p != "" && !oneOf(p, voiceProviders) {
		errs = append(errs, fmt.Sprintf("provider: must be one of %s", strings.Join(voiceProviders, ", ")))
	}
	if s, ok := getNumber(input, "speed"); ok && (s < 0.5 || s > 2.0) {
		errs = append(errs, "speed: must be between 0.5 and 2.0")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Voice) Execute(ctx context.Context, sc Context) (Result, error) {
	var script ScriptOutput
	raw := outputFor(sc, domain.StageScript)
	if len(raw) == 0 {
		return Result{}, fmt.Errorf("no script available: run the SCRIPT stage first")
	}
	if err := json.Unmarshal(raw, &script); err != nil {
		return Result{}, fmt.Errorf("parse script output: %w", err)
	}
	if script.Hook == "" && len(script.Body) == 0 {
		return Result{}, fmt.Errorf("script output is empty")
	}

	provider := getString(sc.Input, "provider")
	if provider == "" {
		provider = "mock"
	}
	voiceID := getString(sc.Input, "voiceId")
	if voiceID == "" {
		voiceID = "narrator-default"
	}
	speed := 1.0
	if s, ok := getNumber(sc.Input, "speed"); ok {
		speed = s
	}

	lines := make([]string, 0, len(script.Body)+2)
	speakers := make([]string, 0, len(script.Body)+2)
	lines = append(lines, script.Hook)
	speakers = append(speakers, "")
	for _, s := range script.Body {
		lines = append(lines, s.Content)
		speakers = append(speakers, speakerFromHeading(s.Heading))
	}
	if script.CTA != "" {
		lines = append(lines, script.CTA)
		speakers = append(speakers, "")
	}

	segments := make([]VoiceSegment, 0, len(lines))
	cursor := 0.0
	for i, line := range lines {
		d := speechDuration(line, speed)
		segments = append(segments, VoiceSegment{
			Text:     line,
			AudioURL: fmt.Sprintf("https://storage.reelforge.dev/audio/%s/segment-%d.mp3", sc.PipelineID, i),
			Start:    cursor,
			Duration: d,
			Speaker:  speakers[i],
		})
		cursor += d
	}

	out := VoiceOutput{
		AudioURL: fmt.Sprintf("https://storage.reelforge.dev/audio/%s/narration.mp3", sc.PipelineID),
		Duration: cursor,
		VoiceID:  voiceID,
		Provider: provider,
		Segments: segments,
	}
	output, err := marshalOutput(out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output:    output,
		Artifacts: []Artifact{{URL: out.AudioURL, Kind: "audio"}},
		Metadata: map[string]any{
			"provider":     provider,
			"segmentCount": len(segments),
			"speed":        speed,
		},
	}, nil
}

// speechDuration estimates seconds of speech at roughly 150 words per
// minute, scaled by the requested speed.
func speechDuration(text string, speed float64) float64 {
	words := float64(countWords(text))
	d := words / (150.0 / 60.0) / speed
	return math.Round(d*10) / 10
}

// speakerFromHeading extracts "Alice" from dialog headings like
// "Alice: Point 2". Empty for plain headings.
func speakerFromHeading(heading string) string {
	if i := strings.Index(heading, ":"); i > 0 {
		return strings.TrimSpace(heading[:i])
	}
	return ""
}
