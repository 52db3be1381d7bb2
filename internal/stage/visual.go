package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"reelforge/internal/domain"
)

var visualStyles = []string{"stock", "animated", "minimal"}

// Visual selects b-roll clips and text overlays from the script's visual
// cues. Stock footage search is mocked; a Pexels integration would slot in
// behind clipFor.
type Visual struct{}

func (Visual) Name() domain.StageName { return domain.StageVisual }

func (Visual) Validate(input map[string]any) ValidationResult {
	var errs []string
	if s := getString(input, "style"); s != "" && !oneOf(s, visualStyles) {
		errs = append(errs, fmt.Sprintf("style: must be one of %s", strings.Join(visualStyles, ", ")))
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Visual) Execute(ctx context.Context, sc Context) (Result, error) {
	script, err := visualScript(sc)
	if err != nil {
		return Result{}, err
	}

	style := getString(sc.Input, "style")
	if style == "" {
		style = "stock"
	}

	clips := make([]VisualClip, 0, len(script.Body))
	overlays := make([]VisualOverlay, 0, len(script.Body))
	cursor := 0.0
	for _, section := range script.Body {
		d := float64(section.Duration)
		clips = append(clips, clipFor(section.VisualCue, cursor, d))
		if section.Heading != "" {
			overlays = append(overlays, VisualOverlay{
				Text:      section.Heading,
				StartTime: cursor,
				Duration:  3,
				Position:  "top",
			})
		}
		cursor += d
	}

	out := VisualOutput{Clips: clips, Overlays: overlays, Style: style}
	output, err := marshalOutput(out)
	if err != nil {
		return Result{}, err
	}
	artifacts := make([]Artifact, 0, len(clips))
	for _, c := range clips {
		artifacts = append(artifacts, Artifact{URL: c.URL, Kind: "video"})
	}
	return Result{
		Output:    output,
		Artifacts: artifacts,
		Metadata: map[string]any{
			"clipCount":    len(clips),
			"overlayCount": len(overlays),
			"style":        style,
		},
	}, nil
}

func visualScript(sc Context) (ScriptOutput, error) {
	var script ScriptOutput
	if raw, ok := sc.Outputs[domain.StageScript]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &script); err != nil {
			return script, fmt.Errorf("parse script output: %w", err)
		}
	} else if m, ok := getMap(sc.Input, "script"); ok {
		raw, err := json.Marshal(m)
		if err != nil {
			return script, err
		}
		if err := json.Unmarshal(raw, &script); err != nil {
			return script, fmt.Errorf("parse script input: %w", err)
		}
	}
	if len(script.Body) == 0 {
		return script, fmt.Errorf("no script sections available: run the SCRIPT stage first or pass script in the input")
	}
	return script, nil
}

func clipFor(cue string, start, duration float64) VisualClip {
	query := searchQueryFor(cue)
	return VisualClip{
		URL:         fmt.Sprintf("https://videos.pexels.com/stock/%s.mp4", url.PathEscape(query)),
		Description: cue,
		StartTime:   start,
		Duration:    duration,
		Source:      "pexels",
	}
}

// searchQueryFor reduces a visual cue sentence to a short search query.
func searchQueryFor(cue string) string {
	cue = strings.ToLower(cue)
	for _, prefix := range []string{"show relevant b-roll for:", "show", "display"} {
		cue = strings.TrimSpace(strings.TrimPrefix(cue, prefix))
	}
	words := strings.Fields(cue)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, "-")
}
