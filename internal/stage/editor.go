package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"reelforge/internal/domain"
)

var editorFormats = []string{"vertical", "horizontal", "square"}

var formatDimensions = map[string]VideoFormat{
	"vertical":   {Width: 1080, Height: 1920, FPS: 30},
	"horizontal": {Width: 1920, Height: 1080, FPS: 30},
	"square":     {Width: 1080, Height: 1080, FPS: 30},
}

// Editor assembles the selected clips into the final render. Rendering is
// mocked; the output carries the video URL and format the PUBLISH stage
// needs.
type Editor struct{}

func (Editor) Name() domain.StageName { return domain.StageEditor }

func (Editor) Validate(input map[string]any) ValidationResult {
	var errs []string
	if f := getString(input, "format"); f != "" && !oneOf(f, editorFormats) {
		errs = append(errs, fmt.Sprintf("format: must be one of %s", strings.Join(editorFormats, ", ")))
	}
	if fps, ok := getNumber(input, "fps"); ok && (fps < 24 || fps > 60) {
		errs = append(errs, "fps: must be between 24 and 60")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Editor) Execute(ctx context.Context, sc Context) (Result, error) {
	var visual VisualOutput
	raw := outputFor(sc, domain.StageVisual)
	if len(raw) == 0 {
		return Result{}, fmt.Errorf("no visual output available: run the VISUAL stage first")
	}
	if err := json.Unmarshal(raw, &visual); err != nil {
		return Result{}, fmt.Errorf("parse visual output: %w", err)
	}
	if len(visual.Clips) == 0 {
		return Result{}, fmt.Errorf("visual output has no clips")
	}

	format := getString(sc.Input, "format")
	if format == "" {
		format = "vertical"
	}
	dims := formatDimensions[format]
	if fps, ok := getNumber(sc.Input, "fps"); ok {
		dims.FPS = int(fps)
	}

	total := 0.0
	for _, c := range visual.Clips {
		total += c.Duration
	}

	out := EditorOutput{
		VideoURL:     fmt.Sprintf("https://storage.reelforge.dev/renders/%s/final.mp4", sc.PipelineID),
		Duration:     total,
		ThumbnailURL: fmt.Sprintf("https://storage.reelforge.dev/renders/%s/thumb.jpg", sc.PipelineID),
		Format:       dims,
		// Render time scales with output length; a real renderer reports
		// the measured value.
		RenderTime: total * 2,
	}
	output, err := marshalOutput(out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output: output,
		Artifacts: []Artifact{
			{URL: out.VideoURL, Kind: "video"},
			{URL: out.ThumbnailURL, Kind: "image"},
		},
		Metadata: map[string]any{
			"clipCount": len(visual.Clips),
			"format":    format,
			"fps":       dims.FPS,
		},
	}, nil
}
