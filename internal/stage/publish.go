package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reelforge/internal/domain"
)

var publishPlatforms = []string{"youtube", "tiktok", "instagram", "twitter"}

var platformURLPatterns = map[string]string{
	"youtube":   "https://youtube.com/shorts/%s",
	"tiktok":    "https://tiktok.com/@reelforge/video/%s",
	"instagram": "https://instagram.com/reel/%s",
	"twitter":   "https://twitter.com/reelforge/status/%s",
}

// Publish uploads the rendered video. Platform uploads are mocked; each
// platform result carries the post id and URL a real integration would
// return.
type Publish struct{}

func (Publish) Name() domain.StageName { return domain.StagePublish }

func (Publish) Validate(input map[string]any) ValidationResult {
	var errs []string
	if raw, ok := input["platforms"].([]any); ok {
		for _, v := range raw {
			p, ok := v.(string)
			if !ok || !oneOf(p, publishPlatforms) {
				errs = append(errs, fmt.Sprintf("platforms: %v is not one of %s", v, strings.Join(publishPlatforms, ", ")))
			}
		}
	}
	if s := getString(input, "scheduled"); s != "" {
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			errs = append(errs, "scheduled: must be an RFC 3339 timestamp")
		}
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Publish) Execute(ctx context.Context, sc Context) (Result, error) {
	var render EditorOutput
	raw := outputFor(sc, domain.StageEditor)
	if len(raw) == 0 {
		return Result{}, fmt.Errorf("no render available: run the EDITOR stage first")
	}
	if err := json.Unmarshal(raw, &render); err != nil {
		return Result{}, fmt.Errorf("parse editor output: %w", err)
	}
	if render.VideoURL == "" {
		return Result{}, fmt.Errorf("no video URL in editor output")
	}

	platforms := publishTargets(sc.Input)
	title := getString(sc.Input, "title")
	if title == "" {
		title = "Untitled"
	}
	description := getString(sc.Input, "description")
	var tags []string
	if raw, ok := sc.Input["tags"].([]any); ok {
		for _, v := range raw {
			if t, ok := v.(string); ok {
				tags = append(tags, t)
			}
		}
	}

	posts := make([]PlatformPost, 0, len(platforms))
	for _, p := range platforms {
		id := postID(sc.PipelineID, p)
		posts = append(posts, PlatformPost{
			Platform: p,
			URL:      fmt.Sprintf(platformURLPatterns[p], id),
			PostID:   id,
		})
	}

	out := PublishOutput{
		Platforms:   posts,
		Title:       title,
		Description: description,
		Tags:        tags,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if sc.DryRun {
		out.PublishedAt = "1970-01-01T00:00:00Z"
	}
	output, err := marshalOutput(out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output: output,
		Metadata: map[string]any{
			"platformCount": len(posts),
			"videoUrl":      render.VideoURL,
		},
	}, nil
}

func publishTargets(input map[string]any) []string {
	raw, ok := input["platforms"].([]any)
	if !ok || len(raw) == 0 {
		return []string{"youtube"}
	}
	var out []string
	for _, v := range raw {
		if p, ok := v.(string); ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"youtube"}
	}
	return out
}

// postID derives a stable mock post id so dry runs are reproducible.
func postID(pipelineID, platform string) string {
	sum := sha256.Sum256([]byte(pipelineID + "/" + platform))
	return hex.EncodeToString(sum[:6])
}
