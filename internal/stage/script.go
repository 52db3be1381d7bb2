package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"reelforge/internal/domain"
	"reelforge/internal/retry"
)

var scriptStyles = []string{"educational", "entertaining", "news", "tutorial"}

var scriptFormats = []string{"monologue", "dialog", "story", "listicle", "tutorial", "debate"}

// Script turns research into a timed script with visual cues. The previous
// stage output supplies the research; the input may carry style, duration,
// and template structure overrides.
type Script struct{}

func (Script) Name() domain.StageName { return domain.StageScript }

func (Script) Validate(input map[string]any) ValidationResult {
	var errs []string
	if s := getString(input, "style"); s != "" && !oneOf(s, scriptStyles) {
		errs = append(errs, fmt.Sprintf("style: must be one of %s", strings.Join(scriptStyles, ", ")))
	}
	if d, ok := getNumber(input, "duration"); ok && (d < 10 || d > 600) {
		errs = append(errs, "duration: must be between 10 and 600 seconds")
	}
	if st, ok := getMap(input, "structure"); ok {
		if f := getString(st, "format"); f != "" && !oneOf(f, scriptFormats) {
			errs = append(errs, fmt.Sprintf("structure.format: must be one of %s", strings.Join(scriptFormats, ", ")))
		}
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Script) Execute(ctx context.Context, sc Context) (Result, error) {
	research, err := scriptResearch(sc)
	if err != nil {
		return Result{}, err
	}

	style := getString(sc.Input, "style")
	if style == "" {
		style = "educational"
	}
	duration := research.EstimatedDuration
	if d, ok := getNumber(sc.Input, "duration"); ok {
		duration = int(d)
	}
	if duration <= 0 {
		duration = 60
	}

	structure, _ := getMap(sc.Input, "structure")
	format := getString(structure, "format")
	if format == "" {
		format = "monologue"
	}
	wordsPerMinute := 150.0
	if pacing, ok := getMap(structure, "pacing"); ok {
		if wpm, ok := getNumber(pacing, "wordsPerMinute"); ok && wpm > 0 {
			wordsPerMinute = wpm
		}
	}
	characters := scriptCharacters(sc.Input)

	draft := ruleBasedScript(research, duration, format, characters)
	model := "rule-based"
	if key := llmAPIKey(); key != "" && !sc.DryRun {
		if d, err := llmScript(ctx, sc.Retry, key, research, style, duration, format, characters, structure); err == nil {
			draft = d
			model = openAIModel
		}
	}

	parts := make([]string, 0, len(draft.Body)+2)
	parts = append(parts, draft.Hook)
	for _, s := range draft.Body {
		parts = append(parts, s.Content)
	}
	parts = append(parts, draft.CTA)
	draft.FullScript = strings.Join(parts, "\n\n")
	draft.EstimatedDuration = duration

	output, err := marshalOutput(draft)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output: output,
		Metadata: map[string]any{
			"style":       style,
			"format":      format,
			"model":       model,
			"targetWords": int(math.Round(float64(duration) / 60 * wordsPerMinute)),
			"actualWords": countWords(draft.FullScript),
		},
	}, nil
}

type scriptCharacter struct {
	Name        string
	Personality string
}

func scriptCharacters(input map[string]any) []scriptCharacter {
	voice, ok := getMap(input, "voice")
	if !ok {
		return nil
	}
	raw, ok := voice["characters"].([]any)
	if !ok {
		return nil
	}
	var out []scriptCharacter
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		c := scriptCharacter{Name: getString(m, "name"), Personality: getString(m, "personality")}
		if c.Name != "" {
			out = append(out, c)
		}
	}
	return out
}

// scriptResearch reads the RESEARCH output from the previous stage, falling
// back to a "research" object in the input for standalone runs.
func scriptResearch(sc Context) (ResearchOutput, error) {
	var research ResearchOutput
	if raw := outputFor(sc, domain.StageResearch); len(raw) > 0 {
		if err := json.Unmarshal(raw, &research); err != nil {
			return research, fmt.Errorf("parse research output: %w", err)
		}
	} else if m, ok := getMap(sc.Input, "research"); ok {
		raw, err := json.Marshal(m)
		if err != nil {
			return research, err
		}
		if err := json.Unmarshal(raw, &research); err != nil {
			return research, fmt.Errorf("parse research input: %w", err)
		}
	}
	if research.Topic == "" {
		return research, fmt.Errorf("no research available: run the RESEARCH stage first or pass research in the input")
	}
	return research, nil
}

func ruleBasedScript(research ResearchOutput, duration int, format string, characters []scriptCharacter) ScriptOutput {
	hook := fmt.Sprintf("Let's talk about %s", research.Topic)
	if len(research.Hooks) > 0 {
		hook = research.Hooks[0]
	}
	numSections := len(research.Facts)
	if limit := int(math.Ceil(float64(duration) / 15)); limit < numSections {
		numSections = limit
	}
	if numSections < 1 {
		numSections = 1
	}
	sectionDuration := int(math.Round(float64(duration) / float64(numSections)))

	sections := make([]ScriptSection, 0, numSections)
	for i := 0; i < numSections && i < len(research.Facts); i++ {
		heading := fmt.Sprintf("Point %d", i+1)
		if (format == "dialog" || format == "debate") && len(characters) >= 2 {
			heading = fmt.Sprintf("%s: %s", characters[i%len(characters)].Name, heading)
		}
		sections = append(sections, ScriptSection{
			Heading:   heading,
			Content:   research.Facts[i],
			VisualCue: visualCueFor(research.Facts[i], research.Topic),
			Duration:  sectionDuration,
		})
	}

	return ScriptOutput{
		Hook: hook,
		Body: sections,
		CTA:  "Follow for more!",
		SpeakerNotes: []string{
			"Start with energy, the hook needs to grab attention",
			"Pause briefly between sections",
			"End with clear call to action",
		},
	}
}

func visualCueFor(fact, topic string) string {
	lower := strings.ToLower(fact)
	switch {
	case strings.Contains(lower, "growth") || strings.Contains(lower, "increase") || strings.Contains(lower, "growing"):
		return "Show upward trending graph animation"
	case strings.Contains(lower, "expert") || strings.Contains(lower, "professional"):
		return "Show professional/expert b-roll"
	case strings.Contains(lower, "data") || strings.Contains(lower, "statistic"):
		return "Display statistic as text overlay"
	}
	return fmt.Sprintf("Show relevant b-roll for: %s", topic)
}

func llmScript(ctx context.Context, rc retry.Config, apiKey string, research ResearchOutput, style string, duration int, format string, characters []scriptCharacter, structure map[string]any) (ScriptOutput, error) {
	var facts, hooks strings.Builder
	for i, f := range research.Facts {
		fmt.Fprintf(&facts, "%d. %s\n", i+1, f)
	}
	for i, h := range research.Hooks {
		fmt.Fprintf(&hooks, "%d. %s\n", i+1, h)
	}

	formatInstructions := formatInstructionsFor(format, characters)

	ctaLine := `End with: "Follow for more!"`
	if cta, ok := getMap(structure, "cta"); ok {
		if enabled, has := cta["enabled"].(bool); has && !enabled {
			ctaLine = "End naturally without a call to action"
		} else if text := getString(cta, "text"); text != "" {
			ctaLine = fmt.Sprintf("End with: %q", text)
		}
	}

	prompt := fmt.Sprintf(`Create a video script for a %d-second %s short-form video.

Topic: %s
Target Audience: %s
Key Facts:
%s
Hook Options:
%s
%s

Guidelines:
- Choose the most attention-grabbing hook
- Create %d sections (~15 sec each)
- Each section should have a visual cue for b-roll selection
- %s
- Include 3-4 speaker notes for delivery

Respond with ONLY valid JSON (no markdown) in this exact structure:
{
  "hook": "attention-grabbing opening line",
  "body": [
    {"heading": "section title", "content": "what to say", "visualCue": "what to show", "duration": 15}
  ],
  "cta": "call to action",
  "speakerNotes": ["delivery tip 1", "delivery tip 2"]
}`, duration, style, research.Topic, research.TargetAudience, facts.String(), hooks.String(),
		formatInstructions, int(math.Ceil(float64(duration)/15)), ctaLine)

	content, err := chatJSON(ctx, rc, apiKey, "You are a professional video scriptwriter for social media. Write engaging, concise scripts. Always respond with valid JSON only.", prompt)
	if err != nil {
		return ScriptOutput{}, err
	}
	var out ScriptOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return ScriptOutput{}, fmt.Errorf("parse script response: %w", err)
	}
	if out.Hook == "" || len(out.Body) == 0 {
		return ScriptOutput{}, fmt.Errorf("script response missing hook or sections")
	}
	return out, nil
}

func formatInstructionsFor(format string, characters []scriptCharacter) string {
	switch {
	case format == "dialog" && len(characters) >= 2:
		var b strings.Builder
		b.WriteString("FORMAT: Dialog between characters:\n")
		for _, c := range characters {
			p := c.Personality
			if p == "" {
				p = "friendly"
			}
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, p)
		}
		b.WriteString("Each section is a single character's line; alternate naturally and include the speaker name in each heading.")
		return b.String()
	case format == "debate" && len(characters) >= 2:
		return fmt.Sprintf("FORMAT: Debate between %s and %s. Present opposing viewpoints with counter-arguments; include the speaker name in each heading.", characters[0].Name, characters[1].Name)
	case format == "story":
		return "FORMAT: Narrative story with a clear beginning, middle, and end. Use descriptive language."
	case format == "listicle":
		return "FORMAT: Listicle. Present information as a numbered list of punchy, memorable points."
	default:
		return "FORMAT: Monologue. Single narrator presenting directly to the viewer, conversational and engaging."
	}
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
