package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"reelforge/internal/domain"
	"reelforge/internal/retry"
)

// Research gathers facts and hook candidates for a topic. With an API key
// configured it asks the LLM; otherwise (and always in dry runs) it falls
// back to rule-based generation.
type Research struct{}

func (Research) Name() domain.StageName { return domain.StageResearch }

func (Research) Validate(input map[string]any) ValidationResult {
	var errs []string
	topic := getString(input, "topic")
	if topic == "" {
		errs = append(errs, "topic: required")
	}
	if len(topic) > 500 {
		errs = append(errs, "topic: must be at most 500 characters")
	}
	if d, ok := getNumber(input, "targetDuration"); ok && (d < 10 || d > 600) {
		errs = append(errs, "targetDuration: must be between 10 and 600 seconds")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Research) Execute(ctx context.Context, sc Context) (Result, error) {
	topic := getString(sc.Input, "topic")
	duration := 60
	if d, ok := getNumber(sc.Input, "targetDuration"); ok {
		duration = int(d)
	}
	audience := getString(sc.Input, "audience")
	if audience == "" {
		audience = "general audience"
	}

	out := ruleBasedResearch(topic, audience, duration)
	model := "rule-based"
	if key := llmAPIKey(); key != "" && !sc.DryRun {
		if llmOut, err := llmResearch(ctx, sc.Retry, key, topic, audience, duration); err == nil {
			out = llmOut
			model = openAIModel
		}
	}

	output, err := marshalOutput(out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output: output,
		Metadata: map[string]any{
			"model":     model,
			"factCount": len(out.Facts),
		},
	}, nil
}

func ruleBasedResearch(topic, audience string, duration int) ResearchOutput {
	return ResearchOutput{
		Topic: topic,
		Facts: []string{
			fmt.Sprintf("%s is gaining significant attention this year", topic),
			fmt.Sprintf("Experts agree that %s changes how people work", topic),
			fmt.Sprintf("Recent data shows growing interest in %s", topic),
			fmt.Sprintf("There are common misconceptions about %s worth clearing up", topic),
		},
		Hooks: []string{
			fmt.Sprintf("Here's what nobody tells you about %s", topic),
			fmt.Sprintf("%s explained in under a minute", topic),
			fmt.Sprintf("Why everyone is talking about %s", topic),
		},
		TargetAudience:    audience,
		EstimatedDuration: duration,
	}
}

func llmResearch(ctx context.Context, rc retry.Config, apiKey, topic, audience string, duration int) (ResearchOutput, error) {
	prompt := fmt.Sprintf(`Research the topic %q for a %d-second short-form video aimed at %s.

Respond with ONLY valid JSON (no markdown) in this exact structure:
{
  "topic": "the topic",
  "facts": ["fact 1", "fact 2", "fact 3", "fact 4"],
  "hooks": ["hook option 1", "hook option 2", "hook option 3"],
  "targetAudience": "who this is for",
  "estimatedDuration": %d
}`, topic, duration, audience, duration)
	content, err := chatJSON(ctx, rc, apiKey, "You are a research assistant for short-form video production. Always respond with valid JSON only.", prompt)
	if err != nil {
		return ResearchOutput{}, err
	}
	var out ResearchOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return ResearchOutput{}, fmt.Errorf("parse research response: %w", err)
	}
	if out.Topic == "" || len(out.Facts) == 0 {
		return ResearchOutput{}, fmt.Errorf("research response missing topic or facts")
	}
	return out, nil
}
