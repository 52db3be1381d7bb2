package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"reelforge/internal/retry"
)

const (
	openAIEndpoint = "https://api.openai.com/v1/chat/completions"
	openAIModel    = "gpt-4o-mini"
	apiKeyEnv      = "OPENAI_API_KEY"
)

func llmAPIKey() string {
	return os.Getenv(apiKeyEnv)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatJSON sends one chat completion request and returns the raw content.
// Transient failures (timeouts, 429, 5xx) are retried on rc's backoff
// schedule; the final error is the handler's to classify.
func chatJSON(ctx context.Context, rc retry.Config, apiKey, system, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: openAIModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   1500,
	})
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	var content string
	err = retry.Transient(ctx, rc, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEndpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
			return fmt.Errorf("openai api error: %d %s", res.StatusCode, bytes.TrimSpace(data))
		}
		var parsed chatResponse
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return err
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("openai api returned no choices")
		}
		content = parsed.Choices[0].Message.Content
		return nil
	})
	return content, err
}
