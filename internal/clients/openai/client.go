package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
)

// Client is the OpenAI API surface the pipeline executors consume.
type Client interface {
	// GenerateJSON runs a structured-output generation against a JSON
	// schema and returns the decoded object.
	GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error)

	// GenerateText runs a plain text generation.
	GenerateText(ctx context.Context, system string, user string) (string, error)

	// GenerateVideo renders a video from a prompt and returns a URL to the
	// produced asset (provider-hosted; callers re-home it to storage).
	GenerateVideo(ctx context.Context, prompt string, durationSeconds int) (string, error)
}

// APIError carries the HTTP status so callers can classify retryability.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, truncate(e.Body, 300))
}

// Retryable reports whether the failure is a rate limit or server-side
// condition that a later attempt can clear.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type client struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	textModel  string
	videoModel string
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	textModel := strings.TrimSpace(os.Getenv("OPENAI_TEXT_MODEL"))
	if textModel == "" {
		textModel = "gpt-4o-mini"
	}
	videoModel := strings.TrimSpace(os.Getenv("OPENAI_VIDEO_MODEL"))
	if videoModel == "" {
		videoModel = "sora-1"
	}
	return &client{
		log:        log.With("service", "OpenaiClient"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		textModel:  textModel,
		videoModel: videoModel,
	}, nil
}

func (c *client) GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error) {
	body := map[string]any{
		"model": c.textModel,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schemaName,
				"schema": schema,
				"strict": true,
			},
		},
	}
	content, err := c.chatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode structured output: %w", err)
	}
	return out, nil
}

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	body := map[string]any{
		"model": c.textModel,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	return c.chatCompletion(ctx, body)
}

func (c *client) chatCompletion(ctx context.Context, body map[string]any) (string, error) {
	raw, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *client) GenerateVideo(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	if durationSeconds <= 0 {
		durationSeconds = 30
	}
	raw, err := c.post(ctx, "/videos/generations", map[string]any{
		"model":    c.videoModel,
		"prompt":   prompt,
		"duration": durationSeconds,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode video generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("video generation returned no asset URL")
	}
	return resp.Data[0].URL, nil
}

func (c *client) post(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
