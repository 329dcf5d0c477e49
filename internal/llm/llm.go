// Package llm assesses writing and speaking submissions with an
// OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/ieltsprep/internal/llm/prompts"
	"github.com/pavelanni/ieltsprep/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoChoices is returned when the API answers without a completion.
var ErrNoChoices = errors.New("LLM returned no choices")

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping checks that the API is reachable and accepts the key.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

type criterionScore struct {
	Band    float64 `json:"band"`
	Comment string  `json:"comment"`
}

// Grade assesses a writing response or speaking transcript and returns
// band-scored feedback.
func (c *Client) Grade(ctx context.Context, sub model.Submission) (*model.Feedback, error) {
	systemPrompt, err := prompts.BuildSystemPrompt(sub.Skill, sub.Task, sub.Text)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompts.WrapAnswer(sub.Text)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "submission", sub.ID, "raw", raw)

	return parseFeedback(sub.Skill, raw)
}

func parseFeedback(skill model.Skill, raw string) (*model.Feedback, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFence(raw)), &fields); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}

	criteria := prompts.Criteria(skill)
	if len(criteria) == 0 {
		return nil, fmt.Errorf("skill %q is not assessed by the LLM", skill)
	}

	fb := &model.Feedback{}
	var sum float64
	for _, cr := range criteria {
		rawScore, ok := fields[cr.Key]
		if !ok {
			return nil, fmt.Errorf("LLM response lacks criterion %q", cr.Key)
		}
		var score criterionScore
		if err := json.Unmarshal(rawScore, &score); err != nil {
			return nil, fmt.Errorf("parse criterion %q: %w", cr.Key, err)
		}
		band := RoundBand(score.Band)
		sum += band
		fb.Criteria = append(fb.Criteria, model.Criterion{
			Name:    cr.Name,
			Band:    band,
			Comment: strings.TrimSpace(score.Comment),
		})
	}
	fb.OverallBand = RoundBand(sum / float64(len(criteria)))

	if s, ok := fields["summary"]; ok {
		_ = json.Unmarshal(s, &fb.Summary)
	}
	if s, ok := fields["suggestions"]; ok {
		_ = json.Unmarshal(s, &fb.Suggestions)
	}
	return fb, nil
}

// RoundBand clamps a band to 0-9 and rounds it to the nearest half band,
// with quarters rounding up as in IELTS overall scores.
func RoundBand(b float64) float64 {
	if math.IsNaN(b) || b < 0 {
		return 0
	}
	if b > 9 {
		return 9
	}
	return math.Floor(b*2+0.5) / 2
}

// stripFence removes a Markdown code fence some models put around JSON even
// in JSON mode.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
