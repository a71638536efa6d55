// Package feed produces the daily discussion questions shown on the
// lobby page. Questions come from a language-model provider; when the
// provider is unavailable a built-in set keeps the feed populated.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ContentProvider generates discussion questions for a topic of the day.
type ContentProvider interface {
	GenerateQuestions(ctx context.Context, count int) ([]string, error)
}

const questionPrompt = "Generate %d provocative discussion questions for a live debate platform. " +
	"Topics: politics, religion, philosophy, society. One question per line, no numbering."

// HTTPProvider calls an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *HTTPProvider) GenerateQuestions(ctx context.Context, count int) ([]string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(questionPrompt, count)},
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: provider returned %d", resp.StatusCode)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("feed: decode provider response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("feed: provider returned no choices")
	}

	var questions []string
	for _, line := range strings.Split(parsed.Choices[0].Message.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		questions = append(questions, line)
		if len(questions) == count {
			break
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("feed: provider returned no questions")
	}
	return questions, nil
}
