// Package llm solves image challenges through an OpenAI-compatible chat completions endpoint.
// Reasoning models may prefix their answer with a <think> block; it is removed here and nowhere else.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"

	prompt = "Read the characters shown in this CAPTCHA image. Reply with the characters only."
)

// Config controls the LLM solver.
type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Solver implements challenge.Solver for image challenges.
type Solver struct {
	cfg    Config
	client *http.Client
}

// New builds a Solver.
func New(cfg Config) (*Solver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.fireworks.ai/inference/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "accounts/fireworks/models/qwen2p5-vl-32b-instruct"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Solver{cfg: cfg, client: client}, nil
}

// Name implements challenge.Solver.
func (s *Solver) Name() string { return "llm" }

// Supports implements challenge.Solver.
func (s *Solver) Supports(kind challenge.Kind) bool {
	return kind == challenge.KindImage
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completion struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Solve implements challenge.Solver.
func (s *Solver) Solve(ctx context.Context, d challenge.Descriptor) (string, error) {
	if d.Kind != challenge.KindImage {
		return "", fmt.Errorf("llm: %w: %s", challenge.ErrUnsupportedKind, d.Kind)
	}
	imageURL := d.ImageURL
	if len(d.Image) > 0 {
		imageURL = "data:" + http.DetectContentType(d.Image) + ";base64," + base64.StdEncoding.EncodeToString(d.Image)
	}
	if imageURL == "" {
		return "", fmt.Errorf("image challenge has no image")
	}
	body, err := json.Marshal(completionRequest{
		Model: s.cfg.Model,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageRef{URL: imageURL}},
			},
		}},
		MaxTokens:   2048,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion status %d", res.StatusCode)
	}
	return ExtractAnswer(raw)
}

// ExtractAnswer pulls the answer out of a completion reply, which may be a JSON
// completion object or raw text. Any <think> block is discarded.
func ExtractAnswer(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", challenge.ErrEmptyToken
	}
	text := string(trimmed)
	if trimmed[0] == '{' {
		var c completion
		if err := json.Unmarshal(trimmed, &c); err == nil {
			if len(c.Choices) == 0 {
				return "", errors.New("completion has no choices")
			}
			text = c.Choices[0].Message.Content
		}
	}
	answer := strings.TrimSpace(StripReasoning(text))
	if answer == "" {
		return "", challenge.ErrEmptyToken
	}
	return answer, nil
}

// StripReasoning removes a leading <think>...</think> block and the newlines after it.
// Text without a complete block is returned unchanged.
func StripReasoning(text string) string {
	start := strings.Index(text, thinkOpen)
	if start < 0 {
		return text
	}
	end := strings.Index(text[start:], thinkClose)
	if end < 0 {
		return text
	}
	return strings.TrimLeft(text[start+end+len(thinkClose):], "\n")
}
