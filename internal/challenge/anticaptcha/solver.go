// Package anticaptcha implements challenge.Solver against the anti-captcha.com JSON API.
package anticaptcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

// Config controls the anti-captcha client.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Solver creates anti-captcha tasks and polls for their solution.
type Solver struct {
	cfg    Config
	client *http.Client
}

// New builds a Solver.
func New(cfg Config) (*Solver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anti-captcha api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anti-captcha.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Solver{cfg: cfg, client: client}, nil
}

// Name implements challenge.Solver.
func (s *Solver) Name() string { return "anticaptcha" }

// Supports implements challenge.Solver. Image tasks need inline bytes.
func (s *Solver) Supports(kind challenge.Kind) bool {
	switch kind {
	case challenge.KindRecaptchaV2, challenge.KindRecaptchaV3, challenge.KindHCaptcha,
		challenge.KindTurnstile, challenge.KindImage:
		return true
	default:
		return false
	}
}

type createTaskRequest struct {
	ClientKey string         `json:"clientKey"`
	Task      map[string]any `json:"task"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
		Text               string `json:"text"`
	} `json:"solution"`
}

// Solve implements challenge.Solver.
func (s *Solver) Solve(ctx context.Context, d challenge.Descriptor) (string, error) {
	task, err := taskFor(d)
	if err != nil {
		return "", err
	}
	var created createTaskResponse
	if err := s.post(ctx, "/createTask", createTaskRequest{ClientKey: s.cfg.APIKey, Task: task}, &created); err != nil {
		return "", fmt.Errorf("anti-captcha create task: %w", err)
	}
	if created.ErrorID != 0 {
		return "", fmt.Errorf("anti-captcha create task: %s: %s", created.ErrorCode, created.ErrorDescription)
	}
	for {
		if err := wait(ctx, s.cfg.PollInterval); err != nil {
			return "", err
		}
		token, err := s.result(ctx, created.TaskID)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, challenge.ErrNotReady) {
			return "", err
		}
	}
}

func (s *Solver) result(ctx context.Context, id int64) (string, error) {
	var res taskResultResponse
	if err := s.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: s.cfg.APIKey, TaskID: id}, &res); err != nil {
		return "", fmt.Errorf("anti-captcha task result: %w", err)
	}
	if res.ErrorID != 0 {
		return "", fmt.Errorf("anti-captcha task result: %s: %s", res.ErrorCode, res.ErrorDescription)
	}
	if res.Status != "ready" {
		return "", challenge.ErrNotReady
	}
	for _, v := range []string{res.Solution.GRecaptchaResponse, res.Solution.Token, res.Solution.Text} {
		if v != "" {
			return v, nil
		}
	}
	return "", challenge.ErrEmptyToken
}

func taskFor(d challenge.Descriptor) (map[string]any, error) {
	switch d.Kind {
	case challenge.KindRecaptchaV2:
		return map[string]any{"type": "RecaptchaV2TaskProxyless", "websiteURL": d.PageURL, "websiteKey": d.SiteKey}, nil
	case challenge.KindRecaptchaV3:
		action, score := d.Action, d.MinScore
		if action == "" {
			action = challenge.DefaultV3Action
		}
		if score <= 0 {
			score = challenge.DefaultV3MinScore
		}
		return map[string]any{
			"type":       "RecaptchaV3TaskProxyless",
			"websiteURL": d.PageURL,
			"websiteKey": d.SiteKey,
			"minScore":   score,
			"pageAction": action,
		}, nil
	case challenge.KindHCaptcha:
		return map[string]any{"type": "HCaptchaTaskProxyless", "websiteURL": d.PageURL, "websiteKey": d.SiteKey}, nil
	case challenge.KindTurnstile:
		return map[string]any{"type": "TurnstileTaskProxyless", "websiteURL": d.PageURL, "websiteKey": d.SiteKey}, nil
	case challenge.KindImage:
		if len(d.Image) == 0 {
			return nil, fmt.Errorf("anti-captcha image task needs inline image bytes")
		}
		return map[string]any{"type": "ImageToTextTask", "body": base64.StdEncoding.EncodeToString(d.Image)}, nil
	default:
		return nil, fmt.Errorf("anti-captcha: %w: %s", challenge.ErrUnsupportedKind, d.Kind)
	}
}

func (s *Solver) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
