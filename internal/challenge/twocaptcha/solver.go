// Package twocaptcha implements challenge.Solver against the 2captcha in.php/res.php API.
package twocaptcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

const notReady = "CAPCHA_NOT_READY"

// Config controls the 2captcha client.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	// InitialDelay is waited before the first poll.
	InitialDelay time.Duration
	HTTPClient   *http.Client
}

// Solver submits challenges to 2captcha and polls for the token.
type Solver struct {
	cfg    Config
	client *http.Client
}

// New builds a Solver.
func New(cfg Config) (*Solver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("2captcha api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://2captcha.com"
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
func (s *Solver) Name() string { return "2captcha" }

// Supports implements challenge.Solver.
func (s *Solver) Supports(kind challenge.Kind) bool {
	switch kind {
	case challenge.KindRecaptchaV2, challenge.KindRecaptchaV3, challenge.KindHCaptcha,
		challenge.KindTurnstile, challenge.KindImage:
		return true
	default:
		return false
	}
}

// Solve implements challenge.Solver.
func (s *Solver) Solve(ctx context.Context, d challenge.Descriptor) (string, error) {
	form, err := s.submitForm(ctx, d)
	if err != nil {
		return "", err
	}
	id, err := s.submit(ctx, form)
	if err != nil {
		return "", err
	}
	if err := wait(ctx, s.cfg.InitialDelay); err != nil {
		return "", err
	}
	for {
		token, err := s.poll(ctx, id)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, challenge.ErrNotReady) {
			return "", err
		}
		if err := wait(ctx, s.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

func (s *Solver) submitForm(ctx context.Context, d challenge.Descriptor) (url.Values, error) {
	form := url.Values{}
	form.Set("key", s.cfg.APIKey)
	form.Set("json", "1")
	switch d.Kind {
	case challenge.KindRecaptchaV2:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", d.SiteKey)
		form.Set("pageurl", d.PageURL)
	case challenge.KindRecaptchaV3:
		action, score := d.Action, d.MinScore
		if action == "" {
			action = challenge.DefaultV3Action
		}
		if score <= 0 {
			score = challenge.DefaultV3MinScore
		}
		form.Set("method", "userrecaptcha")
		form.Set("version", "v3")
		form.Set("googlekey", d.SiteKey)
		form.Set("pageurl", d.PageURL)
		form.Set("action", action)
		form.Set("min_score", strconv.FormatFloat(score, 'f', 1, 64))
	case challenge.KindHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", d.SiteKey)
		form.Set("pageurl", d.PageURL)
	case challenge.KindTurnstile:
		form.Set("method", "turnstile")
		form.Set("sitekey", d.SiteKey)
		form.Set("pageurl", d.PageURL)
	case challenge.KindImage:
		img, err := s.image(ctx, d)
		if err != nil {
			return nil, err
		}
		form.Set("method", "base64")
		form.Set("body", base64.StdEncoding.EncodeToString(img))
	default:
		return nil, fmt.Errorf("2captcha: %w: %s", challenge.ErrUnsupportedKind, d.Kind)
	}
	return form, nil
}

func (s *Solver) submit(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.call(req)
	if err != nil {
		return "", fmt.Errorf("2captcha submit: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("2captcha submit rejected: %s", resp.Request)
	}
	return resp.Request, nil
}

func (s *Solver) poll(ctx context.Context, id string) (string, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("action", "get")
	q.Set("id", id)
	q.Set("json", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build poll request: %w", err)
	}
	resp, err := s.call(req)
	if err != nil {
		return "", fmt.Errorf("2captcha poll: %w", err)
	}
	switch {
	case resp.Status == 1:
		return resp.Request, nil
	case resp.Request == notReady:
		return "", challenge.ErrNotReady
	default:
		return "", fmt.Errorf("2captcha solve failed: %s", resp.Request)
	}
}

func (s *Solver) call(req *http.Request) (apiResponse, error) {
	res, err := s.client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("status %d", res.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (s *Solver) image(ctx context.Context, d challenge.Descriptor) ([]byte, error) {
	if len(d.Image) > 0 {
		return d.Image, nil
	}
	if d.ImageURL == "" {
		return nil, fmt.Errorf("image challenge has no image")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.ImageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download captcha image: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download captcha image: status %d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("read captcha image: %w", err)
	}
	return data, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
