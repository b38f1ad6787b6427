package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
)

const notReady = "CAPCHA_NOT_READY"

// TwoCaptcha talks to a 2Captcha-compatible in.php/res.php API.
type TwoCaptcha struct {
	client *resty.Client
	cfg    Config
	logger *zap.Logger
}

// apiResponse is the json=1 envelope of both endpoints.
type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// NewTwoCaptcha builds a provider client from cfg, filling defaults.
func NewTwoCaptcha(cfg Config, logger *zap.Logger) *TwoCaptcha {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("Accept", "application/json")
	return &TwoCaptcha{client: client, cfg: cfg, logger: logger}
}

// Available reports true; construction requires an API key.
func (s *TwoCaptcha) Available() bool { return true }

// Solve submits the artifact and polls until the provider answers or
// timeout elapses.
func (s *TwoCaptcha) Solve(ctx context.Context, artifact harvest.ChallengeArtifact, timeout time.Duration) (harvest.SolvedToken, error) {
	if timeout <= 0 {
		timeout = defaultSolveTimeout
	}
	start := time.Now()
	defer func() { metrics.ObserveSolve(time.Since(start)) }()

	form, err := s.submitForm(artifact)
	if err != nil {
		return harvest.SolvedToken{}, err
	}

	solveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskID, err := s.submit(solveCtx, form)
	if err != nil {
		return harvest.SolvedToken{}, s.deadline(ctx, err)
	}
	s.logger.Info("Challenge submitted",
		zap.String("type", string(artifact.Type)),
		zap.String("task_id", taskID),
		zap.String("page_url", artifact.PageURL),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-solveCtx.Done():
			return harvest.SolvedToken{}, s.deadline(ctx, solveCtx.Err())
		case <-ticker.C:
		}
		token, ready, err := s.poll(solveCtx, taskID)
		if err != nil {
			return harvest.SolvedToken{}, s.deadline(ctx, err)
		}
		if ready {
			s.logger.Info("Challenge solved",
				zap.String("task_id", taskID),
				zap.Duration("elapsed", time.Since(start)),
			)
			return harvest.SolvedToken{Type: artifact.Type, Value: token}, nil
		}
	}
}

// deadline maps an expired solve window to ErrSolveTimeout while letting a
// cancelled parent context surface as-is.
func (s *TwoCaptcha) deadline(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", harvest.ErrSolveTimeout, err)
	}
	return err
}

func (s *TwoCaptcha) submitForm(artifact harvest.ChallengeArtifact) (map[string]string, error) {
	form := map[string]string{
		"key":     s.cfg.APIKey,
		"json":    "1",
		"pageurl": artifact.PageURL,
	}
	switch artifact.Type {
	case harvest.ChallengeRecaptcha:
		form["method"] = "userrecaptcha"
		form["googlekey"] = artifact.SiteKey
	case harvest.ChallengeHCaptcha:
		form["method"] = "hcaptcha"
		form["sitekey"] = artifact.SiteKey
	case harvest.ChallengeTurnstile:
		form["method"] = "turnstile"
		form["sitekey"] = artifact.SiteKey
	case harvest.ChallengeGeneric:
		if len(artifact.Payload) == 0 {
			return nil, fmt.Errorf("%w: generic challenge without image payload", harvest.ErrSolveRejected)
		}
		form["method"] = "base64"
		form["body"] = base64.StdEncoding.EncodeToString(artifact.Payload)
		delete(form, "pageurl")
	default:
		return nil, fmt.Errorf("%w: no provider method for %s challenge", harvest.ErrSolveRejected, artifact.Type)
	}
	if artifact.Type != harvest.ChallengeGeneric && artifact.SiteKey == "" {
		return nil, fmt.Errorf("%w: %s challenge without site key", harvest.ErrSolveRejected, artifact.Type)
	}
	return form, nil
}

func (s *TwoCaptcha) submit(ctx context.Context, form map[string]string) (string, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post("/in.php")
	if err != nil {
		return "", fmt.Errorf("submit challenge: %w", err)
	}
	body, err := decode(res)
	if err != nil {
		return "", fmt.Errorf("submit challenge: %w", err)
	}
	if body.Status != 1 {
		return "", fmt.Errorf("%w: %s", harvest.ErrSolveRejected, body.Request)
	}
	return body.Request, nil
}

func (s *TwoCaptcha) poll(ctx context.Context, taskID string) (string, bool, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":    s.cfg.APIKey,
			"action": "get",
			"id":     taskID,
			"json":   "1",
		}).
		Get("/res.php")
	if err != nil {
		return "", false, fmt.Errorf("poll challenge %s: %w", taskID, err)
	}
	body, err := decode(res)
	if err != nil {
		return "", false, fmt.Errorf("poll challenge %s: %w", taskID, err)
	}
	if body.Status == 1 {
		return body.Request, true, nil
	}
	if body.Request == notReady {
		return "", false, nil
	}
	return "", false, fmt.Errorf("%w: %s", harvest.ErrSolveRejected, body.Request)
}

func decode(res *resty.Response) (apiResponse, error) {
	if res.IsError() {
		return apiResponse{}, fmt.Errorf("provider returned %s", res.Status())
	}
	var body apiResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return apiResponse{}, fmt.Errorf("decode provider response: %w", err)
	}
	return body, nil
}
