// Package captcha turns challenge artifacts into solved tokens through a
// remote solving provider.
package captcha

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

const (
	defaultBaseURL      = "https://2captcha.com"
	defaultPollInterval = 5 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
	defaultSolveTimeout = 120 * time.Second
)

// Config configures the solving provider.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// New returns a TwoCaptcha solver when an API key is configured and an
// Unavailable solver otherwise.
func New(cfg Config, logger *zap.Logger) harvest.Solver {
	if cfg.APIKey == "" {
		return Unavailable{}
	}
	return NewTwoCaptcha(cfg, logger)
}

// Unavailable is the solver used when no provider is configured. It never
// attempts a solve.
type Unavailable struct{}

// Available always reports false.
func (Unavailable) Available() bool { return false }

// Solve always fails with harvest.ErrSolveUnavailable.
func (Unavailable) Solve(context.Context, harvest.ChallengeArtifact, time.Duration) (harvest.SolvedToken, error) {
	return harvest.SolvedToken{}, harvest.ErrSolveUnavailable
}
