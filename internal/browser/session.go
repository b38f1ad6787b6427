// Package browser drives a real browser per egress identity and classifies
// what each navigation landed on.
package browser

import (
	"context"
	"time"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

// Session is one browser bound to one identity. Callers must Close it on
// every path.
type Session interface {
	// Navigate loads rawURL and classifies the result.
	Navigate(ctx context.Context, rawURL string) harvest.PageOutcome
	// SubmitSolvedToken injects a solved challenge token into the current
	// page, submits it and classifies the page that follows.
	SubmitSolvedToken(ctx context.Context, token harvest.SolvedToken) harvest.PageOutcome
	// Extract runs the configured extractor over raw content of the last
	// navigated page.
	Extract(kind harvest.PageKind, raw []byte) (harvest.Entities, error)
	// Close releases the browser. Safe to call more than once.
	Close()
}

// Factory opens sessions.
type Factory interface {
	Open(ctx context.Context, identity *proxy.Identity) (Session, error)
}

// Config controls browser launch and navigation pacing.
type Config struct {
	Headless          bool
	NavigationTimeout time.Duration
	// MinDelay and MaxDelay bound the random pause before each navigation.
	MinDelay time.Duration
	MaxDelay time.Duration
	// RequestsPerSecond caps navigations across all sessions; zero disables.
	RequestsPerSecond float64
	// PerimeterXWait is how long a press-and-hold page may clear by itself.
	PerimeterXWait time.Duration
	UserAgents     []string
	ExecPath       string
}

func (c Config) navTimeout() time.Duration {
	if c.NavigationTimeout > 0 {
		return c.NavigationTimeout
	}
	return 45 * time.Second
}

func (c Config) pxWait() time.Duration {
	if c.PerimeterXWait > 0 {
		return c.PerimeterXWait
	}
	return 15 * time.Second
}
