package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

// ChromedpFactory launches one Chrome process per session.
type ChromedpFactory struct {
	cfg       Config
	extractor harvest.Extractor
	logger    *zap.Logger
	pacer     *pacer
	agents    *userAgents
}

// NewChromedpFactory creates a factory; extractor is shared by all sessions.
func NewChromedpFactory(cfg Config, extractor harvest.Extractor, logger *zap.Logger) *ChromedpFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := time.Now().UnixNano()
	return &ChromedpFactory{
		cfg:       cfg,
		extractor: extractor,
		logger:    logger,
		pacer:     newPacer(cfg.RequestsPerSecond, cfg.MinDelay, cfg.MaxDelay, seed),
		agents:    newUserAgents(cfg.UserAgents, seed+1),
	}
}

// Open starts a browser egressing through identity.
func (f *ChromedpFactory) Open(ctx context.Context, identity *proxy.Identity) (Session, error) {
	if identity == nil {
		return nil, errors.New("open session: nil identity")
	}
	ua := f.agents.pick()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1366, 768),
		chromedp.UserAgent(ua),
	)
	if !identity.Direct() {
		opts = append(opts, chromedp.ProxyServer(identity.Endpoint()))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &chromedpSession{
		identity:  identity,
		cfg:       f.cfg,
		extractor: f.extractor,
		logger:    f.logger.With(zap.String("identity", identity.String())),
		pacer:     f.pacer,
		userAgent: ua,
		browser:   browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}

	setup := []chromedp.Action{
		network.Enable(),
		emulation.SetUserAgentOverride(ua),
	}
	if user, pass := identity.Credentials(); user != "" {
		s.listenForAuth(user, pass)
		setup = append(setup, fetch.Enable().WithHandleAuthRequests(true))
	}

	// The first Run allocates the browser; it must not carry a deadline.
	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	if err := chromedp.Run(browserCtx, setup...); err != nil {
		s.Close()
		return nil, fmt.Errorf("start browser for %s: %w", identity, err)
	}
	s.logger.Debug("Browser session opened", zap.String("user_agent", ua))
	return s, nil
}

type chromedpSession struct {
	identity  *proxy.Identity
	cfg       Config
	extractor harvest.Extractor
	logger    *zap.Logger
	pacer     *pacer
	userAgent string

	browser context.Context
	cancel  context.CancelFunc
	once    sync.Once

	// authAttempts counts proxy auth challenges; a repeat means the proxy
	// rejected the credentials.
	authAttempts atomic.Int32
	lastURL      string
}

// listenForAuth answers proxy auth challenges and lets paused requests
// through. A second challenge for the same session is cancelled.
func (s *chromedpSession) listenForAuth(user, pass string) {
	chromedp.ListenTarget(s.browser, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			resp := &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: user,
				Password: pass,
			}
			if s.authAttempts.Add(1) > 1 {
				resp = &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
			}
			go func() {
				_ = chromedp.Run(s.browser, fetch.ContinueWithAuth(e.RequestID, resp))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(s.browser, fetch.ContinueRequest(e.RequestID))
			}()
		}
	})
}

func (s *chromedpSession) Navigate(ctx context.Context, rawURL string) harvest.PageOutcome {
	if err := s.pacer.Wait(ctx); err != nil {
		return harvest.PageOutcome{Kind: harvest.OutcomeNetworkError, URL: rawURL, Err: fmt.Errorf("%w: %v", harvest.ErrNetwork, err)}
	}
	s.lastURL = rawURL

	taskCtx, cancel := context.WithTimeout(s.browser, s.cfg.navTimeout())
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	meta := &documentStatus{}
	chromedp.ListenTarget(taskCtx, meta.capture)

	start := time.Now()
	var title, html, location string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	metrics.ObserveNavigation(rawURL, time.Since(start))
	if err != nil {
		return s.navError(ctx, rawURL, err)
	}
	if location != "" {
		s.lastURL = location
	}

	outcome := s.classify(meta.get(), title, html)
	if outcome.Kind == harvest.OutcomeChallenge && outcome.Challenge.Type == harvest.ChallengePerimeterX {
		outcome = s.awaitPerimeterX(ctx, outcome)
	}
	return outcome
}

// awaitPerimeterX polls the page for up to the configured wait; the
// press-and-hold interstitial sometimes clears without interaction.
func (s *chromedpSession) awaitPerimeterX(ctx context.Context, outcome harvest.PageOutcome) harvest.PageOutcome {
	s.logger.Info("PerimeterX challenge, waiting for auto-clear", zap.Duration("max_wait", s.cfg.pxWait()))
	deadline := time.Now().Add(s.cfg.pxWait())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return outcome
		case <-ticker.C:
		}
		next, err := s.snapshot(ctx, outcome.StatusCode)
		if err != nil {
			return outcome
		}
		if next.Kind != harvest.OutcomeChallenge {
			s.logger.Info("PerimeterX challenge cleared")
			return next
		}
	}
	return outcome
}

// injectTokenJS writes the token into every known response field and
// submits the enclosing form, or reloads when no form exists.
const injectTokenJS = `(function(token) {
  var names = ["g-recaptcha-response", "h-captcha-response", "cf-turnstile-response"];
  var form = null;
  names.forEach(function(n) {
    document.querySelectorAll('[name="' + n + '"], #' + n).forEach(function(el) {
      el.value = token;
      el.innerHTML = token;
      if (!form && el.closest) { form = el.closest("form"); }
    });
  });
  if (!form) { form = document.querySelector("form"); }
  if (form) { form.submit(); return "submitted"; }
  location.reload();
  return "reloaded";
})(%q)`

func (s *chromedpSession) SubmitSolvedToken(ctx context.Context, token harvest.SolvedToken) harvest.PageOutcome {
	taskCtx, cancel := context.WithTimeout(s.browser, s.cfg.navTimeout())
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	meta := &documentStatus{}
	chromedp.ListenTarget(taskCtx, meta.capture)

	var mode string
	err := chromedp.Run(taskCtx,
		chromedp.Evaluate(fmt.Sprintf(injectTokenJS, token.Value), &mode),
		chromedp.Sleep(2*time.Second),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return s.navError(ctx, s.lastURL, err)
	}
	s.logger.Debug("Solved token submitted", zap.String("type", string(token.Type)), zap.String("mode", mode))

	outcome, err := s.snapshot(ctx, meta.get())
	if err != nil {
		return s.navError(ctx, s.lastURL, err)
	}
	return outcome
}

// snapshot re-reads the current document without navigating.
func (s *chromedpSession) snapshot(ctx context.Context, status int) (harvest.PageOutcome, error) {
	taskCtx, cancel := context.WithTimeout(s.browser, s.cfg.navTimeout())
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var title, html string
	if err := chromedp.Run(taskCtx,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return harvest.PageOutcome{}, err
	}
	return s.classify(status, title, html), nil
}

func (s *chromedpSession) classify(status int, title, html string) harvest.PageOutcome {
	c := Classify(status, title, html)
	out := harvest.PageOutcome{
		Kind:        c.Kind,
		URL:         s.lastURL,
		StatusCode:  status,
		Raw:         []byte(html),
		HardFailure: c.Hard,
	}
	switch c.Kind {
	case harvest.OutcomeChallenge:
		out.Challenge = &harvest.ChallengeArtifact{
			Type:    c.Challenge,
			SiteKey: c.SiteKey,
			PageURL: s.lastURL,
		}
	case harvest.OutcomeBlocked:
		out.Err = fmt.Errorf("%w: %s", harvest.ErrBlocked, c.Reason)
	case harvest.OutcomeNetworkError:
		out.Err = fmt.Errorf("%w: %s", harvest.ErrNetwork, c.Reason)
	}
	if out.Kind != harvest.OutcomeContent {
		s.logger.Debug("Page classified",
			zap.String("url", s.lastURL),
			zap.String("kind", string(c.Kind)),
			zap.String("reason", c.Reason),
		)
	}
	return out
}

func (s *chromedpSession) navError(ctx context.Context, rawURL string, err error) harvest.PageOutcome {
	if ctx.Err() != nil {
		return harvest.PageOutcome{Kind: harvest.OutcomeNetworkError, URL: rawURL, Err: ctx.Err()}
	}
	c := ClassifyNavError(err)
	if s.authAttempts.Load() > 1 {
		c.Hard = true
		c.Reason = "proxy credentials rejected"
	}
	return harvest.PageOutcome{
		Kind:        harvest.OutcomeNetworkError,
		URL:         rawURL,
		HardFailure: c.Hard,
		Err:         fmt.Errorf("%w: %s: %v", harvest.ErrNetwork, c.Reason, err),
	}
}

func (s *chromedpSession) Extract(kind harvest.PageKind, raw []byte) (harvest.Entities, error) {
	if s.extractor == nil {
		return harvest.Entities{}, errors.New("no extractor configured")
	}
	return s.extractor.Extract(kind, s.lastURL, raw)
}

func (s *chromedpSession) Close() {
	s.once.Do(func() {
		s.cancel()
		s.logger.Debug("Browser session closed")
	})
}

// documentStatus records the HTTP status of the main document response.
type documentStatus struct {
	status atomic.Int32
}

func (d *documentStatus) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.status.Store(int32(resp.Response.Status))
}

func (d *documentStatus) get() int {
	return int(d.status.Load())
}

// forwardCancel cancels the task when parent is done.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
