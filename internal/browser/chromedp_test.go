package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

func newTestSession(lastURL string) *chromedpSession {
	return &chromedpSession{
		logger:  zap.NewNop(),
		lastURL: lastURL,
		cancel:  func() {},
	}
}

func TestConfigNavTimeoutAndPXWaitDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	require.Equal(t, 45*time.Second, cfg.navTimeout())
	require.Equal(t, 15*time.Second, cfg.pxWait())

	cfg.NavigationTimeout = time.Second
	cfg.PerimeterXWait = 3 * time.Second
	require.Equal(t, time.Second, cfg.navTimeout())
	require.Equal(t, 3*time.Second, cfg.pxWait())
}

func TestNavErrorRepeatedAuthIsHardFailure(t *testing.T) {
	t.Parallel()

	s := newTestSession("https://shop.test/store-1")
	navErr := errors.New("page load error net::ERR_TIMED_OUT")

	s.authAttempts.Store(1)
	first := s.navError(context.Background(), "https://shop.test/store-1", navErr)
	require.Equal(t, harvest.OutcomeNetworkError, first.Kind)
	require.False(t, first.HardFailure, "one auth challenge is the normal handshake")

	s.authAttempts.Store(2)
	out := s.navError(context.Background(), "https://shop.test/store-1", navErr)
	require.Equal(t, harvest.OutcomeNetworkError, out.Kind)
	require.True(t, out.HardFailure)
	require.ErrorIs(t, out.Err, harvest.ErrNetwork)
	require.ErrorContains(t, out.Err, "proxy credentials rejected")
	require.Equal(t, "https://shop.test/store-1", out.URL)
}

func TestNavErrorProxyCodeIsHardFailure(t *testing.T) {
	t.Parallel()

	s := newTestSession("")
	out := s.navError(context.Background(), "https://shop.test", errors.New("net::ERR_TUNNEL_CONNECTION_FAILED"))
	require.True(t, out.HardFailure)
	require.ErrorContains(t, out.Err, "err_tunnel_connection_failed")
}

func TestNavErrorCancelledContextIsNotPenalized(t *testing.T) {
	t.Parallel()

	s := newTestSession("")
	s.authAttempts.Store(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.navError(ctx, "https://shop.test", errors.New("net::ERR_PROXY_CONNECTION_FAILED"))
	require.Equal(t, harvest.OutcomeNetworkError, out.Kind)
	require.False(t, out.HardFailure)
	require.ErrorIs(t, out.Err, context.Canceled)
}

func TestSessionClassifyBuildsArtifact(t *testing.T) {
	t.Parallel()

	s := newTestSession("https://shop.test/en/stores/ontario/store-7")

	out := s.classify(200, "Verify", `<html><body><div class="h-captcha" data-sitekey="hc-key"></div></body></html>`)
	require.Equal(t, harvest.OutcomeChallenge, out.Kind)
	require.NotNil(t, out.Challenge)
	require.Equal(t, harvest.ChallengeHCaptcha, out.Challenge.Type)
	require.Equal(t, "hc-key", out.Challenge.SiteKey)
	require.Equal(t, "https://shop.test/en/stores/ontario/store-7", out.Challenge.PageURL)
	require.Equal(t, out.Challenge.PageURL, out.URL)
	require.NoError(t, out.Err)

	blocked := s.classify(403, "Store", `<html><body><p>Sorry</p></body></html>`)
	require.Equal(t, harvest.OutcomeBlocked, blocked.Kind)
	require.Nil(t, blocked.Challenge)
	require.ErrorIs(t, blocked.Err, harvest.ErrBlocked)
	require.Equal(t, 403, blocked.StatusCode)

	content := s.classify(200, "Toronto", `<html><body><h1>Toronto Supercentre</h1></body></html>`)
	require.Equal(t, harvest.OutcomeContent, content.Kind)
	require.NoError(t, content.Err)
	require.Contains(t, string(content.Raw), "Toronto Supercentre")
}

func TestDocumentStatusCapture(t *testing.T) {
	t.Parallel()

	var d documentStatus
	require.Zero(t, d.get())

	d.capture(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 404}})
	d.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument})
	d.capture("not an event")
	require.Zero(t, d.get(), "only main document responses count")

	d.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 403}})
	require.Equal(t, 403, d.get())
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	fired := make(chan struct{})
	stop := forwardCancel(parent, func() { close(fired) })
	defer stop()

	cancelParent()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("parent cancellation was not forwarded")
	}

	calls := 0
	stopped := forwardCancel(context.Background(), func() { calls++ })
	stopped()
	require.Zero(t, calls)
}

type recordingExtractor struct {
	url string
}

func (r *recordingExtractor) Extract(_ harvest.PageKind, pageURL string, _ []byte) (harvest.Entities, error) {
	r.url = pageURL
	return harvest.Entities{}, nil
}

func TestSessionExtractUsesLastURL(t *testing.T) {
	t.Parallel()

	s := newTestSession("https://shop.test/en/stores/ontario/store-9")
	_, err := s.Extract(harvest.PageStoreDetail, nil)
	require.ErrorContains(t, err, "no extractor")

	ex := &recordingExtractor{}
	s.extractor = ex
	_, err = s.Extract(harvest.PageStoreDetail, []byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "https://shop.test/en/stores/ontario/store-9", ex.url)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSession("")
	calls := 0
	s.cancel = func() { calls++ }
	s.Close()
	s.Close()
	require.Equal(t, 1, calls)
}

func TestOpenRejectsNilIdentity(t *testing.T) {
	t.Parallel()

	f := NewChromedpFactory(Config{}, nil, nil)
	_, err := f.Open(context.Background(), nil)
	require.ErrorContains(t, err, "nil identity")
}

func TestInjectTokenJSQuotesToken(t *testing.T) {
	t.Parallel()

	js := fmt.Sprintf(injectTokenJS, `tok"en`)
	require.Contains(t, js, `("tok\"en")`)
	require.Contains(t, js, "g-recaptcha-response")
	require.Contains(t, js, "cf-turnstile-response")
}
