package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

// fakeProvider serves in.php and res.php. Polls answer "not ready" until
// readyAfter polls have been made, then respond with final.
type fakeProvider struct {
	submitStatus int
	submitBody   string
	readyAfter   int32
	final        apiResponse
	polls        atomic.Int32
	lastForm     atomic.Value
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	switch r.URL.Path {
	case "/in.php":
		_ = r.ParseForm()
		p.lastForm.Store(r.PostForm)
		_ = json.NewEncoder(w).Encode(apiResponse{Status: p.submitStatus, Request: p.submitBody})
	case "/res.php":
		if r.URL.Query().Get("action") != "get" || r.URL.Query().Get("id") != "task-1" {
			http.Error(w, "bad poll", http.StatusBadRequest)
			return
		}
		n := p.polls.Add(1)
		if n <= p.readyAfter {
			_ = json.NewEncoder(w).Encode(apiResponse{Status: 0, Request: notReady})
			return
		}
		_ = json.NewEncoder(w).Encode(p.final)
	default:
		http.NotFound(w, r)
	}
}

func newSolver(t *testing.T, h http.Handler) *TwoCaptcha {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewTwoCaptcha(Config{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
}

func recaptcha() harvest.ChallengeArtifact {
	return harvest.ChallengeArtifact{
		Type:    harvest.ChallengeRecaptcha,
		SiteKey: "site-key",
		PageURL: "https://example.com/store/1",
	}
}

func TestSolveReturnsTokenAfterPolling(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{submitStatus: 1, submitBody: "task-1", readyAfter: 2, final: apiResponse{Status: 1, Request: "tok-123"}}
	s := newSolver(t, p)

	tok, err := s.Solve(context.Background(), recaptcha(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "tok-123", tok.Value)
	require.Equal(t, harvest.ChallengeRecaptcha, tok.Type)
	require.EqualValues(t, 3, p.polls.Load())

	form := p.lastForm.Load().(url.Values)
	require.Equal(t, []string{"userrecaptcha"}, form["method"])
	require.Equal(t, []string{"site-key"}, form["googlekey"])
	require.Equal(t, []string{"test-key"}, form["key"])
}

func TestSolveUnsolvableIsRejected(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{submitStatus: 1, submitBody: "task-1", final: apiResponse{Status: 0, Request: "ERROR_CAPTCHA_UNSOLVABLE"}}
	s := newSolver(t, p)

	_, err := s.Solve(context.Background(), recaptcha(), time.Second)
	require.ErrorIs(t, err, harvest.ErrSolveRejected)
	require.Contains(t, err.Error(), "ERROR_CAPTCHA_UNSOLVABLE")
}

func TestSolveSubmitErrorIsRejected(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{submitStatus: 0, submitBody: "ERROR_WRONG_USER_KEY"}
	s := newSolver(t, p)

	_, err := s.Solve(context.Background(), recaptcha(), time.Second)
	require.ErrorIs(t, err, harvest.ErrSolveRejected)
	require.Zero(t, p.polls.Load())
}

func TestSolveTimesOut(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{submitStatus: 1, submitBody: "task-1", readyAfter: 1 << 30}
	s := newSolver(t, p)

	_, err := s.Solve(context.Background(), recaptcha(), 40*time.Millisecond)
	require.ErrorIs(t, err, harvest.ErrSolveTimeout)
}

func TestSolveParentCancellation(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{submitStatus: 1, submitBody: "task-1", readyAfter: 1 << 30}
	s := newSolver(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := s.Solve(ctx, recaptcha(), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, harvest.ErrSolveTimeout)
}

func TestSolveHTTPErrorSurfaces(t *testing.T) {
	t.Parallel()

	s := newSolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	_, err := s.Solve(context.Background(), recaptcha(), time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestSubmitFormByChallengeType(t *testing.T) {
	t.Parallel()

	s := NewTwoCaptcha(Config{APIKey: "k"}, nil)
	tests := []struct {
		name     string
		artifact harvest.ChallengeArtifact
		method   string
		keyField string
		wantErr  bool
	}{
		{"hcaptcha", harvest.ChallengeArtifact{Type: harvest.ChallengeHCaptcha, SiteKey: "h"}, "hcaptcha", "sitekey", false},
		{"turnstile", harvest.ChallengeArtifact{Type: harvest.ChallengeTurnstile, SiteKey: "t"}, "turnstile", "sitekey", false},
		{"generic image", harvest.ChallengeArtifact{Type: harvest.ChallengeGeneric, Payload: []byte("png")}, "base64", "body", false},
		{"generic empty", harvest.ChallengeArtifact{Type: harvest.ChallengeGeneric}, "", "", true},
		{"perimeterx", harvest.ChallengeArtifact{Type: harvest.ChallengePerimeterX}, "", "", true},
		{"missing site key", harvest.ChallengeArtifact{Type: harvest.ChallengeRecaptcha}, "", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			form, err := s.submitForm(tt.artifact)
			if tt.wantErr {
				require.ErrorIs(t, err, harvest.ErrSolveRejected)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.method, form["method"])
			require.NotEmpty(t, form[tt.keyField])
		})
	}
}

func TestNewPicksSolverByKey(t *testing.T) {
	t.Parallel()

	none := New(Config{}, zap.NewNop())
	require.False(t, none.Available())
	_, err := none.Solve(context.Background(), recaptcha(), time.Second)
	require.ErrorIs(t, err, harvest.ErrSolveUnavailable)

	some := New(Config{APIKey: "k"}, zap.NewNop())
	require.True(t, some.Available())
	require.IsType(t, &TwoCaptcha{}, some)
}
