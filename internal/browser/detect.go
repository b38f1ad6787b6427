package browser

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

// Classification is the verdict over a loaded page.
type Classification struct {
	Kind      harvest.OutcomeKind
	Challenge harvest.ChallengeType
	SiteKey   string
	// Hard marks failures caused by the egress identity itself.
	Hard   bool
	Reason string
}

var (
	perimeterXHints = []string{"px-captcha", "robot or human", "press & hold", "press and hold"}
	blockedTitles   = []string{"access denied", "forbidden", "attention required", "too many requests", "blocked", "just a moment"}
	blockedHints    = []string{
		"access denied",
		"request blocked",
		"rate limited",
		"too many requests",
		"checking your browser",
		"cf-browser-verification",
	}
	// Chrome network error codes that implicate the proxy rather than the
	// target site.
	hardErrorCodes = []string{
		"err_proxy_connection_failed",
		"err_tunnel_connection_failed",
		"err_connection_refused",
		"err_invalid_auth_credentials",
		"err_proxy_auth_unsupported",
		"err_proxy_certificate_invalid",
		"err_socks_connection_failed",
	}
	softErrorCodes = []string{
		"err_connection",
		"err_timed_out",
		"err_name_not_resolved",
		"err_internet_disconnected",
		"err_network_changed",
		"err_empty_response",
		"err_ssl",
		"err_http2",
	}
)

// Classify inspects a rendered page and decides whether it is usable
// content, an anti-bot challenge, a block, or a network failure. It has no
// side effects.
func Classify(status int, title, html string) Classification {
	lowerTitle := strings.ToLower(title)
	lowerHTML := strings.ToLower(html)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Classification{Kind: harvest.OutcomeNetworkError, Reason: "unparseable document"}
	}

	if c, ok := detectChallenge(doc, lowerTitle, lowerHTML); ok {
		return c
	}

	if code := matchAny(lowerHTML, hardErrorCodes); code != "" {
		return Classification{Kind: harvest.OutcomeNetworkError, Hard: true, Reason: code}
	}
	if doc.Find("#main-frame-error").Length() > 0 {
		return Classification{Kind: harvest.OutcomeNetworkError, Reason: firstNonEmpty(matchAny(lowerHTML, softErrorCodes), "browser error page")}
	}

	switch {
	case status == http.StatusForbidden:
		return Classification{Kind: harvest.OutcomeBlocked, Reason: "status 403"}
	case status == http.StatusTooManyRequests:
		return Classification{Kind: harvest.OutcomeBlocked, Reason: "status 429"}
	case status >= http.StatusInternalServerError:
		return Classification{Kind: harvest.OutcomeNetworkError, Reason: http.StatusText(status)}
	}
	if hint := matchAny(lowerTitle, blockedTitles); hint != "" {
		return Classification{Kind: harvest.OutcomeBlocked, Reason: "title: " + hint}
	}
	if hint := matchAny(lowerHTML, blockedHints); hint != "" {
		return Classification{Kind: harvest.OutcomeBlocked, Reason: hint}
	}

	if strings.TrimSpace(doc.Find("body").Text()) == "" {
		return Classification{Kind: harvest.OutcomeNetworkError, Reason: "empty document"}
	}
	return Classification{Kind: harvest.OutcomeContent}
}

func detectChallenge(doc *goquery.Document, lowerTitle, lowerHTML string) (Classification, bool) {
	challenge := func(t harvest.ChallengeType, key, reason string) (Classification, bool) {
		return Classification{Kind: harvest.OutcomeChallenge, Challenge: t, SiteKey: key, Reason: reason}, true
	}

	if doc.Find("#px-captcha, #px_captcha").Length() > 0 {
		return challenge(harvest.ChallengePerimeterX, "", "px captcha element")
	}
	if hint := matchAny(lowerTitle+" "+lowerHTML, perimeterXHints); hint != "" {
		return challenge(harvest.ChallengePerimeterX, "", hint)
	}

	if sel := doc.Find(".g-recaptcha, [data-sitekey].g-recaptcha"); sel.Length() > 0 {
		return challenge(harvest.ChallengeRecaptcha, attr(sel, "data-sitekey"), "recaptcha widget")
	}
	if sel := doc.Find(`iframe[src*="recaptcha/api2/anchor"], iframe[src*="recaptcha/enterprise/anchor"]`); sel.Length() > 0 {
		return challenge(harvest.ChallengeRecaptcha, iframeKey(sel, "k"), "recaptcha iframe")
	}

	if sel := doc.Find(".h-captcha"); sel.Length() > 0 {
		return challenge(harvest.ChallengeHCaptcha, attr(sel, "data-sitekey"), "hcaptcha widget")
	}
	if sel := doc.Find(`iframe[src*="hcaptcha.com"]`); sel.Length() > 0 {
		return challenge(harvest.ChallengeHCaptcha, iframeKey(sel, "sitekey"), "hcaptcha iframe")
	}

	if sel := doc.Find(".cf-turnstile"); sel.Length() > 0 {
		return challenge(harvest.ChallengeTurnstile, attr(sel, "data-sitekey"), "turnstile widget")
	}
	if doc.Find(`iframe[src*="challenges.cloudflare.com"]`).Length() > 0 {
		return challenge(harvest.ChallengeTurnstile, "", "turnstile iframe")
	}

	generic := doc.Find(`[id*="captcha"], [class*="captcha"]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return !s.HasClass("grecaptcha-badge")
	})
	if generic.Length() > 0 {
		return challenge(harvest.ChallengeGeneric, "", "captcha element")
	}
	return Classification{}, false
}

// ClassifyNavError maps a navigation error to an outcome. Errors naming a
// proxy or refused connection are hard failures.
func ClassifyNavError(err error) Classification {
	if err == nil {
		return Classification{Kind: harvest.OutcomeContent}
	}
	msg := strings.ToLower(err.Error())
	if code := matchAny(msg, hardErrorCodes); code != "" {
		return Classification{Kind: harvest.OutcomeNetworkError, Hard: true, Reason: code}
	}
	return Classification{Kind: harvest.OutcomeNetworkError, Reason: firstNonEmpty(matchAny(msg, softErrorCodes), "navigation failed")}
}

func matchAny(text string, hints []string) string {
	for _, h := range hints {
		if strings.Contains(text, h) {
			return h
		}
	}
	return ""
}

func attr(sel *goquery.Selection, name string) string {
	var out string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr(name); ok && v != "" {
			out = v
			return false
		}
		return true
	})
	return out
}

// iframeKey pulls a site key from an iframe src query or fragment.
func iframeKey(sel *goquery.Selection, param string) string {
	src := attr(sel, "src")
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if v := u.Query().Get(param); v != "" {
		return v
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return ""
	}
	return frag.Get(param)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
