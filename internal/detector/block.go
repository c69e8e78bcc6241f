// Package detector classifies fetch responses as blocked or not.
package detector

import (
	"bytes"
	"net/http"
	"strings"
)

// Category names the kind of block a response represents.
type Category string

// Block categories, in classification precedence order after NotBlocked.
const (
	NotBlocked       Category = "not_blocked"
	RateLimit        Category = "rate_limit"
	IPBan            Category = "ip_ban"
	ForbiddenContent Category = "forbidden_content"
	Captcha          Category = "captcha"
	UnexpectedFormat Category = "unexpected_format"
)

// Blocked reports whether the category is a failure signal.
func (c Category) Blocked() bool {
	return c != NotBlocked
}

var (
	banMarkers     = [][]byte{[]byte("access denied"), []byte("forbidden")}
	captchaMarkers = [][]byte{[]byte("captcha"), []byte("are you a robot")}
	htmlMarkers    = [][]byte{[]byte("<!doctype html"), []byte("<html")}
)

// Classify applies the decision table to a response. expectJSON enables the
// HTML-instead-of-data check.
func Classify(status int, body []byte, expectJSON bool) Category {
	return classify(status, bytes.ToLower(body), expectJSON, nil)
}

// Classifier is Classify with extra case-insensitive captcha markers.
type Classifier struct {
	extraCaptcha [][]byte
}

// NewClassifier lowers and stores the extra markers; blanks are skipped.
func NewClassifier(extraCaptchaMarkers []string) *Classifier {
	extra := make([][]byte, 0, len(extraCaptchaMarkers))
	for _, marker := range extraCaptchaMarkers {
		marker = strings.TrimSpace(marker)
		if marker == "" {
			continue
		}
		extra = append(extra, []byte(strings.ToLower(marker)))
	}
	return &Classifier{extraCaptcha: extra}
}

// Classify applies the decision table with the configured markers.
func (c *Classifier) Classify(status int, body []byte, expectJSON bool) Category {
	var extra [][]byte
	if c != nil {
		extra = c.extraCaptcha
	}
	return classify(status, bytes.ToLower(body), expectJSON, extra)
}

func classify(status int, lower []byte, expectJSON bool, extraCaptcha [][]byte) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimit
	case status == http.StatusForbidden:
		if containsAny(lower, banMarkers) {
			return IPBan
		}
		return ForbiddenContent
	case containsAny(lower, captchaMarkers), containsAny(lower, extraCaptcha):
		return Captcha
	case expectJSON && containsAny(lower, htmlMarkers):
		return UnexpectedFormat
	default:
		return NotBlocked
	}
}

func containsAny(lower []byte, markers [][]byte) bool {
	for _, m := range markers {
		if len(m) > 0 && bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ExpectsJSON guesses whether a URL addresses a JSON API rather than a page.
// The Accept header only counts when it admits no HTML at all; a mixed list
// such as "application/json, text/html;q=0.9" leaves the decision to the URL.
func ExpectsJSON(rawURL string, accept string) bool {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	if strings.Contains(lower, "/api/") || strings.HasSuffix(lower, ".json") {
		return true
	}
	return acceptsOnlyJSON(accept)
}

func acceptsOnlyJSON(accept string) bool {
	sawJSON := false
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		switch {
		case mediaType == "":
			continue
		case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
			sawJSON = true
		case mediaType == "*/*", strings.HasPrefix(mediaType, "text/"), strings.Contains(mediaType, "html"):
			return false
		}
	}
	return sawJSON
}
