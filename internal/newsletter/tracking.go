package newsletter

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Tracker mints tracking ids and rewrites rendered HTML so every anchor
// and a hidden pixel point back at the engine's tracking endpoints.
// Injection runs once per rendered message, after personalization, so
// each recipient's copy carries its own tracking id.
type Tracker struct {
	baseURL string
}

// NewTracker creates a tracker. baseURL is the public origin the
// tracking endpoints are served from, without a trailing slash.
func NewTracker(baseURL string) *Tracker {
	return &Tracker{baseURL: strings.TrimRight(baseURL, "/")}
}

// MintTrackingID returns a new opaque tracking id: 32 bytes of
// crypto/rand, base64url without padding. The id is both the DeliveryLog
// key and the token embedded in URLs, so it must be unguessable.
func (t *Tracker) MintTrackingID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint tracking id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PixelURL returns the open-tracking pixel URL for a tracking id.
func (t *Tracker) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/newsletter/track/%s", t.baseURL, trackingID)
}

// ClickURL wraps an original link in a click-redirect URL.
func (t *Tracker) ClickURL(trackingID, originalURL string) string {
	return fmt.Sprintf("%s/newsletter/click/%s?url=%s", t.baseURL, trackingID, url.QueryEscape(originalURL))
}

// UnsubscribeURL returns the platform unsubscribe link for a recipient.
// The form behind it is owned by the platform; the engine only embeds
// the URL in message bodies and List-Unsubscribe headers.
func (t *Tracker) UnsubscribeURL(email string) string {
	return fmt.Sprintf("%s/newsletter/unsubscribe?email=%s", t.baseURL, url.QueryEscape(email))
}

// InjectTracking rewrites every absolute http(s) anchor into a
// click-redirect URL and appends an invisible 1x1 pixel before the
// closing body tag. Links already pointing at the tracking endpoints are
// left alone so injection is idempotent.
func (t *Tracker) InjectTracking(html, trackingID string) string {
	html = t.rewriteLinks(html, trackingID)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;max-height:0;overflow:hidden" alt="">`,
		t.PixelURL(trackingID))
	if idx := strings.LastIndex(html, "</body>"); idx != -1 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

// rewriteLinks scans href attributes and wraps trackable targets.
func (t *Tracker) rewriteLinks(html, trackingID string) string {
	const attr = `href="`

	var b strings.Builder
	rest := html
	for {
		idx := strings.Index(rest, attr)
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		valStart := idx + len(attr)
		valEnd := strings.Index(rest[valStart:], `"`)
		if valEnd == -1 {
			b.WriteString(rest)
			break
		}

		original := rest[valStart : valStart+valEnd]
		b.WriteString(rest[:valStart])
		if t.trackable(original) {
			b.WriteString(t.ClickURL(trackingID, original))
		} else {
			b.WriteString(original)
		}
		b.WriteString(`"`)
		rest = rest[valStart+valEnd+1:]
	}
	return b.String()
}

// trackable reports whether an href target should be wrapped: absolute
// http(s) URLs that are not already tracking endpoints. Relative links,
// mailto: and anchors pass through untouched.
func (t *Tracker) trackable(href string) bool {
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return false
	}
	if strings.Contains(href, "/newsletter/track/") || strings.Contains(href, "/newsletter/click/") {
		return false
	}
	// Unsubscribe must stay a direct link; wrapping it would record a
	// CLICK for the act of leaving.
	if strings.Contains(href, "/newsletter/unsubscribe") {
		return false
	}
	return true
}
