package newsletter

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	articleMD     goldmark.Markdown
	articlePolicy *bluemonday.Policy
	mdInitOnce    sync.Once
)

func initMarkdown() {
	mdInitOnce.Do(func() {
		// Raw HTML passes through goldmark and is policed by bluemonday
		// instead; authors may embed HTML in posts, the sanitizer decides
		// what reaches an inbox.
		articleMD = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithUnsafe()),
		)

		// Email-safe subset: structural and inline formatting plus links
		// and images. Scripts, styles and event handlers never survive.
		articlePolicy = bluemonday.NewPolicy()
		articlePolicy.AllowStandardURLs()
		articlePolicy.AllowElements(
			"h1", "h2", "h3", "h4", "h5", "h6",
			"p", "br", "hr",
			"strong", "b", "em", "i", "del", "s",
			"ul", "ol", "li",
			"code", "pre", "blockquote",
			"table", "thead", "tbody", "tr", "th", "td",
		)
		articlePolicy.AllowAttrs("href").OnElements("a")
		articlePolicy.AllowElements("a")
		articlePolicy.AllowAttrs("src", "alt").OnElements("img")
		articlePolicy.AllowElements("img")
	})
}

// RenderMarkdown converts article markdown to sanitized HTML suitable for
// embedding into a newsletter body. The output contains only an
// email-safe tag subset; anything else the author managed to get into the
// post body is stripped.
func RenderMarkdown(md string) (string, error) {
	initMarkdown()

	var buf bytes.Buffer
	if err := articleMD.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return articlePolicy.Sanitize(buf.String()), nil
}
