package services

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// htmlPolicy is the shared sanitization policy applied to every HTML body
// before it is persisted. Scripts, styles, event handlers and javascript:
// URLs are stripped; basic formatting, links and images survive.
var htmlPolicy = buildHTMLPolicy()

func buildHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "div", "span",
		"strong", "em", "b", "i", "u",
		"ul", "ol", "li", "blockquote",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"pre", "code", "table", "thead", "tbody", "tr", "td", "th",
	)
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "width", "height").OnElements("img")
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	return p
}

// SanitizeHTML strips active content from an HTML body. The output is safe
// to store and render without further escaping of the allowed tags.
func SanitizeHTML(html string) string {
	return htmlPolicy.Sanitize(html)
}

// NormalizePlainText coerces a plain text body to valid UTF-8 with LF line
// endings. Invalid byte sequences are replaced rather than dropped so
// offsets stay stable.
func NormalizePlainText(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
