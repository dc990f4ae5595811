package services

import (
	"strings"
	"testing"
)

func TestSanitizeHTML_StripsActiveContent(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		contains string
		excludes string
	}{
		{
			name:     "script_removed",
			input:    `<script>alert(1)</script><p>hi</p>`,
			contains: "<p>hi</p>",
			excludes: "script",
		},
		{
			name:     "event_handler_removed",
			input:    `<p onclick="steal()">click</p>`,
			contains: "<p>click</p>",
			excludes: "onclick",
		},
		{
			name:     "javascript_url_removed",
			input:    `<a href="javascript:alert(1)">x</a>`,
			excludes: "javascript:",
		},
		{
			name:     "iframe_removed",
			input:    `<iframe src="https://evil.example"></iframe><div>body</div>`,
			contains: "<div>body</div>",
			excludes: "iframe",
		},
		{
			name:     "style_tag_removed",
			input:    `<style>body{display:none}</style><span>text</span>`,
			contains: "<span>text</span>",
			excludes: "display:none",
		},
		{
			name:     "formatting_preserved",
			input:    `<strong>bold</strong> and <em>italic</em>`,
			contains: "<strong>bold</strong>",
		},
		{
			name:     "image_attributes_preserved",
			input:    `<img src="https://example.com/a.png" alt="pic" data-track="1">`,
			contains: `alt="pic"`,
			excludes: "data-track",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := SanitizeHTML(tc.input)
			if tc.contains != "" && !strings.Contains(out, tc.contains) {
				t.Errorf("expected output to contain %q, got %q", tc.contains, out)
			}
			if tc.excludes != "" && strings.Contains(out, tc.excludes) {
				t.Errorf("expected output to exclude %q, got %q", tc.excludes, out)
			}
		})
	}
}

func TestSanitizeHTML_LinksGetNoFollow(t *testing.T) {
	out := SanitizeHTML(`<a href="https://example.com">link</a>`)
	if !strings.Contains(out, `rel="nofollow"`) {
		t.Errorf("expected nofollow on links, got %q", out)
	}
	if !strings.Contains(out, `href="https://example.com"`) {
		t.Errorf("expected href preserved, got %q", out)
	}
}

func TestNormalizePlainText(t *testing.T) {
	out := NormalizePlainText("line1\r\nline2\rline3\n")
	if out != "line1\nline2\nline3\n" {
		t.Errorf("expected LF line endings, got %q", out)
	}

	invalid := "ok\xff\xfebytes"
	out = NormalizePlainText(invalid)
	if !strings.Contains(out, "ok") || !strings.Contains(out, "bytes") {
		t.Errorf("expected surrounding text preserved, got %q", out)
	}
	if strings.Contains(out, "\xff") {
		t.Errorf("expected invalid bytes replaced, got %q", out)
	}
}
