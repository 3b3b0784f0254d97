package limitless

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	headingExpr  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	quoteExpr    = regexp.MustCompile(`(?m)^\s*>\s?`)
	speakerExpr  = regexp.MustCompile(`(?m)^\s*-\s*(?:\[[^\]]*\]\s*)?[^:\n]{1,40}\s*\([^)]*\):\s*`)
	emphasisExpr = regexp.MustCompile(`[*_]{1,3}([^*_]+)[*_]{1,3}`)
	spaceExpr    = regexp.MustCompile(`\s+`)
)

// PlainText flattens lifelog markdown (which may embed HTML) into a single line of speech.
func PlainText(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	text := markdown
	if strings.Contains(text, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			doc.Find("script, style").Remove()
			doc.Find("br, p, div, li, blockquote").Each(func(_ int, s *goquery.Selection) {
				s.AppendHtml("\n")
			})
			text = doc.Text()
		}
	}

	text = headingExpr.ReplaceAllString(text, "")
	text = quoteExpr.ReplaceAllString(text, "")
	text = speakerExpr.ReplaceAllString(text, "")
	text = emphasisExpr.ReplaceAllString(text, "$1")
	return strings.TrimSpace(spaceExpr.ReplaceAllString(text, " "))
}
