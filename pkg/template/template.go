package template

import (
	"regexp"
	"strings"
	"time"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Expand replaces every {token} placeholder in body with the matching value
// from data, plus auto-computed date/time fields. Unknown tokens are left
// untouched so a typo in a template is visible in the delivered message
// instead of silently vanishing.
func Expand(body string, data map[string]string) string {
	return ExpandAt(body, data, time.Now())
}

// ExpandAt is Expand with an explicit clock, so renders are reproducible.
func ExpandAt(body string, data map[string]string, now time.Time) string {
	if !strings.Contains(body, "{") {
		return body
	}

	auto := map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04"),
		"datetime": now.Format("2006-01-02 15:04"),
		"day":      now.Weekday().String(),
	}

	return placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		token := match[1 : len(match)-1]
		if value, ok := data[token]; ok {
			return value
		}
		if value, ok := auto[token]; ok {
			return value
		}
		return match
	})
}

// Tokens returns the distinct placeholder names found in body, in order of
// first appearance.
func Tokens(body string) []string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		token := match[1]
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

// RenderedLength counts user-perceived characters (grapheme clusters), which
// is what the platform's message length limit is measured in.
func RenderedLength(body string) int {
	return uniseg.GraphemeClusterCount(body)
}

// Preview returns a log-safe preview of a rendered message: emoji stripped,
// whitespace collapsed, truncated to max grapheme clusters.
func Preview(body string, max int) string {
	preview := gomoji.RemoveEmojis(body)
	preview = strings.Join(strings.Fields(preview), " ")
	if max <= 0 || uniseg.GraphemeClusterCount(preview) <= max {
		return preview
	}

	var b strings.Builder
	count := 0
	state := -1
	rest := preview
	for len(rest) > 0 && count < max {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		b.WriteString(cluster)
		count++
	}
	return b.String() + "…"
}
