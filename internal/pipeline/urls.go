package pipeline

import (
	"regexp"
	"strings"
)

// urlPattern matches http(s) URLs and bare domains with a path, the shapes
// that show up in forwarded messages.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)

// extractURLs regex-scans text for URLs, normalizing and deduplicating while
// preserving first-seen order.
func extractURLs(texts ...string) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, text := range texts {
		for _, raw := range urlPattern.FindAllString(text, -1) {
			u := normalizeURL(raw)
			if u == "" {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls
}

// normalizeURL trims trailing punctuation picked up by the regex and
// defaults the scheme to https.
func normalizeURL(raw string) string {
	u := strings.TrimRight(raw, ".,;:!?)]}\"'")
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify builds a URL slug from a title, uniquified with an id suffix.
func slugify(title, checkID string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	suffix := checkID
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	if s == "" {
		return suffix
	}
	return s + "-" + suffix
}
