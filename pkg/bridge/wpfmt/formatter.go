// Copyright 2024-2026 Aiku AI

// Package wpfmt converts Telegram message text to WordPress post fields.
package wpfmt

import (
	"html"
	"strings"
	"unicode/utf8"
)

// DefaultTitleLength is the rune limit applied by BuildTitle.
const DefaultTitleLength = 60

// NoTitle is the fallback title for messages with no usable text.
const NoTitle = "(no title)"

// trailingPunct is punctuation commonly stuck to the end of an inline hashtag.
const trailingPunct = ".,!?:;)]}([{"

// BuildTitle derives a post title from message text: the first non-empty
// line, minus its leading hashtags, truncated to maxLength runes. A line
// consisting only of hashtags is kept as-is rather than dropped.
func BuildTitle(text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultTitleLength
	}
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		words := strings.Fields(line)
		filtered := words[:0:0]
		dropping := true
		for _, w := range words {
			if dropping && strings.HasPrefix(w, "#") {
				continue
			}
			dropping = false
			filtered = append(filtered, w)
		}

		candidate := line
		if len(filtered) > 0 {
			candidate = strings.Join(filtered, " ")
		}
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		if runes := []rune(candidate); len(runes) > maxLength {
			candidate = string(runes[:maxLength])
		}
		return candidate
	}
	return NoTitle
}

// TextToHTML renders plain message text as minimal WordPress post HTML.
// Double newlines separate paragraphs, single newlines become <br>, and
// everything else is escaped.
func TextToHTML(text string) string {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return "<p></p>"
	}

	paragraphs := strings.Split(stripped, "\n\n")
	var sb strings.Builder
	for _, para := range paragraphs {
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(line)
		}
		sb.WriteString("<p>")
		sb.WriteString(strings.Join(lines, "<br>"))
		sb.WriteString("</p>")
	}
	return sb.String()
}

// ExtractHashtags returns the hashtags in text in order of first appearance,
// without duplicates. A hashtag is a whitespace-delimited token starting with
// "#"; punctuation stuck to its end ("#go!", "#go),") is stripped, and a bare
// "#" on its own does not count.
func ExtractHashtags(text string) []string {
	var hashtags []string
	seen := make(map[string]struct{})

	for _, token := range strings.Fields(text) {
		if !strings.HasPrefix(token, "#") {
			continue
		}
		token = strings.TrimRight(token, trailingPunct)
		if utf8.RuneCountInString(token) < 2 {
			continue
		}
		if _, ok := seen[token]; !ok {
			seen[token] = struct{}{}
			hashtags = append(hashtags, token)
		}
	}
	return hashtags
}
