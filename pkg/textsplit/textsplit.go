// Package textsplit cuts long replies into message-sized chunks.
package textsplit

import "strings"

// DefaultMaxLen keeps chunks under the Telegram message limit.
const DefaultMaxLen = 4000

// Break points in order of preference.
var separators = []string{"\n\n", "\n", " "}

// minBreakRatio is the earliest point of a chunk a break may be taken at.
const minBreakRatio = 0.6

// Split returns trimmed, non-empty chunks of at most maxLen characters,
// in order. When nothing is left after trimming it returns one empty chunk.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	var chunks []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			chunks = append(chunks, s)
		}
	}

	rest := []rune(text)
	for len(rest) > maxLen {
		cut := breakPoint(rest, maxLen)
		add(string(rest[:cut]))
		rest = rest[cut:]
	}
	add(string(rest))

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// breakPoint finds where to end the next chunk of rest.
func breakPoint(rest []rune, maxLen int) int {
	window := string(rest[:maxLen])
	minIdx := int(float64(maxLen) * minBreakRatio)

	for _, sep := range separators {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		// LastIndex is a byte offset
		runeIdx := len([]rune(window[:idx]))
		if runeIdx >= minIdx && runeIdx > 0 {
			return runeIdx
		}
	}
	return maxLen
}
