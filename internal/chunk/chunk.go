// Package chunk splits outbound reply text into provider-sized pieces,
// preferring newline boundaries, then word boundaries, and breaking inside a
// word only when the word itself exceeds the limit.
package chunk

import (
	"strings"
	"unicode"
)

// Provider message size caps in characters.
const (
	// TelephonyLimit is the per-message cap for the cloud telephony
	// provider.
	TelephonyLimit = 1600
	// WebLimit is the per-message cap for the personal WhatsApp Web
	// provider.
	WebLimit = 4000
)

// Split breaks text into ordered chunks of at most limit characters. Empty
// input yields nil; a non-positive limit returns the text unsplit. No chunk
// is ever empty.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > limit {
		window := remaining[:limit]
		lastNewline, lastSpace := scanBreakpoints(window)

		breakIdx := limit
		if lastNewline > 0 {
			breakIdx = lastNewline
		} else if lastSpace > 0 {
			breakIdx = lastSpace
		} else {
			// Hard break inside a word: never split a UTF-8 sequence.
			for breakIdx > 0 && remaining[breakIdx]&0xC0 == 0x80 {
				breakIdx--
			}
			if breakIdx == 0 {
				breakIdx = limit
			}
		}

		piece := strings.TrimRight(remaining[:breakIdx], " \t")
		if piece != "" {
			chunks = append(chunks, piece)
		}

		next := breakIdx
		if next < len(remaining) && unicode.IsSpace(rune(remaining[next])) {
			next++
		}
		remaining = strings.TrimLeft(remaining[next:], " \t")
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// scanBreakpoints returns the last newline and last non-newline whitespace
// index inside window, or -1 when absent.
func scanBreakpoints(window string) (lastNewline, lastSpace int) {
	lastNewline = -1
	lastSpace = -1
	for i := 0; i < len(window); i++ {
		c := window[i]
		if c == '\n' {
			lastNewline = i
		} else if unicode.IsSpace(rune(c)) {
			lastSpace = i
		}
	}
	return lastNewline, lastSpace
}
